package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medisync/internal/config"
	"medisync/internal/connectivity"
	"medisync/internal/crypto"
	"medisync/internal/database"
	"medisync/internal/events"
	"medisync/internal/logging"
	"medisync/internal/metrics"
	"medisync/internal/policy"
	"medisync/internal/remote"
	"medisync/internal/repository"
	"medisync/internal/resolver"
	"medisync/internal/retry"
	"medisync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	metrics.Register()

	policies := policy.NewTable(cfg.Policies)

	encryptor, err := buildEncryptor(policies, logger)
	if err != nil {
		return err
	}

	store, err := database.NewStore(cfg.Database.Path, policies, encryptor, cfg.Sync.QueueCapacity, *baseLogger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()

	cache := buildCache(cfg, policies, baseLogger)

	remoteClient, err := remote.NewHTTPClient(cfg.Remote, *baseLogger)
	if err != nil {
		return err
	}

	probeURL := cfg.Connectivity.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Remote.BaseURL
	}
	prober := connectivity.NewHTTPProber(probeURL, time.Duration(cfg.Connectivity.ProbeTimeoutSeconds)*time.Second)
	monitor := connectivity.NewMonitor(prober, time.Duration(cfg.Connectivity.IntervalSeconds)*time.Second, bus, *baseLogger)
	go monitor.Start(ctx)

	scheduler := retry.NewScheduler(cfg.Retry)
	registry := resolver.NewRegistry(policies)

	dispatcher := worker.New(store, remoteClient, monitor, scheduler, registry, policies, cache, bus, worker.Options{
		BatchSize:      cfg.Sync.BatchSize,
		Workers:        cfg.Sync.Workers,
		PollInterval:   time.Duration(cfg.Sync.PollIntervalSeconds) * time.Second,
		SucceededGrace: time.Duration(cfg.Sync.SucceededGraceHours) * time.Hour,
		PurgeInterval:  time.Duration(cfg.Sync.PurgeIntervalMinutes) * time.Minute,
		ExportDir:      cfg.Exports.Path,
	}, *baseLogger)

	if cfg.Monitoring.PrometheusEnabled {
		go servePrometheus(cfg.Monitoring.PrometheusPort, logger)
	}

	sub := bus.SubscribeTasks(func(e events.TaskEvent) {
		logger.Debug().
			Str("task_id", e.TaskID).
			Str("resource", e.ResourceType+"/"+e.ResourceID).
			Str("status", string(e.Status)).
			Msg("task transition")
	})
	defer sub.Unsubscribe()

	logger.Info().Str("db", cfg.Database.Path).Str("remote", cfg.Remote.BaseURL).Msg("sync engine starting")
	dispatcher.Start(ctx)
	return nil
}

func buildEncryptor(policies *policy.Table, logger zerolog.Logger) (crypto.Encryptor, error) {
	needed := false
	for _, rt := range policies.Types() {
		if policies.For(rt).EncryptionRequired {
			needed = true
			break
		}
	}
	if !needed {
		return crypto.Noop{}, nil
	}

	secret := os.Getenv("MEDISYNC_MASTER_KEY")
	if secret == "" {
		return nil, fmt.Errorf("MEDISYNC_MASTER_KEY is required when a policy flags encryption_required")
	}
	logger.Info().Msg("payload encryption enabled")
	return crypto.NewAESGCM([]byte(secret))
}

func buildCache(cfg *config.Config, policies *policy.Table, logger *zerolog.Logger) repository.Cache {
	memory := repository.NewMemoryCache(policies)
	if !cfg.Redis.Enabled {
		return memory
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	primary := repository.NewRedisCache(redisClient, policies)
	return repository.NewFailoverCache(primary, memory, logger)
}

func servePrometheus(port int, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info().Str("addr", addr).Msg("prometheus endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("prometheus endpoint error")
	}
}

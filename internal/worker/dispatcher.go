package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"medisync/internal/database"
	"medisync/internal/events"
	"medisync/internal/export"
	"medisync/internal/metrics"
	"medisync/internal/models"
	"medisync/internal/policy"
	"medisync/internal/remote"
	"medisync/internal/repository"
	"medisync/internal/resolver"
	"medisync/internal/retry"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// StatusPendingSync tags provisional results returned before network
// confirmation. It is cleared by the succeeded/failed task event for the
// same task id.
const StatusPendingSync = "pending-sync"

// EnqueueRequest describes a mutation the caller wants delivered.
type EnqueueRequest struct {
	Operation        models.OperationKind
	ResourceType     string
	ResourceID       string
	Payload          json.RawMessage
	BaseVersion      string
	Priority         *models.Priority
	ConflictStrategy models.ConflictStrategy
	MaxRetries       int
}

// ProvisionalResult is returned immediately at enqueue time so the caller
// can render optimistically while the task drains in the background.
type ProvisionalResult struct {
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ConnectivitySource is the read side of the connectivity monitor.
type ConnectivitySource interface {
	State() models.ConnectivityState
	ProbeNow()
}

// Dispatcher is the engine's control loop: it drains the mutation store in
// priority order whenever the device is online, pushing each task through
// the remote client, the retry scheduler or the conflict resolver.
type Dispatcher struct {
	store     *database.Store
	remote    remote.Client
	monitor   ConnectivitySource
	scheduler *retry.Scheduler
	resolver  *resolver.Registry
	policies  *policy.Table
	cache     repository.Cache
	bus       *events.Bus
	limiter   *rate.Limiter
	logger    zerolog.Logger

	batchSize      int
	workers        int
	pollInterval   time.Duration
	succeededGrace time.Duration
	purgeInterval  time.Duration
	exportDir      string

	syncNow chan struct{}
}

// Options bound the dispatcher's drain cycle. ExportDir, when set, enables
// the periodic reconciliation workbook of failed and conflicted tasks.
type Options struct {
	BatchSize      int
	Workers        int
	PollInterval   time.Duration
	SucceededGrace time.Duration
	PurgeInterval  time.Duration
	ExportDir      string
}

// New builds a dispatcher with sane defaults for zero option fields.
func New(
	store *database.Store,
	remoteClient remote.Client,
	monitor ConnectivitySource,
	scheduler *retry.Scheduler,
	registry *resolver.Registry,
	policies *policy.Table,
	cache repository.Cache,
	bus *events.Bus,
	opts Options,
	logger zerolog.Logger,
) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.SucceededGrace <= 0 {
		opts.SucceededGrace = 24 * time.Hour
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = time.Hour
	}

	return &Dispatcher{
		store:          store,
		remote:         remoteClient,
		monitor:        monitor,
		scheduler:      scheduler,
		resolver:       registry,
		policies:       policies,
		cache:          cache,
		bus:            bus,
		limiter:        rate.NewLimiter(rate.Limit(5), opts.Workers),
		logger:         logger.With().Str("component", "dispatcher").Logger(),
		batchSize:      opts.BatchSize,
		workers:        opts.Workers,
		pollInterval:   opts.PollInterval,
		succeededGrace: opts.SucceededGrace,
		purgeInterval:  opts.PurgeInterval,
		exportDir:      opts.ExportDir,
		syncNow:        make(chan struct{}, 1),
	}
}

// Enqueue persists the mutation and returns a provisional result at once.
// Offline is not an error: the task simply waits for connectivity. A full
// queue is surfaced synchronously as database.ErrQueueFull.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*ProvisionalResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	pol := d.policies.For(req.ResourceType)

	task := &models.SyncTask{
		Operation:        req.Operation,
		ResourceType:     req.ResourceType,
		ResourceID:       req.ResourceID,
		Payload:          req.Payload,
		BaseVersion:      req.BaseVersion,
		Priority:         pol.Priority,
		ConflictStrategy: pol.DefaultStrategy,
		MaxRetries:       req.MaxRetries,
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.ConflictStrategy != "" {
		task.ConflictStrategy = req.ConflictStrategy
	}

	evicted, err := d.store.Enqueue(ctx, task)
	if err != nil {
		return nil, err
	}
	if evicted != nil {
		reason := ""
		if evicted.LastError != nil {
			reason = *evicted.LastError
		}
		d.publish(evicted, models.StatusFailed, reason)
		metrics.IncCompleted(evicted.ResourceType, "evicted")
	}

	metrics.IncEnqueued(task.ResourceType)
	d.publish(task, models.StatusPending, "")

	// Fast path: drain immediately instead of waiting for the next poll.
	if d.monitor.State().IsOnline {
		d.trigger()
	}

	return &ProvisionalResult{
		TaskID:     task.ID,
		Status:     StatusPendingSync,
		EnqueuedAt: task.CreatedAt,
	}, nil
}

func validateRequest(req EnqueueRequest) error {
	switch req.Operation {
	case models.OpCreate, models.OpUpdate, models.OpDelete:
	default:
		return fmt.Errorf("unknown operation kind: %q", req.Operation)
	}
	if req.ResourceType == "" {
		return errors.New("resource type is required")
	}
	if req.ResourceID == "" {
		return errors.New("resource id is required")
	}
	if req.Operation != models.OpDelete && len(req.Payload) == 0 {
		return errors.New("payload is required for create and update")
	}
	return nil
}

// Start runs the drain loop until ctx is done. Orphaned in-flight tasks
// from a previous crash are returned to pending first; remote operations
// are idempotent so redelivery is safe.
func (d *Dispatcher) Start(ctx context.Context) {
	restored, err := d.store.ResetInFlight(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("reset in-flight tasks")
	} else if restored > 0 {
		d.logger.Info().Int("tasks", restored).Msg("restored in-flight tasks after restart")
	}

	sub := d.bus.SubscribeConnectivity(func(e events.ConnectivityEvent) {
		if e.IsOnline {
			d.trigger()
		}
	})
	defer sub.Unsubscribe()

	d.logger.Info().
		Int("batch_size", d.batchSize).
		Int("workers", d.workers).
		Dur("poll_interval", d.pollInterval).
		Msg("dispatcher started")
	defer d.logger.Info().Msg("dispatcher stopped")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	purge := time.NewTicker(d.purgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		case <-d.syncNow:
			d.drain(ctx)
		case <-purge.C:
			d.housekeep(ctx)
		}
	}
}

// SyncNow cancels pending backoff timers and triggers an immediate drain.
func (d *Dispatcher) SyncNow(ctx context.Context) error {
	if err := d.store.ClearBackoff(ctx); err != nil {
		return err
	}
	d.monitor.ProbeNow()
	d.trigger()
	return nil
}

// CancelTask removes a queued task without contacting the remote service.
func (d *Dispatcher) CancelTask(ctx context.Context, taskID string) error {
	if err := d.store.Delete(ctx, taskID); err != nil {
		return err
	}
	d.logger.Info().Str("task_id", taskID).Msg("task cancelled")
	return nil
}

// Stats recomputes the aggregate view from the store.
func (d *Dispatcher) Stats(ctx context.Context) (models.SyncStats, error) {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return stats, err
	}
	metrics.SetQueueDepth(stats.Pending)
	return stats, nil
}

func (d *Dispatcher) trigger() {
	select {
	case d.syncNow <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) housekeep(ctx context.Context) {
	if n, err := d.store.PurgeSucceeded(ctx, d.succeededGrace); err != nil {
		d.logger.Error().Err(err).Msg("purge succeeded tasks")
	} else if n > 0 {
		d.logger.Debug().Int("tasks", n).Msg("purged succeeded tasks")
	}
	if n, err := d.store.SweepRetention(ctx); err != nil {
		d.logger.Error().Err(err).Msg("retention sweep")
	} else if n > 0 {
		d.logger.Debug().Int("tasks", n).Msg("retention sweep removed tasks")
	}
	if d.exportDir != "" {
		if path, err := d.ExportUnresolved(ctx); err != nil {
			d.logger.Error().Err(err).Msg("reconciliation export")
		} else if path != "" {
			d.logger.Debug().Str("path", path).Msg("reconciliation report written")
		}
	}
}

// ExportUnresolved writes the failed and conflicted tasks to an xlsx
// reconciliation report and returns its path, or "" when there is nothing
// to report. Runs on the housekeeping tick and on demand.
func (d *Dispatcher) ExportUnresolved(ctx context.Context) (string, error) {
	if d.exportDir == "" {
		return "", errors.New("export directory is not configured")
	}

	tasks, err := d.store.Unresolved(ctx)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "", nil
	}

	if err := os.MkdirAll(d.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(d.exportDir, "reconciliation.xlsx")
	if err := export.WriteReconciliation(path, tasks); err != nil {
		return "", err
	}
	return path, nil
}

// drain runs one cycle. DequeueReady returns at most one task per resource
// (the earliest), so the worker pool below runs only independent resources
// concurrently; same-resource mutations stay serialized in enqueue order
// across cycles.
func (d *Dispatcher) drain(ctx context.Context) {
	state := d.monitor.State()
	if !state.IsOnline {
		return
	}

	d.limiter.SetLimit(rateForTier(state.Tier))

	tasks, err := d.store.DequeueReady(ctx, d.batchSize)
	if err != nil {
		d.logger.Error().Err(err).Msg("dequeue ready tasks")
		return
	}
	if len(tasks) == 0 {
		return
	}

	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup
	for i := range tasks {
		task := tasks[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.dispatch(ctx, &task, state.Tier)
		}()
	}
	wg.Wait()

	if stats, err := d.store.Stats(ctx); err == nil {
		metrics.SetQueueDepth(stats.Pending)
	}
}

func rateForTier(tier models.QualityTier) rate.Limit {
	switch tier {
	case models.TierExcellent:
		return rate.Limit(10)
	case models.TierGood:
		return rate.Limit(5)
	case models.TierFair:
		return rate.Limit(2)
	default:
		return rate.Limit(1)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, task *models.SyncTask, tier models.QualityTier) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	if err := d.store.MarkInFlight(ctx, task.ID); err != nil {
		if !errors.Is(err, database.ErrNotPending) {
			d.logger.Error().Err(err).Str("task_id", task.ID).Msg("mark in flight")
		}
		return
	}
	d.publish(task, models.StatusInFlight, "")

	start := time.Now()
	version, err := d.perform(ctx, task)
	metrics.ObserveSyncDuration(time.Since(start).Seconds())

	var conflictErr *remote.ConflictError
	var validationErr *remote.ValidationError
	switch {
	case err == nil:
		d.complete(ctx, task, version)
	case errors.As(err, &conflictErr):
		d.resolveConflict(ctx, task, conflictErr)
	case errors.As(err, &validationErr):
		// Retrying a structurally invalid payload cannot succeed.
		d.fail(ctx, task, err.Error())
	default:
		d.retryOrFail(ctx, task, tier, err)
	}
}

func (d *Dispatcher) perform(ctx context.Context, task *models.SyncTask) (string, error) {
	rctx := remote.WithTaskID(ctx, task.ID)

	switch task.Operation {
	case models.OpCreate:
		return d.remote.Create(rctx, task.ResourceType, task.ResourceID, task.Payload)
	case models.OpUpdate:
		return d.remote.Update(rctx, task.ResourceType, task.ResourceID, task.Payload, task.BaseVersion)
	case models.OpDelete:
		return "", d.remote.Delete(rctx, task.ResourceType, task.ResourceID, task.BaseVersion)
	default:
		return "", &remote.ValidationError{Reason: fmt.Sprintf("unknown operation kind: %s", task.Operation)}
	}
}

func (d *Dispatcher) complete(ctx context.Context, task *models.SyncTask, version string) {
	if err := d.store.MarkSucceeded(ctx, task.ID); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("mark succeeded")
	}

	if err := d.cache.Invalidate(ctx, task.ResourceType, task.ResourceID); err != nil {
		d.logger.Warn().Err(err).Str("resource", task.ResourceKey()).Msg("cache invalidation failed")
	}

	d.publish(task, models.StatusSucceeded, "")
	metrics.IncCompleted(task.ResourceType, "succeeded")
	d.logger.Debug().
		Str("task_id", task.ID).
		Str("resource", task.ResourceKey()).
		Str("version", version).
		Msg("task synced")
}

func (d *Dispatcher) fail(ctx context.Context, task *models.SyncTask, reason string) {
	if err := d.store.MarkFailed(ctx, task.ID, reason); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("mark failed")
	}
	d.publish(task, models.StatusFailed, reason)
	metrics.IncCompleted(task.ResourceType, "failed")
	d.logger.Warn().Str("task_id", task.ID).Str("reason", reason).Msg("task failed")
}

func (d *Dispatcher) retryOrFail(ctx context.Context, task *models.SyncTask, tier models.QualityTier, cause error) {
	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.scheduler.MaxRetries(tier)
	}

	if task.RetryCount >= maxRetries {
		d.fail(ctx, task, fmt.Sprintf("retries exhausted (%d): %v", task.RetryCount, cause))
		return
	}

	delay := d.scheduler.NextDelay(task, tier)
	nextRetry := time.Now().Add(delay)
	if err := d.store.RequeueRetry(ctx, task.ID, cause.Error(), nextRetry); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("requeue retry")
		return
	}

	d.publish(task, models.StatusPending, cause.Error())
	d.logger.Debug().
		Str("task_id", task.ID).
		Int("retry_count", task.RetryCount+1).
		Dur("delay", delay).
		Str("tier", tier.String()).
		Msg("task scheduled for retry")
}

func (d *Dispatcher) resolveConflict(ctx context.Context, task *models.SyncTask, conflict *remote.ConflictError) {
	if err := d.store.MarkConflicted(ctx, task.ID, conflict.ServerState); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("mark conflicted")
	}
	d.publish(task, models.StatusConflicted, "server version "+conflict.ServerVersion)

	res, err := d.resolver.Resolve(task, conflict.ServerState, conflict.ServerVersion)
	if err != nil {
		d.fail(ctx, task, fmt.Sprintf("conflict resolution: %v", err))
		return
	}

	switch res.Outcome {
	case resolver.OutcomeReapply:
		if err := d.store.Reapply(ctx, task.ID, res.Payload, res.BaseVersion); err != nil {
			d.logger.Error().Err(err).Str("task_id", task.ID).Msg("reapply resolved payload")
			return
		}
		metrics.IncConflictResolved(string(task.ConflictStrategy))
		d.publish(task, models.StatusPending, "conflict resolved, reapplying")
		d.trigger()

	case resolver.OutcomeDiscardLocal:
		// The server state is authoritative; succeed without a write and
		// drop the cached copy so readers refetch it.
		if err := d.store.MarkSucceeded(ctx, task.ID); err != nil {
			d.logger.Error().Err(err).Str("task_id", task.ID).Msg("mark succeeded")
		}
		if err := d.cache.Invalidate(ctx, task.ResourceType, task.ResourceID); err != nil {
			d.logger.Warn().Err(err).Str("resource", task.ResourceKey()).Msg("cache invalidation failed")
		}
		metrics.IncConflictResolved(string(task.ConflictStrategy))
		d.publish(task, models.StatusSucceeded, "server state kept")
		metrics.IncCompleted(task.ResourceType, "succeeded")

	case resolver.OutcomeManual:
		// Server state stays attached to the row for human reconciliation.
		d.fail(ctx, task, "conflict: manual resolution required")
	}
}

func (d *Dispatcher) publish(task *models.SyncTask, status models.TaskStatus, reason string) {
	d.bus.PublishTask(events.TaskEvent{
		TaskID:       task.ID,
		ResourceType: task.ResourceType,
		ResourceID:   task.ResourceID,
		Status:       status,
		Reason:       reason,
		Timestamp:    time.Now(),
	})
}

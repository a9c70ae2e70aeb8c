package connectivity

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"medisync/internal/events"
	"medisync/internal/metrics"
	"medisync/internal/models"

	"github.com/rs/zerolog"
)

// Sample is one reachability measurement.
type Sample struct {
	RTT          time.Duration
	DownlinkMbps float64
}

// Prober performs a single reachability measurement.
type Prober interface {
	Probe(ctx context.Context) (Sample, error)
}

// HTTPProber issues a HEAD request against a lightweight endpoint and
// measures round-trip latency. The response body is ignored. When the
// endpoint reports a downlink hint header it is used directly; otherwise
// the estimate is derived from latency.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// DownlinkHeader optionally carries a downlink estimate in Mbps.
const DownlinkHeader = "X-Downlink-Mbps"

func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) (Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return Sample{}, err
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return Sample{}, err
	}
	defer resp.Body.Close()
	rtt := time.Since(start)

	sample := Sample{RTT: rtt, DownlinkMbps: estimateDownlink(rtt)}
	if hint := resp.Header.Get(DownlinkHeader); hint != "" {
		if mbps, err := strconv.ParseFloat(hint, 64); err == nil && mbps > 0 {
			sample.DownlinkMbps = mbps
		}
	}
	return sample, nil
}

// estimateDownlink is a coarse latency-derived stand-in used when the probe
// endpoint gives no hint. Steps keep the tier classification monotonic.
func estimateDownlink(rtt time.Duration) float64 {
	ms := rtt.Milliseconds()
	switch {
	case ms <= 50:
		return 20
	case ms <= 150:
		return 8
	case ms <= 300:
		return 3
	default:
		return 0.5
	}
}

// Classify maps a measurement to exactly one quality tier. Thresholds are
// fixed and monotonic: worse latency or lower bandwidth never yields a
// better tier.
func Classify(s Sample) models.QualityTier {
	ms := s.RTT.Milliseconds()
	switch {
	case ms > 300 || s.DownlinkMbps < 1:
		return models.TierPoor
	case ms > 150 || s.DownlinkMbps < 5:
		return models.TierFair
	case ms > 50 || s.DownlinkMbps < 10:
		return models.TierGood
	default:
		return models.TierExcellent
	}
}

// Monitor owns the process-wide ConnectivityState: it is the single writer,
// everyone else reads lock-free snapshots. It probes on a fixed interval
// and immediately on ProbeNow.
type Monitor struct {
	prober   Prober
	interval time.Duration
	bus      *events.Bus
	logger   zerolog.Logger

	state atomic.Pointer[models.ConnectivityState]
	kick  chan struct{}
}

func NewMonitor(prober Prober, interval time.Duration, bus *events.Bus, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		prober:   prober,
		interval: interval,
		bus:      bus,
		logger:   logger.With().Str("component", "connectivity").Logger(),
		kick:     make(chan struct{}, 1),
	}
	m.state.Store(&models.ConnectivityState{IsOnline: false, Tier: models.TierPoor})
	return m
}

// State returns the latest snapshot. Staleness of up to one probe interval
// is acceptable to readers.
func (m *Monitor) State() models.ConnectivityState {
	return *m.state.Load()
}

// ProbeNow requests an immediate probe, used on OS-level transition signals
// and manual sync. Non-blocking; coalesces with a pending request.
func (m *Monitor) ProbeNow() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Start runs the probe loop until ctx is done. The first probe fires
// immediately so the engine does not start blind.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info().Dur("interval", m.interval).Msg("connectivity monitor started")
	defer m.logger.Info().Msg("connectivity monitor stopped")

	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		case <-m.kick:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	prev := m.State()

	sample, err := m.prober.Probe(ctx)
	now := time.Now()

	next := models.ConnectivityState{CheckedAt: now}
	if err != nil {
		next.IsOnline = false
		next.Tier = models.TierPoor
	} else {
		next.IsOnline = true
		next.Tier = Classify(sample)
		next.RTT = sample.RTT
		next.DownlinkMbps = sample.DownlinkMbps
	}

	m.state.Store(&next)
	metrics.SetConnectivity(next.IsOnline, int(next.Tier))

	if next.IsOnline != prev.IsOnline || next.Tier != prev.Tier {
		if err != nil {
			m.logger.Warn().Err(err).Msg("probe failed, marking offline")
		} else {
			m.logger.Info().
				Bool("online", next.IsOnline).
				Str("tier", next.Tier.String()).
				Dur("rtt", next.RTT).
				Msg("connectivity changed")
		}
		m.bus.PublishConnectivity(events.ConnectivityEvent{
			IsOnline:  next.IsOnline,
			Tier:      next.Tier,
			Timestamp: now,
		})
	}
}

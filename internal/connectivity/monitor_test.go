package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"medisync/internal/events"
	"medisync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyTiers(t *testing.T) {
	cases := []struct {
		name   string
		sample Sample
		want   models.QualityTier
	}{
		{"high latency is poor", Sample{RTT: 400 * time.Millisecond, DownlinkMbps: 50}, models.TierPoor},
		{"low bandwidth is poor", Sample{RTT: 20 * time.Millisecond, DownlinkMbps: 0.5}, models.TierPoor},
		{"moderate latency is fair", Sample{RTT: 200 * time.Millisecond, DownlinkMbps: 20}, models.TierFair},
		{"moderate bandwidth is fair", Sample{RTT: 20 * time.Millisecond, DownlinkMbps: 3}, models.TierFair},
		{"decent link is good", Sample{RTT: 100 * time.Millisecond, DownlinkMbps: 20}, models.TierGood},
		{"fast link is excellent", Sample{RTT: 20 * time.Millisecond, DownlinkMbps: 50}, models.TierExcellent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.sample))
		})
	}
}

func TestClassifyMonotonic(t *testing.T) {
	// Degrading either axis must never improve the tier.
	base := Sample{RTT: 40 * time.Millisecond, DownlinkMbps: 50}
	prev := Classify(base)
	for _, rtt := range []time.Duration{60, 160, 310, 1000} {
		tier := Classify(Sample{RTT: rtt * time.Millisecond, DownlinkMbps: 50})
		assert.LessOrEqual(t, tier, prev)
		prev = tier
	}

	prev = Classify(base)
	for _, mbps := range []float64{9, 4, 0.9, 0.1} {
		tier := Classify(Sample{RTT: 40 * time.Millisecond, DownlinkMbps: mbps})
		assert.LessOrEqual(t, tier, prev)
		prev = tier
	}
}

type stubProber struct {
	sample Sample
	err    error
}

func (p *stubProber) Probe(context.Context) (Sample, error) {
	return p.sample, p.err
}

func TestProbeTransitionEmitsEvent(t *testing.T) {
	bus := events.NewBus()
	prober := &stubProber{err: errors.New("unreachable")}
	monitor := NewMonitor(prober, time.Minute, bus, zerolog.Nop())

	var got []events.ConnectivityEvent
	sub := bus.SubscribeConnectivity(func(e events.ConnectivityEvent) {
		got = append(got, e)
	})
	defer sub.Unsubscribe()

	ctx := context.Background()

	// Offline start: monitor already defaults to offline, no event.
	monitor.probe(ctx)
	assert.False(t, monitor.State().IsOnline)
	assert.Empty(t, got)

	// Back online: one transition event with the classified tier.
	prober.err = nil
	prober.sample = Sample{RTT: 30 * time.Millisecond, DownlinkMbps: 50}
	monitor.probe(ctx)

	state := monitor.State()
	assert.True(t, state.IsOnline)
	assert.Equal(t, models.TierExcellent, state.Tier)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsOnline)
	assert.Equal(t, models.TierExcellent, got[0].Tier)

	// Same conditions again: no duplicate event.
	monitor.probe(ctx)
	assert.Len(t, got, 1)

	// Tier degradation also notifies.
	prober.sample = Sample{RTT: 500 * time.Millisecond, DownlinkMbps: 0.2}
	monitor.probe(ctx)
	require.Len(t, got, 2)
	assert.Equal(t, models.TierPoor, got[1].Tier)
}

func TestHTTPProberMeasuresRTT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := NewHTTPProber(srv.URL, time.Second)
	sample, err := prober.Probe(context.Background())
	require.NoError(t, err)
	assert.Greater(t, sample.RTT, time.Duration(0))
	assert.Greater(t, sample.DownlinkMbps, 0.0)
}

func TestHTTPProberHonorsDownlinkHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(DownlinkHeader, "2.5")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := NewHTTPProber(srv.URL, time.Second)
	sample, err := prober.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.5, sample.DownlinkMbps)
}

func TestHTTPProberUnreachable(t *testing.T) {
	prober := NewHTTPProber("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := prober.Probe(context.Background())
	assert.Error(t, err)
}

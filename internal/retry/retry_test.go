package retry

import (
	"testing"
	"time"

	"medisync/internal/config"
	"medisync/internal/models"

	"github.com/stretchr/testify/assert"
)

func testScheduler() *Scheduler {
	cfg := config.RetryConfig{
		Poor:      config.RetryTierConfig{InitialDelayMS: 2000, MaxDelayMS: 300000, BackoffMultiplier: 3, MaxRetries: 8},
		Fair:      config.RetryTierConfig{InitialDelayMS: 1000, MaxDelayMS: 120000, BackoffMultiplier: 2.5, MaxRetries: 6},
		Good:      config.RetryTierConfig{InitialDelayMS: 500, MaxDelayMS: 60000, BackoffMultiplier: 2, MaxRetries: 5},
		Excellent: config.RetryTierConfig{InitialDelayMS: 250, MaxDelayMS: 30000, BackoffMultiplier: 2, MaxRetries: 4},
	}
	return NewScheduler(cfg)
}

func TestPoorTierBackoffProgression(t *testing.T) {
	s := testScheduler()
	task := &models.SyncTask{}

	// First failure leaves retryCount at 0: the next attempt waits the
	// initial delay, the one after that waits initial * multiplier.
	task.RetryCount = 0
	assert.Equal(t, 2000*time.Millisecond, s.NextDelay(task, models.TierPoor))

	task.RetryCount = 1
	assert.Equal(t, 6000*time.Millisecond, s.NextDelay(task, models.TierPoor))

	task.RetryCount = 2
	assert.Equal(t, 18000*time.Millisecond, s.NextDelay(task, models.TierPoor))
}

func TestBackoffMonotonic(t *testing.T) {
	s := testScheduler()
	tiers := []models.QualityTier{models.TierPoor, models.TierFair, models.TierGood, models.TierExcellent}

	for _, tier := range tiers {
		prev := time.Duration(0)
		for count := 0; count < 30; count++ {
			task := &models.SyncTask{RetryCount: count}
			d := s.NextDelay(task, tier)
			assert.GreaterOrEqual(t, d, prev, "tier %s retryCount %d", tier, count)
			prev = d
		}
	}
}

func TestBackoffClampedToMaxDelay(t *testing.T) {
	s := testScheduler()
	task := &models.SyncTask{RetryCount: 50}

	assert.Equal(t, 300*time.Second, s.NextDelay(task, models.TierPoor))
	assert.Equal(t, 30*time.Second, s.NextDelay(task, models.TierExcellent))
}

func TestPoorerTiersAllowMoreRetries(t *testing.T) {
	s := testScheduler()

	assert.Equal(t, 8, s.MaxRetries(models.TierPoor))
	assert.Equal(t, 6, s.MaxRetries(models.TierFair))
	assert.Equal(t, 5, s.MaxRetries(models.TierGood))
	assert.Equal(t, 4, s.MaxRetries(models.TierExcellent))
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}
	d := p.Delay(0)
	assert.Equal(t, time.Second, d)

	d = p.Delay(-5)
	assert.Equal(t, time.Second, d)
}

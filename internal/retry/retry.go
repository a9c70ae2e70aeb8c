package retry

import (
	"math"
	"time"

	"medisync/internal/config"
	"medisync/internal/models"
)

// Policy defines exponential backoff parameters for one quality tier.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// Delay returns the backoff before the attempt following retryCount
// failures: initial * factor^retryCount, clamped to MaxDelay.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 2
	}

	delay := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(retryCount))
	d := time.Duration(delay)
	if p.MaxDelay > 0 && (d > p.MaxDelay || delay > float64(math.MaxInt64)) {
		d = p.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Scheduler selects backoff parameters by quality tier. Poorer tiers get
// longer delays but a higher retry ceiling, since their failures are more
// likely transient.
type Scheduler struct {
	tiers map[models.QualityTier]Policy
}

// NewScheduler builds a scheduler from the per-tier config table.
func NewScheduler(cfg config.RetryConfig) *Scheduler {
	return &Scheduler{
		tiers: map[models.QualityTier]Policy{
			models.TierPoor:      tierPolicy(cfg.Poor),
			models.TierFair:      tierPolicy(cfg.Fair),
			models.TierGood:      tierPolicy(cfg.Good),
			models.TierExcellent: tierPolicy(cfg.Excellent),
		},
	}
}

func tierPolicy(c config.RetryTierConfig) Policy {
	return Policy{
		MaxRetries:    c.MaxRetries,
		InitialDelay:  time.Duration(c.InitialDelayMS) * time.Millisecond,
		MaxDelay:      time.Duration(c.MaxDelayMS) * time.Millisecond,
		BackoffFactor: c.BackoffMultiplier,
	}
}

// NextDelay computes the backoff for a task's next attempt under the
// current quality tier.
func (s *Scheduler) NextDelay(task *models.SyncTask, tier models.QualityTier) time.Duration {
	return s.policy(tier).Delay(task.RetryCount)
}

// MaxRetries returns the retry ceiling for a tier, used when a task does
// not carry an explicit override.
func (s *Scheduler) MaxRetries(tier models.QualityTier) int {
	return s.policy(tier).MaxRetries
}

func (s *Scheduler) policy(tier models.QualityTier) Policy {
	if p, ok := s.tiers[tier]; ok {
		return p
	}
	return s.tiers[models.TierPoor]
}

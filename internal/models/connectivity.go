package models

import "time"

// QualityTier is a coarse bucket summarizing current network conditions.
type QualityTier int

const (
	TierPoor QualityTier = iota
	TierFair
	TierGood
	TierExcellent
)

func (q QualityTier) String() string {
	switch q {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	default:
		return "poor"
	}
}

// ConnectivityState is the monitor's snapshot of network condition.
// Written only by the Connectivity Monitor; everyone else reads copies.
type ConnectivityState struct {
	IsOnline     bool          `json:"is_online"`
	Tier         QualityTier   `json:"tier"`
	RTT          time.Duration `json:"rtt"`
	DownlinkMbps float64       `json:"downlink_mbps"`
	CheckedAt    time.Time     `json:"checked_at"`
}

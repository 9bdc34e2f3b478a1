package optimizer

import (
	"time"

	"encore.app/pkg/models"
)

// Placement maps a pattern priority onto cache write targets: the index of
// the hottest tier that receives the write (it and every tier below it are
// written) and the TTL the entry carries. A zero TTL keeps the caller's
// default.
type Placement struct {
	FromTier int
	TTL      time.Duration
}

// PlacementFor returns the write placement for a priority. Critical and high
// shapes occupy every tier, medium skips the hot tier, and low-value shapes
// only reach the warm tier.
func PlacementFor(p models.PatternPriority) Placement {
	switch p {
	case models.PriorityCritical:
		return Placement{FromTier: 0, TTL: criticalTTL}
	case models.PriorityHigh:
		return Placement{FromTier: 0, TTL: highTTL}
	case models.PriorityMedium:
		return Placement{FromTier: 1, TTL: mediumTTL}
	default:
		return Placement{FromTier: 2}
	}
}

package model

// Priority orders events for delivery scheduling. Critical alerts are
// drained first and get a larger retry budget than routine updates.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the scheduling rank; lower sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// MaxRetries is the per-priority retry budget before an item is exhausted.
func (p Priority) MaxRetries() int {
	switch p {
	case PriorityCritical, PriorityHigh:
		return 10
	default:
		return 5
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

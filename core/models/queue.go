package models

import "time"

// QueueEntry references a Job awaiting dispatch. Entries are created in the
// same transaction as their Job and outlive it for audit.
type QueueEntry struct {
	ID        string
	JobID     string
	Priority  int // 1 high .. 3 low
	Status    QueueStatus
	CreatedAt time.Time
	ClaimedAt *time.Time
	ClaimedBy string
	Attempts  int
	LastError string
}

// QueueStatus represents the queue entry state
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueClaimed   QueueStatus = "claimed"
	QueueAbandoned QueueStatus = "abandoned"
)

const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// ValidPriority reports whether p is one of the three priority classes
func ValidPriority(p int) bool {
	return p >= PriorityHigh && p <= PriorityLow
}

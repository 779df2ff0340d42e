package models

import "time"

// JobEvent represents a state transition event for a job
type JobEvent struct {
	ID         int64
	JobID      string
	At         time.Time
	FromStatus *JobStatus
	ToStatus   JobStatus
	Reason     string
}

// LogLine is one immutable line of drained backend output
type LogLine struct {
	JobID string
	Seq   int
	Line  string
	At    time.Time
}

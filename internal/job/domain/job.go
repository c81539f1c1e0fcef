package domain

import "time"

// Status is a job's lifecycle state. COMPLETED and CANCELLED are terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Job is one production run on one machine. The database is authoritative;
// while non-terminal the job is mirrored into the fast-read cache under its
// machine id. At most one non-terminal job exists per machine.
type Job struct {
	ID             string     `json:"id"`
	MachineID      string     `json:"machineId"`
	ProgramID      string     `json:"programId"`
	TargetCount    int        `json:"targetCount"`
	CompletedCount int        `json:"completedCount"`
	Status         Status     `json:"status"`
	OneCycleStop   bool       `json:"oneCycleStop"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

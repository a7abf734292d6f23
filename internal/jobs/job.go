package jobs

import (
	"strings"
	"time"
)

// Status represents the current state of a job
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRejected   Status = "REJECTED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRejected}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (Status, bool) {
	for _, st := range Statuses {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

// Job is one backlog entry: a file or a directory to be expanded.
type Job struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"` // why the job ended FAILED or REJECTED
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// IsTerminal reports whether no further automatic transition follows s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

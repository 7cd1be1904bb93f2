package models

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "Pending"
	TaskMatched   TaskStatus = "Matched"
	TaskReserved  TaskStatus = "Reserved"
	TaskSettling  TaskStatus = "Settling"
	TaskCompleted TaskStatus = "Completed"
	TaskFailed    TaskStatus = "Failed"
	TaskCancelled TaskStatus = "Cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ParseTaskStatus matches s against the known statuses, ignoring case.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	for _, st := range []TaskStatus{TaskPending, TaskMatched, TaskReserved, TaskSettling, TaskCompleted, TaskFailed, TaskCancelled} {
		if strings.EqualFold(s, string(st)) {
			return st, true
		}
	}
	return "", false
}

type Task struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	RequiredGpu   int        `json:"required_gpu"`
	Owner         string     `json:"owner"`
	DurationHours int        `json:"duration_hours"`
	Status        TaskStatus `json:"status"`
	ReservationID string     `json:"reservation_id,omitempty"`
	Attempts      int        `json:"attempts"`
	FailureKind   ErrorKind  `json:"failure_kind,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Version       int64      `json:"version"`
}

func (t *Task) SetVersion(v int64) { t.Version = v }

package models

import "time"

type ReservationState string

const (
	ReservationHeld       ReservationState = "Held"
	ReservationCommitted  ReservationState = "Committed"
	ReservationRolledBack ReservationState = "RolledBack"
	ReservationReleased   ReservationState = "Released"
)

// Reservation links a task to the resource capacity held for it.
//
// CapacityApplied is set once the resource's available_gpu has been
// decremented for this reservation. Whoever moves the reservation out of
// Held while it is set owns restoring that capacity.
type Reservation struct {
	ID              string           `json:"id"`
	TaskID          string           `json:"task_id"`
	ResourceID      string           `json:"resource_id"`
	Amount          int              `json:"amount"`
	State           ReservationState `json:"state"`
	CapacityApplied bool             `json:"capacity_applied"`
	Reason          string           `json:"reason,omitempty"`
	ExpiresAt       time.Time        `json:"expires_at"`
	CreatedAt       time.Time        `json:"created_at"`
	CommittedAt     *time.Time       `json:"committed_at,omitempty"`
	LeaseEndsAt     *time.Time       `json:"lease_ends_at,omitempty"`
	Version         int64            `json:"version"`
}

func (r *Reservation) SetVersion(v int64) { r.Version = v }

// Active reports whether the reservation still occupies capacity.
func (r *Reservation) Active() bool {
	return r.State == ReservationHeld || r.State == ReservationCommitted
}

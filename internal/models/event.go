package models

import "time"

type EventType string

const (
	EventTaskSubmitted         EventType = "task.submitted"
	EventTaskMatched           EventType = "task.matched"
	EventTaskRequeued          EventType = "task.requeued"
	EventTaskCompleted         EventType = "task.completed"
	EventTaskFailed            EventType = "task.failed"
	EventTaskCancelled         EventType = "task.cancelled"
	EventResourceRegistered    EventType = "resource.registered"
	EventReservationHeld       EventType = "reservation.held"
	EventReservationCommitted  EventType = "reservation.committed"
	EventReservationRolledBack EventType = "reservation.rolled_back"
	EventReservationExpired    EventType = "reservation.expired"
	EventLeaseReleased         EventType = "reservation.released"
	EventSettlementSubmitted   EventType = "settlement.submitted"
	EventSettlementConfirmed   EventType = "settlement.confirmed"
	EventSettlementFailed      EventType = "settlement.failed"
)

type Event struct {
	ID            string     `json:"id"`
	Type          EventType  `json:"type"`
	TaskID        string     `json:"task_id,omitempty"`
	ResourceID    string     `json:"resource_id,omitempty"`
	ReservationID string     `json:"reservation_id,omitempty"`
	Status        TaskStatus `json:"status,omitempty"`
	ErrorKind     ErrorKind  `json:"error_kind,omitempty"`
	Message       string     `json:"message,omitempty"`
	At            time.Time  `json:"at"`
}

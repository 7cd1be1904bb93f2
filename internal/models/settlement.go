package models

import "time"

type SettlementState string

const (
	SettlementNotStarted SettlementState = "NotStarted"
	SettlementPending    SettlementState = "Pending"
	SettlementConfirmed  SettlementState = "Confirmed"
	SettlementFailed     SettlementState = "Failed"
)

// SettlementRecord tracks the payment for one reservation. It is keyed by
// ReservationID. Once ExternalTxRef is set the transfer is never resubmitted.
//
// Sending is set before a transfer is broadcast and cleared once its outcome
// is recorded. PreparedTxRef names that transfer when the chain can say so
// in advance.
type SettlementRecord struct {
	ReservationID string          `json:"reservation_id"`
	TaskID        string          `json:"task_id"`
	Sender        string          `json:"sender"`
	Receiver      string          `json:"receiver"`
	Amount        int64           `json:"amount"`
	ExternalTxRef string          `json:"external_tx_ref,omitempty"`
	PreparedTxRef string          `json:"prepared_tx_ref,omitempty"`
	Sending       bool            `json:"sending,omitempty"`
	Attempts      int             `json:"attempts"`
	Polls         int             `json:"polls"`
	State         SettlementState `json:"state"`
	FailureKind   ErrorKind       `json:"failure_kind,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int64           `json:"version"`
}

func (s *SettlementRecord) SetVersion(v int64) { s.Version = v }

func (s *SettlementRecord) Terminal() bool {
	return s.State == SettlementConfirmed || s.State == SettlementFailed
}

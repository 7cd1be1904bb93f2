package models

// ErrorKind classifies why a task or settlement stopped making progress.
type ErrorKind string

const (
	ErrKindNotFound             ErrorKind = "NotFound"
	ErrKindConflict             ErrorKind = "Conflict"
	ErrKindInsufficientCapacity ErrorKind = "InsufficientCapacity"
	ErrKindSettlementTransient  ErrorKind = "SettlementTransient"
	ErrKindSettlementPermanent  ErrorKind = "SettlementPermanent"
	ErrKindRetryBudgetExhausted ErrorKind = "RetryBudgetExhausted"
	ErrKindSettlementInDoubt    ErrorKind = "SettlementInDoubt"
)

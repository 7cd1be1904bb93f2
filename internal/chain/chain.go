package chain

import (
	"context"
	"errors"
)

type Status string

const (
	StatusPending   Status = "Pending"
	StatusConfirmed Status = "Confirmed"
	StatusFailed    Status = "Failed"
)

var (
	ErrNetwork           = errors.New("chain: network error")
	ErrInsufficientFunds = errors.New("chain: insufficient funds")
	ErrInvalidAccount    = errors.New("chain: invalid account")
)

// Client submits value transfers and reports their confirmation status.
// Confirm returns StatusPending for a transaction the chain does not know yet.
type Client interface {
	SubmitTransfer(ctx context.Context, sender, receiver string, amount int64) (string, error)
	Confirm(ctx context.Context, txRef string) (Status, error)
}

// Transfer is a signed transfer whose reference is known before it is sent.
type Transfer interface {
	Ref() string
	Send(ctx context.Context) error
}

// Preparer is implemented by clients that can name a transfer before
// broadcasting it, so the reference can be recorded first.
type Preparer interface {
	PrepareTransfer(ctx context.Context, sender, receiver string, amount int64) (Transfer, error)
}

// IsPermanent reports whether retrying the transfer cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInvalidAccount)
}

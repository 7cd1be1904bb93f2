package chain

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/xerrors"
)

type simTx struct {
	sender   string
	receiver string
	amount   int64
	polls    int
	revert   bool
	status   Status
}

// Simulated is an in-memory chain. Transfers debit the sender on submit and
// credit the receiver once the transaction has been polled confirmAfter times.
type Simulated struct {
	mu           sync.Mutex
	balances     map[string]int64
	txs          map[string]*simTx
	confirmAfter int
	faucet       int64
	seq          int

	failSubmits  int
	failConfirms int
	revertNext   int
}

// NewSimulated creates a chain that confirms after confirmAfter polls.
// Unknown senders are credited faucet on first use when faucet > 0.
func NewSimulated(confirmAfter int, faucet int64) *Simulated {
	if confirmAfter < 1 {
		confirmAfter = 1
	}
	return &Simulated{
		balances:     make(map[string]int64),
		txs:          make(map[string]*simTx),
		confirmAfter: confirmAfter,
		faucet:       faucet,
	}
}

func (s *Simulated) Fund(account string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] += amount
}

func (s *Simulated) Balance(account string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account]
}

// FailSubmits makes the next n SubmitTransfer calls fail with ErrNetwork.
func (s *Simulated) FailSubmits(n int) {
	s.mu.Lock()
	s.failSubmits = n
	s.mu.Unlock()
}

// FailConfirms makes the next n Confirm calls fail with ErrNetwork.
func (s *Simulated) FailConfirms(n int) {
	s.mu.Lock()
	s.failConfirms = n
	s.mu.Unlock()
}

// RevertNext makes the next n submitted transfers end in StatusFailed.
func (s *Simulated) RevertNext(n int) {
	s.mu.Lock()
	s.revertNext = n
	s.mu.Unlock()
}

// Submitted returns how many transfers were accepted.
func (s *Simulated) Submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

func (s *Simulated) SubmitTransfer(ctx context.Context, sender, receiver string, amount int64) (string, error) {
	tr, err := s.PrepareTransfer(ctx, sender, receiver, amount)
	if err != nil {
		return "", err
	}
	if err := tr.Send(ctx); err != nil {
		return "", err
	}
	return tr.Ref(), nil
}

type simTransfer struct {
	sim *Simulated
	ref string
	tx  *simTx
}

func (t *simTransfer) Ref() string {
	return t.ref
}

// Send debits the sender and makes the transfer visible to Confirm. Sending
// the same transfer twice is a no-op.
func (t *simTransfer) Send(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := t.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, sent := s.txs[t.ref]; sent {
		return nil
	}
	if s.failSubmits > 0 {
		s.failSubmits--
		return xerrors.Errorf("simulated submit outage: %w", ErrNetwork)
	}
	sender := t.tx.sender
	if _, seen := s.balances[sender]; !seen && s.faucet > 0 {
		s.balances[sender] = s.faucet
	}
	if s.balances[sender] < t.tx.amount {
		return xerrors.Errorf("%s holds %d, needs %d: %w", sender, s.balances[sender], t.tx.amount, ErrInsufficientFunds)
	}

	s.balances[sender] -= t.tx.amount
	if s.revertNext > 0 {
		s.revertNext--
		t.tx.revert = true
	}
	s.txs[t.ref] = t.tx
	return nil
}

// PrepareTransfer validates the accounts and allocates a reference. Nothing
// moves until Send.
func (s *Simulated) PrepareTransfer(ctx context.Context, sender, receiver string, amount int64) (Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sender == "" || receiver == "" || sender == receiver {
		return nil, xerrors.Errorf("transfer %q -> %q: %w", sender, receiver, ErrInvalidAccount)
	}
	if amount < 0 {
		return nil, xerrors.Errorf("negative amount %d: %w", amount, ErrInvalidAccount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return &simTransfer{
		sim: s,
		ref: fmt.Sprintf("0xsim%012d", s.seq),
		tx:  &simTx{sender: sender, receiver: receiver, amount: amount, status: StatusPending},
	}, nil
}

func (s *Simulated) Confirm(ctx context.Context, txRef string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return StatusPending, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failConfirms > 0 {
		s.failConfirms--
		return StatusPending, xerrors.Errorf("simulated confirm outage: %w", ErrNetwork)
	}
	tx, ok := s.txs[txRef]
	if !ok {
		return StatusPending, nil
	}
	if tx.status != StatusPending {
		return tx.status, nil
	}
	tx.polls++
	if tx.polls < s.confirmAfter {
		return StatusPending, nil
	}
	if tx.revert {
		tx.status = StatusFailed
		s.balances[tx.sender] += tx.amount
	} else {
		tx.status = StatusConfirmed
		s.balances[tx.receiver] += tx.amount
	}
	return tx.status, nil
}

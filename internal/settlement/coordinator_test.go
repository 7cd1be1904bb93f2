package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lagrangedao/go-compute-market/internal/chain"
	"github.com/lagrangedao/go-compute-market/internal/eventbus"
	"github.com/lagrangedao/go-compute-market/internal/ledger"
	"github.com/lagrangedao/go-compute-market/internal/models"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestCoordinator(t *testing.T, sim *chain.Simulated, cfg Config) (*Coordinator, ledger.Ledger, *sleepRecorder, *eventbus.Bus) {
	t.Helper()
	l := ledger.NewMemoryLedger()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	rec := &sleepRecorder{}
	return NewCoordinator(l, sim, bus, nil, cfg, WithSleep(rec.sleep)), l, rec, bus
}

func request(id string, amount int64) Request {
	return Request{ReservationID: id, TaskID: "task-" + id, Sender: "alice", Receiver: "provider", Amount: amount}
}

func TestSubmitConfirms(t *testing.T) {
	sim := chain.NewSimulated(2, 0)
	sim.Fund("alice", 100)
	c, _, _, bus := newTestCoordinator(t, sim, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := bus.Subscribe(ctx, eventbus.ByType(models.EventSettlementSubmitted, models.EventSettlementConfirmed))

	rec, err := c.Submit(ctx, request("r1", 30))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.State != models.SettlementConfirmed || rec.ExternalTxRef == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Attempts != 1 || rec.Polls != 2 {
		t.Fatalf("expected 1 attempt and 2 polls, got %d/%d", rec.Attempts, rec.Polls)
	}
	if sim.Balance("provider") != 30 {
		t.Fatalf("provider not paid: %d", sim.Balance("provider"))
	}

	for _, want := range []models.EventType{models.EventSettlementSubmitted, models.EventSettlementConfirmed} {
		select {
		case ev := <-events:
			if ev.Type != want || ev.ReservationID != "r1" {
				t.Fatalf("unexpected event %+v, want %s", ev, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %s event", want)
		}
	}

	stored, found, err := c.Get(ctx, "r1")
	if err != nil || !found || stored.State != models.SettlementConfirmed {
		t.Fatalf("stored record: %+v found=%v err=%v", stored, found, err)
	}
}

func TestTransientSubmitErrorsRetryWithBackoff(t *testing.T) {
	sim := chain.NewSimulated(1, 0)
	sim.Fund("alice", 100)
	sim.FailSubmits(2)
	c, _, sleeps, _ := newTestCoordinator(t, sim, DefaultConfig())

	rec, err := c.Submit(context.Background(), request("r1", 10))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", rec.Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, time.Second}
	if len(sleeps.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, sleeps.delays)
	}
	for i := range want {
		if sleeps.delays[i] != want[i] {
			t.Fatalf("expected delays %v, got %v", want, sleeps.delays)
		}
	}
}

func TestSubmitBudgetExhausted(t *testing.T) {
	sim := chain.NewSimulated(1, 0)
	sim.Fund("alice", 100)
	sim.FailSubmits(100)
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	c, _, sleeps, _ := newTestCoordinator(t, sim, cfg)

	rec, err := c.Submit(context.Background(), request("r1", 10))
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("expected retry budget exhausted, got %v", err)
	}
	if rec.State != models.SettlementFailed || rec.Attempts != 3 || rec.FailureKind != models.ErrKindRetryBudgetExhausted {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(sleeps.delays) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %v", sleeps.delays)
	}
	if sim.Submitted() != 0 {
		t.Fatalf("no transfer should have been accepted")
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	sim := chain.NewSimulated(1, 0)
	sim.Fund("alice", 5)
	c, _, sleeps, _ := newTestCoordinator(t, sim, DefaultConfig())

	rec, err := c.Submit(context.Background(), request("r1", 10))
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
	if rec.Attempts != 1 || rec.FailureKind != models.ErrKindSettlementPermanent {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(sleeps.delays) != 0 {
		t.Fatalf("permanent errors must not back off, slept %v", sleeps.delays)
	}
}

func TestRevertedTransactionIsPermanent(t *testing.T) {
	sim := chain.NewSimulated(1, 0)
	sim.Fund("alice", 50)
	sim.RevertNext(1)
	c, _, _, _ := newTestCoordinator(t, sim, DefaultConfig())

	rec, err := c.Submit(context.Background(), request("r1", 10))
	if !errors.Is(err, ErrPermanent) || rec.State != models.SettlementFailed {
		t.Fatalf("expected reverted tx to fail permanently, got %+v %v", rec, err)
	}
}

func TestResumeNeverResubmits(t *testing.T) {
	ctx := context.Background()
	sim := chain.NewSimulated(3, 0)
	sim.Fund("alice", 100)
	c, l, _, _ := newTestCoordinator(t, sim, DefaultConfig())

	ref, err := sim.SubmitTransfer(ctx, "alice", "provider", 40)
	if err != nil {
		t.Fatalf("seed transfer: %v", err)
	}
	seed := &models.SettlementRecord{
		ReservationID: "r1", TaskID: "t1", Sender: "alice", Receiver: "provider", Amount: 40,
		ExternalTxRef: ref, Attempts: 1, State: models.SettlementPending,
	}
	if _, err := ledger.Save(ctx, l, ledger.KindSettlement, "r1", 0, seed); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	rec, err := c.Submit(ctx, request("r1", 40))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.State != models.SettlementConfirmed || rec.ExternalTxRef != ref {
		t.Fatalf("unexpected record %+v", rec)
	}
	if sim.Submitted() != 1 || sim.Balance("alice") != 60 {
		t.Fatalf("transfer was resubmitted: submitted=%d balance=%d", sim.Submitted(), sim.Balance("alice"))
	}
}

func TestTerminalRecordIsReturnedAsIs(t *testing.T) {
	ctx := context.Background()
	sim := chain.NewSimulated(1, 0)
	sim.Fund("alice", 100)
	c, _, _, _ := newTestCoordinator(t, sim, DefaultConfig())

	first, err := c.Submit(ctx, request("r1", 10))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := c.Submit(ctx, request("r1", 10))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Version != first.Version || sim.Submitted() != 1 {
		t.Fatalf("terminal record was modified: %+v vs %+v", first, second)
	}
}

func TestConfirmBackoffIsCapped(t *testing.T) {
	sim := chain.NewSimulated(8, 0)
	sim.Fund("alice", 100)
	c, _, sleeps, _ := newTestCoordinator(t, sim, DefaultConfig())

	if _, err := c.Submit(context.Background(), request("r1", 10)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	if len(sleeps.delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), sleeps.delays)
	}
	for i, w := range want {
		if sleeps.delays[i] != w*time.Second {
			t.Fatalf("delay %d = %v, want %v", i, sleeps.delays[i], w*time.Second)
		}
	}
}

func TestPollBudgetExhausted(t *testing.T) {
	sim := chain.NewSimulated(100, 0)
	sim.Fund("alice", 100)
	cfg := DefaultConfig()
	cfg.MaxPolls = 4
	c, _, _, _ := newTestCoordinator(t, sim, cfg)

	rec, err := c.Submit(context.Background(), request("r1", 10))
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("expected retry budget exhausted, got %v", err)
	}
	if rec.Polls != 4 || rec.ExternalTxRef == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestCancelledPollLeavesRecordResumable(t *testing.T) {
	sim := chain.NewSimulated(100, 0)
	sim.Fund("alice", 100)
	l := ledger.NewMemoryLedger()
	ctx, cancel := context.WithCancel(context.Background())
	polls := 0
	c := NewCoordinator(l, sim, nil, nil, DefaultConfig(), WithSleep(func(ctx context.Context, d time.Duration) error {
		polls++
		if polls == 3 {
			cancel()
		}
		return ctx.Err()
	}))

	_, err := c.Submit(ctx, request("r1", 10))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	rec, found, err := c.Get(context.Background(), "r1")
	if err != nil || !found {
		t.Fatalf("load record: found=%v err=%v", found, err)
	}
	if rec.State != models.SettlementPending || rec.ExternalTxRef == "" {
		t.Fatalf("record should stay pending with tx ref: %+v", rec)
	}
}

// acceptThenCancel is a chain client that only learns the reference on
// submit and cancels the caller's context right after the chain accepted
// the transfer, as a shutdown racing the submit would.
type acceptThenCancel struct {
	sim    *chain.Simulated
	cancel context.CancelFunc
}

func (a *acceptThenCancel) SubmitTransfer(ctx context.Context, sender, receiver string, amount int64) (string, error) {
	ref, err := a.sim.SubmitTransfer(ctx, sender, receiver, amount)
	a.cancel()
	return ref, err
}

func (a *acceptThenCancel) Confirm(ctx context.Context, txRef string) (chain.Status, error) {
	return a.sim.Confirm(ctx, txRef)
}

func TestShutdownAfterAcceptedTransferKeepsReference(t *testing.T) {
	sim := chain.NewSimulated(1, 0)
	sim.Fund("alice", 100)
	l := ledger.NewMemoryLedger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cl := &acceptThenCancel{sim: sim, cancel: cancel}
	c := NewCoordinator(l, cl, nil, nil, DefaultConfig(), WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))

	if _, err := c.Submit(ctx, request("r1", 40)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	stored, found, err := c.Get(context.Background(), "r1")
	if err != nil || !found {
		t.Fatalf("load record: found=%v err=%v", found, err)
	}
	if stored.ExternalTxRef == "" || stored.State != models.SettlementPending || stored.Sending {
		t.Fatalf("accepted transfer was not recorded: %+v", stored)
	}

	rec, err := c.Submit(context.Background(), request("r1", 40))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.State != models.SettlementConfirmed || rec.ExternalTxRef != stored.ExternalTxRef {
		t.Fatalf("unexpected record %+v", rec)
	}
	if sim.Submitted() != 1 || sim.Balance("alice") != 60 || sim.Balance("provider") != 40 {
		t.Fatalf("transfer sent %d times, alice=%d provider=%d", sim.Submitted(), sim.Balance("alice"), sim.Balance("provider"))
	}
}

func seedSending(t *testing.T, l ledger.Ledger, preparedRef string, updated time.Time) {
	t.Helper()
	seed := &models.SettlementRecord{
		ReservationID: "r1", TaskID: "task-r1", Sender: "alice", Receiver: "provider", Amount: 40,
		PreparedTxRef: preparedRef, Sending: true, Attempts: 1, State: models.SettlementNotStarted,
		CreatedAt: updated, UpdatedAt: updated,
	}
	if _, err := ledger.Save(context.Background(), l, ledger.KindSettlement, "r1", 0, seed); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestInterruptedSendIsPolledNotResent(t *testing.T) {
	ctx := context.Background()
	sim := chain.NewSimulated(1, 0)
	sim.Fund("alice", 100)
	c, l, _, _ := newTestCoordinator(t, sim, DefaultConfig())

	tr, err := sim.PrepareTransfer(ctx, "alice", "provider", 40)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := tr.Send(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}
	seedSending(t, l, tr.Ref(), time.Now().Add(-time.Hour))

	rec, err := c.Submit(ctx, request("r1", 40))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.State != models.SettlementConfirmed || rec.ExternalTxRef != tr.Ref() || rec.Sending {
		t.Fatalf("unexpected record %+v", rec)
	}
	if sim.Submitted() != 1 || sim.Balance("alice") != 60 {
		t.Fatalf("transfer was resent: submitted=%d balance=%d", sim.Submitted(), sim.Balance("alice"))
	}
}

func TestRecentSendBelongsToItsSender(t *testing.T) {
	sim := chain.NewSimulated(1, 0)
	sim.Fund("alice", 100)
	c, l, _, _ := newTestCoordinator(t, sim, DefaultConfig())
	seedSending(t, l, "0xsim-elsewhere", time.Now())

	_, err := c.Submit(context.Background(), request("r1", 40))
	if !errors.Is(err, ErrSendInProgress) {
		t.Fatalf("expected send in progress, got %v", err)
	}
	if sim.Submitted() != 0 {
		t.Fatalf("no transfer expected, got %d", sim.Submitted())
	}
}

func TestUnknownSendOutcomeFailsWithoutResending(t *testing.T) {
	sim := chain.NewSimulated(1, 0)
	sim.Fund("alice", 100)
	c, l, _, _ := newTestCoordinator(t, sim, DefaultConfig())
	seedSending(t, l, "", time.Now().Add(-time.Hour))

	rec, err := c.Submit(context.Background(), request("r1", 40))
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
	if rec.State != models.SettlementFailed || rec.FailureKind != models.ErrKindSettlementInDoubt || rec.Sending {
		t.Fatalf("unexpected record %+v", rec)
	}
	if sim.Submitted() != 0 || sim.Balance("alice") != 100 {
		t.Fatalf("transfer was resent: submitted=%d balance=%d", sim.Submitted(), sim.Balance("alice"))
	}
}

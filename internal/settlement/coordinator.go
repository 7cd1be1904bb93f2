package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/filswan/go-mcs-sdk/mcs/api/common/logs"
	"github.com/lagrangedao/go-compute-market/internal/chain"
	"github.com/lagrangedao/go-compute-market/internal/eventbus"
	"github.com/lagrangedao/go-compute-market/internal/ledger"
	"github.com/lagrangedao/go-compute-market/internal/metrics"
	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/lagrangedao/go-compute-market/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/xerrors"
	"k8s.io/apimachinery/pkg/util/wait"
)

var (
	ErrPermanent            = errors.New("settlement: permanent failure")
	ErrRetryBudgetExhausted = errors.New("settlement: retry budget exhausted")
	ErrSendInProgress       = errors.New("settlement: transfer is being sent elsewhere")
)

type Config struct {
	MaxAttempts int
	MaxPolls    int
	Backoff     wait.Backoff
	// SendTimeout is how long a transfer marked as sending belongs to its
	// sender before another coordinator treats its outcome as unknown.
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		MaxPolls:    20,
		Backoff:     NewBackoff(time.Second, 2, 30*time.Second),
		SendTimeout: 2 * time.Minute,
	}
}

// NewBackoff returns an exponential schedule that grows by factor from base
// and stays at limit once reached.
func NewBackoff(base time.Duration, factor float64, limit time.Duration) wait.Backoff {
	return wait.Backoff{
		Duration: base,
		Factor:   factor,
		Cap:      limit,
		Steps:    1 << 30,
	}
}

type Request struct {
	ReservationID string
	TaskID        string
	Sender        string
	Receiver      string
	Amount        int64
}

type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Coordinator drives one payment per reservation to a terminal state.
//
// The external transaction reference is persisted before any confirmation
// poll, and a record carrying a reference is never submitted again, so a
// restarted coordinator resumes polling instead of paying twice.
type Coordinator struct {
	ledger  ledger.Ledger
	chain   chain.Client
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	cfg     Config
	sleep   SleepFunc
	now     func() time.Time
}

type Option func(*Coordinator)

func WithSleep(fn SleepFunc) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(l ledger.Ledger, cl chain.Client, bus *eventbus.Bus, m *metrics.Metrics, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = def.MaxPolls
	}
	if cfg.Backoff.Duration <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	c := &Coordinator{
		ledger:  l,
		chain:   cl,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		sleep:   sleepCtx,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the settlement record for a reservation.
func (c *Coordinator) Get(ctx context.Context, reservationID string) (*models.SettlementRecord, bool, error) {
	return ledger.Load[models.SettlementRecord](ctx, c.ledger, ledger.KindSettlement, reservationID)
}

// Submit pays for req.ReservationID and waits for the outcome.
//
// A Confirmed record is returned with a nil error. A Failed record is
// returned with an error wrapping ErrPermanent or ErrRetryBudgetExhausted.
// Context cancellation and ledger conflicts leave the record as it is so a
// later call can resume it.
func (c *Coordinator) Submit(ctx context.Context, req Request) (*models.SettlementRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "settlement.submit",
		attribute.String("reservation_id", req.ReservationID),
		attribute.String("task_id", req.TaskID))
	defer span.End()
	started := c.now()

	rec, err := c.loadOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	if rec.Terminal() {
		return rec, terminalErr(rec)
	}

	if rec.Sending && rec.ExternalTxRef == "" {
		if c.now().Sub(rec.UpdatedAt) < c.cfg.SendTimeout {
			return rec, fmt.Errorf("settlement %s: %w", rec.ReservationID, ErrSendInProgress)
		}
		if rec, err = c.resolveInDoubt(ctx, rec); err != nil {
			c.observe(rec, started)
			return rec, err
		}
	}

	if rec.ExternalTxRef == "" {
		if rec, err = c.submitTransfer(ctx, rec); err != nil {
			c.observe(rec, started)
			return rec, err
		}
	} else {
		logs.GetLogger().Infof("resuming settlement %s, tx: %s", rec.ReservationID, rec.ExternalTxRef)
	}

	rec, err = c.awaitConfirmation(ctx, rec)
	c.observe(rec, started)
	return rec, err
}

func (c *Coordinator) observe(rec *models.SettlementRecord, started time.Time) {
	if rec != nil && rec.Terminal() {
		c.metrics.Settlement(rec.State, started)
	}
}

func (c *Coordinator) loadOrCreate(ctx context.Context, req Request) (*models.SettlementRecord, error) {
	rec, found, err := c.Get(ctx, req.ReservationID)
	if err != nil {
		return nil, err
	}
	if found {
		return rec, nil
	}
	now := c.now()
	rec = &models.SettlementRecord{
		ReservationID: req.ReservationID,
		TaskID:        req.TaskID,
		Sender:        req.Sender,
		Receiver:      req.Receiver,
		Amount:        req.Amount,
		State:         models.SettlementNotStarted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := ledger.Save(ctx, c.ledger, ledger.KindSettlement, rec.ReservationID, 0, rec); err != nil {
		if ledger.IsConflict(err) {
			existing, found, err := c.Get(ctx, req.ReservationID)
			if err == nil && !found {
				err = fmt.Errorf("settlement %s vanished after create conflict", req.ReservationID)
			}
			return existing, err
		}
		return nil, err
	}
	return rec, nil
}

func (c *Coordinator) save(ctx context.Context, rec *models.SettlementRecord) error {
	rec.UpdatedAt = c.now()
	if _, err := ledger.Save(ctx, c.ledger, ledger.KindSettlement, rec.ReservationID, rec.Version, rec); err != nil {
		if ledger.IsConflict(err) {
			c.metrics.Conflict("settlement")
		}
		return fmt.Errorf("persist settlement %s: %w", rec.ReservationID, err)
	}
	return nil
}

func (c *Coordinator) prepare(ctx context.Context, rec *models.SettlementRecord) (chain.Transfer, error) {
	if p, ok := c.chain.(chain.Preparer); ok {
		return p.PrepareTransfer(ctx, rec.Sender, rec.Receiver, rec.Amount)
	}
	return &unnamedTransfer{client: c.chain, rec: rec}, nil
}

// unnamedTransfer adapts a client that only learns the reference on submit.
type unnamedTransfer struct {
	client chain.Client
	rec    *models.SettlementRecord
	ref    string
}

func (t *unnamedTransfer) Ref() string { return t.ref }

func (t *unnamedTransfer) Send(ctx context.Context) error {
	ref, err := t.client.SubmitTransfer(ctx, t.rec.Sender, t.rec.Receiver, t.rec.Amount)
	t.ref = ref
	return err
}

func (c *Coordinator) submitTransfer(ctx context.Context, rec *models.SettlementRecord) (*models.SettlementRecord, error) {
	backoff := c.cfg.Backoff
	for rec.Attempts < c.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return rec, err
		}
		rec.Attempts++
		transfer, err := c.prepare(ctx, rec)
		if err == nil {
			// the attempt, and the reference when known, is recorded before the
			// transfer goes out; two concurrent submitters for one reservation
			// cannot both send
			rec.Sending = true
			rec.PreparedTxRef = transfer.Ref()
			if err := c.save(ctx, rec); err != nil {
				return rec, err
			}
			err = transfer.Send(ctx)
			c.metrics.ChainCall("submit", err)
			if err == nil {
				return c.recordSubmitted(ctx, rec, transfer.Ref())
			}
			if ctx.Err() != nil {
				// whether it went out is unknown; the record stays marked as sending
				return rec, ctx.Err()
			}
			rec.Sending = false
			rec.PreparedTxRef = ""
		} else if ctx.Err() != nil {
			return rec, ctx.Err()
		}

		if chain.IsPermanent(err) {
			return c.fail(ctx, rec, models.ErrKindSettlementPermanent, err)
		}
		logs.GetLogger().Warnf("settlement %s submit attempt %d/%d failed: %v", rec.ReservationID, rec.Attempts, c.cfg.MaxAttempts, err)
		rec.LastError = err.Error()
		if err := c.save(ctx, rec); err != nil {
			return rec, err
		}
		if rec.Attempts >= c.cfg.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, backoff.Step()); err != nil {
			return rec, err
		}
	}
	return c.fail(ctx, rec, models.ErrKindRetryBudgetExhausted,
		xerrors.Errorf("no transfer accepted after %d attempts: %s", rec.Attempts, rec.LastError))
}

// recordSubmitted stores the reference of a transfer the chain accepted. The
// write does not follow ctx cancellation: the transfer is already out.
func (c *Coordinator) recordSubmitted(ctx context.Context, rec *models.SettlementRecord, ref string) (*models.SettlementRecord, error) {
	rec.ExternalTxRef = ref
	rec.PreparedTxRef = ""
	rec.Sending = false
	rec.State = models.SettlementPending
	rec.LastError = ""
	if err := c.save(context.WithoutCancel(ctx), rec); err != nil {
		logs.GetLogger().Errorf("settlement %s submitted tx %s but could not record it: %v", rec.ReservationID, ref, err)
		return rec, err
	}
	c.publish(models.EventSettlementSubmitted, rec, "tx "+ref)
	return rec, nil
}

// resolveInDoubt handles a record whose last transfer may have been sent
// without its outcome being stored. A transfer named in advance is adopted
// and polled. Without a reference the outcome cannot be checked, and the
// record fails rather than risk a second payment.
func (c *Coordinator) resolveInDoubt(ctx context.Context, rec *models.SettlementRecord) (*models.SettlementRecord, error) {
	if rec.PreparedTxRef == "" {
		return c.fail(ctx, rec, models.ErrKindSettlementInDoubt,
			xerrors.Errorf("attempt %d may have been sent, outcome unknown", rec.Attempts))
	}
	logs.GetLogger().Warnf("settlement %s was interrupted while sending, polling tx %s", rec.ReservationID, rec.PreparedTxRef)
	return c.recordSubmitted(ctx, rec, rec.PreparedTxRef)
}

func (c *Coordinator) awaitConfirmation(ctx context.Context, rec *models.SettlementRecord) (*models.SettlementRecord, error) {
	backoff := c.cfg.Backoff
	for rec.Polls < c.cfg.MaxPolls {
		if err := c.sleep(ctx, backoff.Step()); err != nil {
			return rec, err
		}
		status, err := c.chain.Confirm(ctx, rec.ExternalTxRef)
		c.metrics.ChainCall("confirm", err)
		rec.Polls++

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return rec, ctx.Err()
			}
			logs.GetLogger().Warnf("settlement %s confirm poll %d failed: %v", rec.ReservationID, rec.Polls, err)
			rec.LastError = err.Error()
		case status == chain.StatusConfirmed:
			rec.State = models.SettlementConfirmed
			rec.LastError = ""
			if err := c.save(context.WithoutCancel(ctx), rec); err != nil {
				return rec, err
			}
			c.publish(models.EventSettlementConfirmed, rec, "tx "+rec.ExternalTxRef)
			return rec, nil
		case status == chain.StatusFailed:
			return c.fail(ctx, rec, models.ErrKindSettlementPermanent,
				xerrors.Errorf("transaction %s reverted", rec.ExternalTxRef))
		}

		if err := c.save(ctx, rec); err != nil {
			return rec, err
		}
	}
	return c.fail(ctx, rec, models.ErrKindRetryBudgetExhausted,
		xerrors.Errorf("transaction %s unconfirmed after %d polls", rec.ExternalTxRef, rec.Polls))
}

func (c *Coordinator) fail(ctx context.Context, rec *models.SettlementRecord, kind models.ErrorKind, cause error) (*models.SettlementRecord, error) {
	rec.State = models.SettlementFailed
	rec.FailureKind = kind
	rec.LastError = cause.Error()
	rec.Sending = false
	if err := c.save(context.WithoutCancel(ctx), rec); err != nil {
		return rec, err
	}
	logs.GetLogger().Errorf("settlement %s failed (%s): %v", rec.ReservationID, kind, cause)
	c.publish(models.EventSettlementFailed, rec, rec.LastError)
	return rec, terminalErr(rec)
}

func terminalErr(rec *models.SettlementRecord) error {
	if rec.State != models.SettlementFailed {
		return nil
	}
	switch rec.FailureKind {
	case models.ErrKindSettlementPermanent, models.ErrKindSettlementInDoubt:
		return fmt.Errorf("%w: %s", ErrPermanent, rec.LastError)
	}
	return fmt.Errorf("%w: %s", ErrRetryBudgetExhausted, rec.LastError)
}

func (c *Coordinator) publish(t models.EventType, rec *models.SettlementRecord, msg string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(models.Event{
		Type:          t,
		TaskID:        rec.TaskID,
		ReservationID: rec.ReservationID,
		ErrorKind:     rec.FailureKind,
		Message:       msg,
	})
}

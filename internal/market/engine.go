package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/filswan/go-mcs-sdk/mcs/api/common/logs"
	"github.com/lagrangedao/go-compute-market/internal/eventbus"
	"github.com/lagrangedao/go-compute-market/internal/ledger"
	"github.com/lagrangedao/go-compute-market/internal/metrics"
	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/lagrangedao/go-compute-market/internal/scheduler"
)

var ErrNotFound = scheduler.ErrNotFound

type Config struct {
	SweepInterval time.Duration
	Node          models.NodeInfo
}

// Engine is the market's public API. It owns the background loop that
// expires, resumes, matches and dispatches reservations.
type Engine struct {
	ledger     ledger.Ledger
	scheduler  *scheduler.Scheduler
	settler    scheduler.Settler
	bus        *eventbus.Bus
	metrics    *metrics.Metrics
	dispatcher Dispatcher
	cfg        Config

	kick chan struct{}
	now  func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDispatcher replaces the in-process dispatcher. The factory receives the
// engine's settle function.
func WithDispatcher(factory func(SettleFunc) (Dispatcher, error)) Option {
	return func(e *Engine) {
		d, err := factory(e.settle)
		if err != nil {
			logs.GetLogger().Errorf("Failed init dispatcher, falling back to local: %v", err)
			return
		}
		e.dispatcher = d
	}
}

func NewEngine(l ledger.Ledger, s *scheduler.Scheduler, settler scheduler.Settler, bus *eventbus.Bus, m *metrics.Metrics, cfg Config, opts ...Option) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	e := &Engine{
		ledger:    l,
		scheduler: s,
		settler:   settler,
		bus:       bus,
		metrics:   m,
		cfg:       cfg,
		kick:      make(chan struct{}, 1),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dispatcher == nil {
		e.dispatcher = NewLocalDispatcher(e.settle)
	}
	return e
}

func (e *Engine) SubmitTask(ctx context.Context, description string, requiredGpu int, owner string, durationHours int) (string, error) {
	task, err := e.scheduler.CreateTask(ctx, description, requiredGpu, owner, durationHours)
	if err != nil {
		return "", err
	}
	e.Kick()
	return task.ID, nil
}

func (e *Engine) RegisterResource(ctx context.Context, totalGpu int, provider string, pricePerGpuHour int64) (string, error) {
	res, err := e.scheduler.AddResource(ctx, provider, totalGpu, pricePerGpuHour)
	if err != nil {
		return "", err
	}
	e.Kick()
	return res.ID, nil
}

func (e *Engine) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return e.scheduler.Task(ctx, id)
}

func (e *Engine) GetResource(ctx context.Context, id string) (*models.GPUResource, error) {
	return e.scheduler.Resource(ctx, id)
}

func (e *Engine) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return e.scheduler.Reservation(ctx, id)
}

func (e *Engine) GetSettlement(ctx context.Context, reservationID string) (*models.SettlementRecord, error) {
	rec, found, err := e.settler.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("settlement %s: %w", reservationID, ErrNotFound)
	}
	return rec, nil
}

// ListTasks returns tasks oldest first. An empty status lists every task.
func (e *Engine) ListTasks(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	tasks, err := ledger.LoadAll[models.Task](ctx, e.ledger, ledger.KindTask, func(t *models.Task) bool {
		return status == "" || t.Status == status
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (e *Engine) ListResources(ctx context.Context) ([]*models.GPUResource, error) {
	resources, err := ledger.LoadAll[models.GPUResource](ctx, e.ledger, ledger.KindResource, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(resources, func(i, j int) bool { return resources[i].CreatedAt.Before(resources[j].CreatedAt) })
	return resources, nil
}

// CancelTask cancels on behalf of owner. An empty owner is an operator cancel,
// which the HTTP API never issues.
func (e *Engine) CancelTask(ctx context.Context, id, owner string) error {
	if err := e.scheduler.Cancel(ctx, id, owner); err != nil {
		return err
	}
	e.Kick()
	return nil
}

func (e *Engine) SubscribeEvents(ctx context.Context, pred eventbus.Predicate) <-chan models.Event {
	return e.bus.Subscribe(ctx, pred)
}

func (e *Engine) NodeInfo() models.NodeInfo {
	return e.cfg.Node
}

// Kick wakes the loop without waiting for the next tick.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Close stops dispatching. Settlements still running are interrupted and
// resumed on the next start.
func (e *Engine) Close() {
	e.dispatcher.Close()
}

func (e *Engine) settle(ctx context.Context, reservationID string) error {
	err := e.scheduler.Settle(ctx, reservationID)
	if errors.Is(err, scheduler.ErrSettlementInFlight) {
		return nil
	}
	// finished settlements free or requeue work
	e.Kick()
	return err
}

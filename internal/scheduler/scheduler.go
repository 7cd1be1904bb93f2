package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	gmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/google/uuid"
	"github.com/lagrangedao/go-compute-market/internal/eventbus"
	"github.com/lagrangedao/go-compute-market/internal/ledger"
	"github.com/lagrangedao/go-compute-market/internal/matcher"
	"github.com/lagrangedao/go-compute-market/internal/metrics"
	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/lagrangedao/go-compute-market/internal/settlement"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNoCapacity         = errors.New("no resource has enough available gpu")
	ErrTaskNotPending     = errors.New("task is not pending")
	ErrCancelRejected     = errors.New("task can no longer be cancelled")
	ErrNotOwner           = errors.New("task belongs to another owner")
	ErrReservationClosed  = errors.New("reservation is no longer held")
	ErrSettlementInFlight = errors.New("settlement already running for reservation")
)

// Settler pays for a reservation. It is satisfied by *settlement.Coordinator.
type Settler interface {
	Submit(ctx context.Context, req settlement.Request) (*models.SettlementRecord, error)
	Get(ctx context.Context, reservationID string) (*models.SettlementRecord, bool, error)
}

type Config struct {
	ReservationTTL  time.Duration
	MaxRequeues     int
	ConflictRetries int
	MinPayment      int64

	// ResumeAfter is how long a settlement must go without an update before
	// the sweep resumes it; a fresher one is being driven by some worker.
	ResumeAfter time.Duration
}

// Scheduler is the only writer of Task.Status and Reservation.State.
// Every mutation is a version-checked ledger write; there is no global lock.
type Scheduler struct {
	ledger  ledger.Ledger
	matcher *matcher.Matcher
	settler Settler
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	// reservation ids whose settlement is running in this process
	inFlight sync.Map
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(l ledger.Ledger, m *matcher.Matcher, settler Settler, bus *eventbus.Bus, mt *metrics.Metrics, cfg Config, opts ...Option) *Scheduler {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 10 * time.Minute
	}
	if cfg.MaxRequeues <= 0 {
		cfg.MaxRequeues = 3
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 8
	}
	if cfg.ResumeAfter <= 0 {
		cfg.ResumeAfter = 2 * time.Minute
	}
	if m == nil {
		m = matcher.New(nil)
	}
	s := &Scheduler{
		ledger:  l,
		matcher: m,
		settler: settler,
		bus:     bus,
		metrics: mt,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) conflictBackoff() wait.Backoff {
	return wait.Backoff{
		Steps:    s.cfg.ConflictRetries,
		Duration: 2 * time.Millisecond,
		Factor:   2,
		Jitter:   0.2,
	}
}

func (s *Scheduler) CreateTask(ctx context.Context, description string, requiredGpu int, owner string, durationHours int) (*models.Task, error) {
	if requiredGpu <= 0 {
		return nil, fmt.Errorf("%w: required_gpu must be positive", ErrInvalidArgument)
	}
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	if durationHours < 0 {
		return nil, fmt.Errorf("%w: duration_hours must not be negative", ErrInvalidArgument)
	}
	if durationHours == 0 {
		durationHours = 1
	}
	if _, overflow := gmath.SafeMul(uint64(requiredGpu), uint64(durationHours)); overflow {
		return nil, fmt.Errorf("%w: %d gpu for %d hours is out of range", ErrInvalidArgument, requiredGpu, durationHours)
	}
	now := s.now()
	task := &models.Task{
		ID:            uuid.NewString(),
		Description:   description,
		RequiredGpu:   requiredGpu,
		Owner:         owner,
		DurationHours: durationHours,
		Status:        models.TaskPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := ledger.Save(ctx, s.ledger, ledger.KindTask, task.ID, 0, task); err != nil {
		return nil, err
	}
	s.publish(models.Event{Type: models.EventTaskSubmitted, TaskID: task.ID, Status: task.Status})
	return task, nil
}

func (s *Scheduler) AddResource(ctx context.Context, provider string, totalGpu int, pricePerGpuHour int64) (*models.GPUResource, error) {
	if provider == "" {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidArgument)
	}
	if totalGpu <= 0 {
		return nil, fmt.Errorf("%w: total_gpu must be positive", ErrInvalidArgument)
	}
	if pricePerGpuHour < 0 {
		return nil, fmt.Errorf("%w: price must not be negative", ErrInvalidArgument)
	}
	now := s.now()
	res := &models.GPUResource{
		ID:              uuid.NewString(),
		Provider:        provider,
		TotalGpu:        totalGpu,
		AvailableGpu:    totalGpu,
		PricePerGpuHour: pricePerGpuHour,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := ledger.Save(ctx, s.ledger, ledger.KindResource, res.ID, 0, res); err != nil {
		return nil, err
	}
	s.publish(models.Event{Type: models.EventResourceRegistered, ResourceID: res.ID})
	return res, nil
}

func (s *Scheduler) Task(ctx context.Context, id string) (*models.Task, error) {
	t, found, err := ledger.Load[models.Task](ctx, s.ledger, ledger.KindTask, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *Scheduler) Resource(ctx context.Context, id string) (*models.GPUResource, error) {
	r, found, err := ledger.Load[models.GPUResource](ctx, s.ledger, ledger.KindResource, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (s *Scheduler) Reservation(ctx context.Context, id string) (*models.Reservation, error) {
	r, found, err := ledger.Load[models.Reservation](ctx, s.ledger, ledger.KindReservation, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	return r, nil
}

// Payment is price_per_gpu_hour * required_gpu * duration_hours, floored at
// MinPayment. A product that does not fit in int64 is ErrInvalidArgument.
func (s *Scheduler) Payment(task *models.Task, res *models.GPUResource) (int64, error) {
	hours := int64(task.DurationHours)
	if hours <= 0 {
		hours = 1
	}
	if task.RequiredGpu < 0 || res.PricePerGpuHour < 0 {
		return 0, fmt.Errorf("%w: negative gpu count or price", ErrInvalidArgument)
	}
	units, overflow := gmath.SafeMul(uint64(task.RequiredGpu), uint64(hours))
	var total uint64
	if !overflow {
		total, overflow = gmath.SafeMul(units, uint64(res.PricePerGpuHour))
	}
	if overflow || total > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d gpu for %d hours at %d per gpu-hour overflows", ErrInvalidArgument,
			task.RequiredGpu, hours, res.PricePerGpuHour)
	}
	amount := int64(total)
	if amount < s.cfg.MinPayment {
		amount = s.cfg.MinPayment
	}
	return amount, nil
}

func (s *Scheduler) publish(ev models.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// updateTask re-reads the task and applies mutate until the write lands.
// mutate may return an error to abandon the update.
func (s *Scheduler) updateTask(ctx context.Context, id string, mutate func(*models.Task) error) (*models.Task, error) {
	var out *models.Task
	err := retry.OnError(s.conflictBackoff(), ledger.IsConflict, func() error {
		t, err := s.Task(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(t); err != nil {
			return err
		}
		t.UpdatedAt = s.now()
		if _, err := ledger.Save(ctx, s.ledger, ledger.KindTask, id, t.Version, t); err != nil {
			s.metrics.Conflict("task")
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Scheduler) updateReservation(ctx context.Context, id string, mutate func(*models.Reservation) error) (*models.Reservation, error) {
	var out *models.Reservation
	err := retry.OnError(s.conflictBackoff(), ledger.IsConflict, func() error {
		r, err := s.Reservation(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(r); err != nil {
			return err
		}
		if _, err := ledger.Save(ctx, s.ledger, ledger.KindReservation, id, r.Version, r); err != nil {
			s.metrics.Conflict("reservation")
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Scheduler) updateResource(ctx context.Context, id string, mutate func(*models.GPUResource) error) (*models.GPUResource, error) {
	var out *models.GPUResource
	err := retry.OnError(s.conflictBackoff(), ledger.IsConflict, func() error {
		r, err := s.Resource(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(r); err != nil {
			return err
		}
		r.UpdatedAt = s.now()
		if _, err := ledger.Save(ctx, s.ledger, ledger.KindResource, id, r.Version, r); err != nil {
			s.metrics.Conflict("resource")
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// restoreCapacity returns amount GPUs to the resource, never exceeding its total.
func (s *Scheduler) restoreCapacity(ctx context.Context, resourceID string, amount int) error {
	_, err := s.updateResource(ctx, resourceID, func(r *models.GPUResource) error {
		r.AvailableGpu += amount
		if r.AvailableGpu > r.TotalGpu {
			r.AvailableGpu = r.TotalGpu
		}
		return nil
	})
	return err
}

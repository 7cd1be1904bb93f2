package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/filswan/go-mcs-sdk/mcs/api/common/logs"
	"github.com/google/uuid"
	"github.com/lagrangedao/go-compute-market/internal/ledger"
	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/lagrangedao/go-compute-market/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/client-go/util/retry"
)

// TryReserve matches a pending task to a resource and holds the capacity.
//
// The task is claimed (Pending -> Matched), an intent reservation is written,
// the resource is decremented and finally the task moves to Reserved. Each
// step is a version-checked write; on a conflict everything already written
// is undone and the whole operation is retried from fresh reads, a bounded
// number of times. ErrNoCapacity leaves the task Pending.
func (s *Scheduler) TryReserve(ctx context.Context, taskID string) (*models.Reservation, error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.try_reserve", attribute.String("task_id", taskID))
	defer span.End()

	var res *models.Reservation
	err := retry.OnError(s.conflictBackoff(), ledger.IsConflict, func() error {
		r, err := s.reserveOnce(ctx, taskID)
		if err != nil {
			if ledger.IsConflict(err) {
				s.metrics.Conflict("reserve")
			}
			return err
		}
		res = r
		return nil
	})
	switch {
	case err == nil:
		s.metrics.Reservation("held")
	case errors.Is(err, ErrNoCapacity):
		s.metrics.Reservation("no_capacity")
	case ledger.IsConflict(err):
		s.metrics.Reservation("conflict")
	default:
		s.metrics.Reservation("error")
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return res, nil
}

func (s *Scheduler) reserveOnce(ctx context.Context, taskID string) (*models.Reservation, error) {
	task, err := s.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskPending {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrTaskNotPending)
	}

	candidates, err := ledger.LoadAll[models.GPUResource](ctx, s.ledger, ledger.KindResource, nil)
	if err != nil {
		return nil, err
	}
	resourceID, ok := s.matcher.Propose(task, candidates)
	if !ok {
		return nil, fmt.Errorf("task %s needs %d gpu: %w", taskID, task.RequiredGpu, ErrNoCapacity)
	}
	var resource *models.GPUResource
	for _, c := range candidates {
		if c.ID == resourceID {
			resource = c
			break
		}
	}

	// claim the task
	now := s.now()
	res := &models.Reservation{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		ResourceID: resource.ID,
		Amount:     task.RequiredGpu,
		State:      models.ReservationHeld,
		ExpiresAt:  now.Add(s.cfg.ReservationTTL),
		CreatedAt:  now,
	}
	task.Status = models.TaskMatched
	task.ReservationID = res.ID
	task.UpdatedAt = now
	if _, err := ledger.Save(ctx, s.ledger, ledger.KindTask, task.ID, task.Version, task); err != nil {
		return nil, err
	}

	// intent record
	if _, err := ledger.Save(ctx, s.ledger, ledger.KindReservation, res.ID, 0, res); err != nil {
		s.unclaim(ctx, task.ID, res.ID)
		return nil, err
	}

	// take capacity
	resource.AvailableGpu -= task.RequiredGpu
	resource.UpdatedAt = now
	if _, err := ledger.Save(ctx, s.ledger, ledger.KindResource, resource.ID, resource.Version, resource); err != nil {
		s.abandon(ctx, res.ID, "resource changed during reservation")
		s.unclaim(ctx, task.ID, res.ID)
		return nil, err
	}
	applied, err := s.updateReservation(ctx, res.ID, func(r *models.Reservation) error {
		if r.State != models.ReservationHeld {
			return ErrReservationClosed
		}
		r.CapacityApplied = true
		return nil
	})
	if err != nil {
		// someone closed the reservation before the capacity was marked; give it back here
		if rerr := s.restoreCapacity(ctx, resource.ID, task.RequiredGpu); rerr != nil {
			logs.GetLogger().Errorf("restore capacity of %s after closed reservation %s: %v", resource.ID, res.ID, rerr)
		}
		s.unclaim(ctx, task.ID, res.ID)
		return nil, fmt.Errorf("reservation %s: %w", res.ID, ledger.ErrConflict)
	}
	res = applied

	// task Matched -> Reserved
	task.Status = models.TaskReserved
	task.UpdatedAt = s.now()
	if _, err := ledger.Save(ctx, s.ledger, ledger.KindTask, task.ID, task.Version, task); err != nil {
		if _, rerr := s.rollback(ctx, res.ID, "task changed during reservation"); rerr != nil {
			logs.GetLogger().Errorf("rollback reservation %s: %v", res.ID, rerr)
		}
		s.unclaim(ctx, task.ID, res.ID)
		return nil, err
	}

	s.publish(models.Event{Type: models.EventTaskMatched, TaskID: task.ID, ResourceID: resource.ID, ReservationID: res.ID, Status: models.TaskMatched})
	s.publish(models.Event{Type: models.EventReservationHeld, TaskID: task.ID, ResourceID: resource.ID, ReservationID: res.ID, Status: models.TaskReserved})
	logs.GetLogger().Infof("task %s reserved %d gpu on %s (reservation %s)", task.ID, task.RequiredGpu, resource.ID, res.ID)
	return res, nil
}

// unclaim returns a task still Matched by reservationID to Pending.
func (s *Scheduler) unclaim(ctx context.Context, taskID, reservationID string) {
	_, err := s.updateTask(ctx, taskID, func(t *models.Task) error {
		if t.ReservationID != reservationID || t.Status != models.TaskMatched {
			return errSkip
		}
		t.Status = models.TaskPending
		t.ReservationID = ""
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		logs.GetLogger().Errorf("return task %s to pending: %v", taskID, err)
	}
}

// abandon closes a Held reservation that never took capacity.
func (s *Scheduler) abandon(ctx context.Context, reservationID, reason string) {
	_, err := s.updateReservation(ctx, reservationID, func(r *models.Reservation) error {
		if r.State != models.ReservationHeld {
			return errSkip
		}
		r.State = models.ReservationRolledBack
		r.Reason = reason
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		logs.GetLogger().Errorf("abandon reservation %s: %v", reservationID, err)
	}
}

var errSkip = errors.New("skip")

// rollback moves a Held reservation to RolledBack and, if it had taken
// capacity, restores it. It reports whether this call did the transition;
// rolling back a reservation that is no longer Held is a no-op.
func (s *Scheduler) rollback(ctx context.Context, reservationID, reason string) (bool, error) {
	var applied bool
	res, err := s.updateReservation(ctx, reservationID, func(r *models.Reservation) error {
		if r.State != models.ReservationHeld {
			return errSkip
		}
		applied = r.CapacityApplied
		r.State = models.ReservationRolledBack
		r.Reason = reason
		return nil
	})
	if errors.Is(err, errSkip) || errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if applied {
		if err := s.restoreCapacity(ctx, res.ResourceID, res.Amount); err != nil {
			return true, fmt.Errorf("restore capacity for reservation %s: %w", reservationID, err)
		}
	}
	s.publish(models.Event{Type: models.EventReservationRolledBack, TaskID: res.TaskID, ResourceID: res.ResourceID, ReservationID: res.ID, Message: reason})
	return true, nil
}

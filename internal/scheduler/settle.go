package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/filswan/go-mcs-sdk/mcs/api/common/logs"
	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/lagrangedao/go-compute-market/internal/settlement"
	"github.com/lagrangedao/go-compute-market/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Settle pays for a Held reservation and commits or rolls it back.
//
// Confirmed payment commits the reservation for the task's rental duration
// and completes the task. A permanent payment failure fails the task. A
// transient failure that exhausted its budget requeues the task while its
// requeue budget lasts. Cancellation and ledger conflicts leave everything in
// place for a later resume.
func (s *Scheduler) Settle(ctx context.Context, reservationID string) error {
	if _, running := s.inFlight.LoadOrStore(reservationID, struct{}{}); running {
		return ErrSettlementInFlight
	}
	defer s.inFlight.Delete(reservationID)

	ctx, span := tracing.StartSpan(ctx, "scheduler.settle", attribute.String("reservation_id", reservationID))
	defer span.End()

	res, err := s.Reservation(ctx, reservationID)
	if err != nil {
		return err
	}
	switch res.State {
	case models.ReservationHeld:
	case models.ReservationCommitted, models.ReservationReleased:
		return nil
	default:
		return fmt.Errorf("reservation %s is %s: %w", res.ID, res.State, ErrReservationClosed)
	}

	task, err := s.updateTask(ctx, res.TaskID, func(t *models.Task) error {
		if t.ReservationID != res.ID {
			return ErrTaskNotPending
		}
		switch t.Status {
		case models.TaskReserved:
			t.Status = models.TaskSettling
			return nil
		case models.TaskSettling:
			return errSkip
		}
		return ErrTaskNotPending
	})
	switch {
	case errors.Is(err, errSkip):
		if task, err = s.Task(ctx, res.TaskID); err != nil {
			return err
		}
	case errors.Is(err, ErrTaskNotPending), errors.Is(err, ErrNotFound):
		if _, rerr := s.rollback(ctx, res.ID, "task left the reservation"); rerr != nil {
			return rerr
		}
		return fmt.Errorf("settle reservation %s: %w", res.ID, err)
	case err != nil:
		return err
	}

	resource, err := s.Resource(ctx, res.ResourceID)
	if err != nil {
		return err
	}
	amount, err := s.Payment(task, resource)
	if err != nil {
		span.RecordError(err)
		return s.failSettlement(ctx, res, models.ErrKindSettlementPermanent, err)
	}
	rec, err := s.settler.Submit(ctx, settlement.Request{
		ReservationID: res.ID,
		TaskID:        task.ID,
		Sender:        task.Owner,
		Receiver:      resource.Provider,
		Amount:        amount,
	})
	switch {
	case err == nil && rec != nil && rec.State == models.SettlementConfirmed:
		return s.commit(ctx, res, task)
	case errors.Is(err, settlement.ErrPermanent):
		span.RecordError(err)
		kind := models.ErrKindSettlementPermanent
		if rec != nil && rec.FailureKind != "" {
			kind = rec.FailureKind
		}
		return s.failSettlement(ctx, res, kind, err)
	case errors.Is(err, settlement.ErrRetryBudgetExhausted):
		span.RecordError(err)
		return s.failSettlement(ctx, res, models.ErrKindSettlementTransient, err)
	case err != nil:
		logs.GetLogger().Warnf("settlement of reservation %s interrupted, will resume: %v", res.ID, err)
		return err
	}
	return fmt.Errorf("settlement of reservation %s ended in state %s", res.ID, rec.State)
}

func (s *Scheduler) commit(ctx context.Context, res *models.Reservation, task *models.Task) error {
	now := s.now()
	leaseEnds := now.Add(time.Duration(task.DurationHours) * time.Hour)
	committed, err := s.updateReservation(ctx, res.ID, func(r *models.Reservation) error {
		if r.State != models.ReservationHeld {
			return fmt.Errorf("reservation %s is %s: %w", r.ID, r.State, ErrReservationClosed)
		}
		r.State = models.ReservationCommitted
		r.CommittedAt = &now
		r.LeaseEndsAt = &leaseEnds
		return nil
	})
	if err != nil {
		logs.GetLogger().Errorf("payment for reservation %s confirmed but commit failed: %v", res.ID, err)
		return err
	}

	if _, err := s.updateTask(ctx, task.ID, func(t *models.Task) error {
		t.Status = models.TaskCompleted
		t.FailureKind = ""
		t.LastError = ""
		return nil
	}); err != nil {
		return err
	}
	s.publish(models.Event{Type: models.EventReservationCommitted, TaskID: task.ID, ResourceID: committed.ResourceID, ReservationID: committed.ID})
	s.publish(models.Event{Type: models.EventTaskCompleted, TaskID: task.ID, ResourceID: committed.ResourceID, ReservationID: committed.ID, Status: models.TaskCompleted})
	logs.GetLogger().Infof("task %s completed, reservation %s committed until %s", task.ID, committed.ID, leaseEnds.Format(time.RFC3339))
	return nil
}

// failSettlement rolls the reservation back. Permanent failures fail the
// task, transient ones requeue it while the requeue budget lasts.
func (s *Scheduler) failSettlement(ctx context.Context, res *models.Reservation, kind models.ErrorKind, cause error) error {
	if _, err := s.rollback(ctx, res.ID, cause.Error()); err != nil {
		return err
	}
	if kind != models.ErrKindSettlementTransient {
		return s.failTask(ctx, res.TaskID, res.ID, kind, cause.Error())
	}
	return s.requeue(ctx, res.TaskID, res.ID, cause.Error())
}

// requeue returns the task to Pending, or fails it with RetryBudgetExhausted
// once MaxRequeues requeues have been spent.
func (s *Scheduler) requeue(ctx context.Context, taskID, reservationID, reason string) error {
	var requeued bool
	task, err := s.updateTask(ctx, taskID, func(t *models.Task) error {
		if t.ReservationID != reservationID || t.Status.Terminal() || t.Status == models.TaskPending {
			return errSkip
		}
		t.ReservationID = ""
		t.LastError = reason
		if t.Attempts >= s.cfg.MaxRequeues {
			t.Status = models.TaskFailed
			t.FailureKind = models.ErrKindRetryBudgetExhausted
			return nil
		}
		t.Attempts++
		t.Status = models.TaskPending
		t.FailureKind = models.ErrKindSettlementTransient
		requeued = true
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	if requeued {
		s.publish(models.Event{Type: models.EventTaskRequeued, TaskID: task.ID, ReservationID: reservationID, Status: task.Status, ErrorKind: task.FailureKind, Message: reason})
		logs.GetLogger().Warnf("task %s requeued (%d/%d): %s", task.ID, task.Attempts, s.cfg.MaxRequeues, reason)
		return nil
	}
	s.publish(models.Event{Type: models.EventTaskFailed, TaskID: task.ID, ReservationID: reservationID, Status: task.Status, ErrorKind: task.FailureKind, Message: reason})
	logs.GetLogger().Errorf("task %s failed, retry budget exhausted: %s", task.ID, reason)
	return nil
}

func (s *Scheduler) failTask(ctx context.Context, taskID, reservationID string, kind models.ErrorKind, reason string) error {
	task, err := s.updateTask(ctx, taskID, func(t *models.Task) error {
		if t.ReservationID != reservationID || t.Status.Terminal() {
			return errSkip
		}
		t.Status = models.TaskFailed
		t.FailureKind = kind
		t.LastError = reason
		t.ReservationID = ""
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	s.publish(models.Event{Type: models.EventTaskFailed, TaskID: task.ID, ReservationID: reservationID, Status: task.Status, ErrorKind: kind, Message: reason})
	logs.GetLogger().Errorf("task %s failed (%s): %s", task.ID, kind, reason)
	return nil
}

// Cancel cancels a task on behalf of owner. An empty owner skips the
// ownership check. Tasks whose payment may already be on chain (Settling)
// and finished tasks cannot be cancelled; cancelling twice is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, taskID, owner string) error {
	var reservationID string
	task, err := s.updateTask(ctx, taskID, func(t *models.Task) error {
		if owner != "" && t.Owner != owner {
			return ErrNotOwner
		}
		switch t.Status {
		case models.TaskCancelled:
			return errSkip
		case models.TaskPending, models.TaskMatched, models.TaskReserved:
			reservationID = t.ReservationID
			t.Status = models.TaskCancelled
			return nil
		}
		return fmt.Errorf("task %s is %s: %w", t.ID, t.Status, ErrCancelRejected)
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	if reservationID != "" {
		if _, err := s.rollback(ctx, reservationID, "task cancelled"); err != nil {
			return err
		}
	}
	s.publish(models.Event{Type: models.EventTaskCancelled, TaskID: task.ID, ReservationID: reservationID, Status: task.Status})
	return nil
}

// ensure Settler is satisfied by the coordinator
var _ Settler = (*settlement.Coordinator)(nil)

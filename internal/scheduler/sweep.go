package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/filswan/go-mcs-sdk/mcs/api/common/logs"
	"github.com/lagrangedao/go-compute-market/internal/ledger"
	"github.com/lagrangedao/go-compute-market/internal/models"
)

// InFlight reports whether a settlement for reservationID is running in this process.
func (s *Scheduler) InFlight(reservationID string) bool {
	_, ok := s.inFlight.Load(reservationID)
	return ok
}

// ExpireStale handles Held reservations whose deadline is before now and
// that are not being settled in this process.
//
// A reservation whose payment has already been submitted cannot be rolled
// back safely; its id is returned so the caller resumes the settlement.
// Every other stale reservation is rolled back and its task requeued.
func (s *Scheduler) ExpireStale(ctx context.Context, now time.Time) ([]string, error) {
	stale, err := ledger.LoadAll[models.Reservation](ctx, s.ledger, ledger.KindReservation, func(r *models.Reservation) bool {
		return r.State == models.ReservationHeld && r.ExpiresAt.Before(now)
	})
	if err != nil {
		return nil, err
	}

	var resume []string
	for _, res := range stale {
		if s.InFlight(res.ID) {
			continue
		}
		rec, found, err := s.settler.Get(ctx, res.ID)
		if err != nil {
			return resume, err
		}
		if found && (rec.ExternalTxRef != "" || rec.Terminal()) {
			if !s.recentlyActive(rec, now) {
				resume = append(resume, res.ID)
			}
			continue
		}

		rolled, err := s.rollback(ctx, res.ID, "reservation expired")
		if err != nil {
			logs.GetLogger().Errorf("expire reservation %s: %v", res.ID, err)
			continue
		}
		if !rolled {
			continue
		}
		s.publish(models.Event{Type: models.EventReservationExpired, TaskID: res.TaskID, ResourceID: res.ResourceID, ReservationID: res.ID})
		if err := s.requeue(ctx, res.TaskID, res.ID, "reservation expired"); err != nil {
			logs.GetLogger().Errorf("requeue task %s after expiry: %v", res.TaskID, err)
		}
	}

	if err := s.releaseStrandedClaims(ctx, now); err != nil {
		return resume, err
	}
	return resume, nil
}

// releaseStrandedClaims returns tasks stuck in Matched, whose reservation was
// never written or is already closed, to Pending.
func (s *Scheduler) releaseStrandedClaims(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.cfg.ReservationTTL)
	claimed, err := ledger.LoadAll[models.Task](ctx, s.ledger, ledger.KindTask, func(t *models.Task) bool {
		return t.Status == models.TaskMatched && t.UpdatedAt.Before(cutoff)
	})
	if err != nil {
		return err
	}
	for _, t := range claimed {
		res, found, err := ledger.Load[models.Reservation](ctx, s.ledger, ledger.KindReservation, t.ReservationID)
		if err != nil {
			return err
		}
		if found && res.State == models.ReservationHeld {
			continue
		}
		logs.GetLogger().Warnf("task %s stranded in %s, returning to pending", t.ID, t.Status)
		s.unclaim(ctx, t.ID, t.ReservationID)
	}
	return nil
}

// recentlyActive reports whether a settlement was updated within ResumeAfter
// of now, which means a worker, possibly in another process, still drives it.
func (s *Scheduler) recentlyActive(rec *models.SettlementRecord, now time.Time) bool {
	return !rec.Terminal() && now.Sub(rec.UpdatedAt) < s.cfg.ResumeAfter
}

// Resumable lists Held reservations that still need a settlement run, e.g.
// after a restart. Reservations settling in this process, and those whose
// settlement was updated recently, are skipped.
func (s *Scheduler) Resumable(ctx context.Context) ([]string, error) {
	held, err := ledger.LoadAll[models.Reservation](ctx, s.ledger, ledger.KindReservation, func(r *models.Reservation) bool {
		return r.State == models.ReservationHeld && r.CapacityApplied
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	var ids []string
	for _, res := range held {
		if s.InFlight(res.ID) {
			continue
		}
		rec, found, err := s.settler.Get(ctx, res.ID)
		if err != nil {
			return ids, err
		}
		if found && s.recentlyActive(rec, now) {
			continue
		}
		task, err := s.Task(ctx, res.TaskID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return ids, err
		}
		if task.ReservationID == res.ID && (task.Status == models.TaskReserved || task.Status == models.TaskSettling) {
			ids = append(ids, res.ID)
		}
	}
	return ids, nil
}

// ReleaseLeases ends committed reservations whose lease is over and returns
// their GPUs to the resource. It returns how many leases were released.
func (s *Scheduler) ReleaseLeases(ctx context.Context, now time.Time) (int, error) {
	due, err := ledger.LoadAll[models.Reservation](ctx, s.ledger, ledger.KindReservation, func(r *models.Reservation) bool {
		return r.State == models.ReservationCommitted && r.LeaseEndsAt != nil && !r.LeaseEndsAt.After(now)
	})
	if err != nil {
		return 0, err
	}

	released := 0
	for _, res := range due {
		out, err := s.updateReservation(ctx, res.ID, func(r *models.Reservation) error {
			if r.State != models.ReservationCommitted {
				return errSkip
			}
			r.State = models.ReservationReleased
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			logs.GetLogger().Errorf("release lease %s: %v", res.ID, err)
			continue
		}
		if err := s.restoreCapacity(ctx, out.ResourceID, out.Amount); err != nil {
			logs.GetLogger().Errorf("restore capacity for lease %s: %v", out.ID, err)
			continue
		}
		released++
		s.publish(models.Event{Type: models.EventLeaseReleased, TaskID: out.TaskID, ResourceID: out.ResourceID, ReservationID: out.ID})
	}
	return released, nil
}

// PendingTasks returns Pending tasks, oldest first.
func (s *Scheduler) PendingTasks(ctx context.Context) ([]*models.Task, error) {
	tasks, err := ledger.LoadAll[models.Task](ctx, s.ledger, ledger.KindTask, func(t *models.Task) bool {
		return t.Status == models.TaskPending
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

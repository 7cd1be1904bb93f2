package market

import (
	"context"
	"errors"
	"time"

	"github.com/filswan/go-mcs-sdk/mcs/api/common/logs"
	"github.com/lagrangedao/go-compute-market/internal/ledger"
	"github.com/lagrangedao/go-compute-market/internal/scheduler"
)

// Run drives the market until ctx is done. Each pass runs on the sweep
// interval and whenever something was submitted, cancelled or settled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	logs.GetLogger().Infof("market loop started, sweep interval: %s", e.cfg.SweepInterval)
	for {
		e.RunOnce(ctx)
		select {
		case <-ctx.Done():
			logs.GetLogger().Info("market loop stopped")
			return
		case <-ticker.C:
		case <-e.kick:
		}
	}
}

// RunOnce performs a single pass: expire, resume, release leases, match.
func (e *Engine) RunOnce(ctx context.Context) {
	defer func() {
		if err := recover(); err != nil {
			logs.GetLogger().Errorf("catch panic error: %+v", err)
		}
	}()
	if ctx.Err() != nil {
		return
	}
	now := e.now()

	resume, err := e.scheduler.ExpireStale(ctx, now)
	if err != nil {
		logs.GetLogger().Errorf("Failed expire stale reservations, error: %+v", err)
	}
	pending, err := e.scheduler.Resumable(ctx)
	if err != nil {
		logs.GetLogger().Errorf("Failed list resumable reservations, error: %+v", err)
	}
	seen := make(map[string]bool)
	for _, id := range append(resume, pending...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		e.dispatch(ctx, id)
	}

	released, err := e.scheduler.ReleaseLeases(ctx, now)
	if err != nil {
		logs.GetLogger().Errorf("Failed release leases, error: %+v", err)
	} else if released > 0 {
		logs.GetLogger().Infof("released %d leases", released)
	}

	e.matchPending(ctx)
}

func (e *Engine) matchPending(ctx context.Context) {
	tasks, err := e.scheduler.PendingTasks(ctx)
	if err != nil {
		logs.GetLogger().Errorf("Failed list pending tasks, error: %+v", err)
		return
	}
	waiting := len(tasks)
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		res, err := e.scheduler.TryReserve(ctx, task.ID)
		switch {
		case err == nil:
			waiting--
			e.dispatch(ctx, res.ID)
		case errors.Is(err, scheduler.ErrNoCapacity):
		case errors.Is(err, scheduler.ErrTaskNotPending):
			waiting--
		case ledger.IsConflict(err):
			logs.GetLogger().Warnf("task %s lost every reservation attempt, retrying next pass", task.ID)
		default:
			logs.GetLogger().Errorf("Failed reserve task %s, error: %+v", task.ID, err)
		}
	}
	e.metrics.PendingTasks(waiting)
}

func (e *Engine) dispatch(ctx context.Context, reservationID string) {
	if err := e.dispatcher.Dispatch(ctx, reservationID); err != nil {
		logs.GetLogger().Errorf("Failed dispatch settlement %s, error: %+v", reservationID, err)
	}
}

package market

import (
	"context"
	"sync"

	"github.com/filswan/go-mcs-sdk/mcs/api/common/logs"
	"github.com/gocelery/gocelery"
	"github.com/gomodule/redigo/redis"
	"github.com/lagrangedao/go-compute-market/constants"
)

// CeleryDispatcher queues settlements on a Celery broker in Redis. The worker
// started here consumes them, so every daemon sharing the broker takes a
// share of the settlement work.
type CeleryDispatcher struct {
	cli    *gocelery.CeleryClient
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func NewCeleryDispatcher(pool *redis.Pool, workers int, settle SettleFunc) (*CeleryDispatcher, error) {
	if workers <= 0 {
		workers = 10
	}
	celeryClient, err := gocelery.NewCeleryClient(
		gocelery.NewRedisBroker(pool),
		gocelery.NewRedisBackend(pool),
		workers)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &CeleryDispatcher{cli: celeryClient, ctx: ctx, cancel: cancel}
	d.cli.Register(constants.TASK_SETTLE, d.settleTask(settle))
	d.cli.StartWorker()
	logs.GetLogger().Infof("celery worker started, task: %s, workers: %d", constants.TASK_SETTLE, workers)
	return d, nil
}

// settleTask adapts settle to a celery task. The result is "ok" or the error text.
func (d *CeleryDispatcher) settleTask(settle SettleFunc) func(string) string {
	return func(reservationID string) string {
		logs.GetLogger().Infof("Processing settlement: %s", reservationID)
		if err := settle(d.ctx, reservationID); err != nil {
			logs.GetLogger().Warnf("settlement %s: %v", reservationID, err)
			return err.Error()
		}
		return "ok"
	}
}

func (d *CeleryDispatcher) Dispatch(_ context.Context, reservationID string) error {
	if d.ctx.Err() != nil {
		return ErrDispatcherClosed
	}
	result, err := d.cli.Delay(constants.TASK_SETTLE, reservationID)
	if err != nil {
		return err
	}
	logs.GetLogger().Debugf("settlement %s queued, celery task: %s", reservationID, result.TaskID)
	return nil
}

func (d *CeleryDispatcher) Close() {
	d.once.Do(func() {
		d.cancel()
		d.cli.StopWorker()
	})
}

package market

import (
	"context"
	"errors"
	"sync"

	"github.com/filswan/go-mcs-sdk/mcs/api/common/logs"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// SettleFunc runs the settlement of one reservation to an outcome.
type SettleFunc func(ctx context.Context, reservationID string) error

// Dispatcher hands reservations to whatever runs their settlement.
type Dispatcher interface {
	Dispatch(ctx context.Context, reservationID string) error
	Close()
}

// LocalDispatcher settles each reservation on its own goroutine.
type LocalDispatcher struct {
	settle SettleFunc
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewLocalDispatcher(settle SettleFunc) *LocalDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{settle: settle, ctx: ctx, cancel: cancel}
}

// Dispatch returns immediately. The settlement outlives the caller's context
// and stops only when the dispatcher is closed.
func (d *LocalDispatcher) Dispatch(_ context.Context, reservationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if err := recover(); err != nil {
				logs.GetLogger().Errorf("settlement %s panicked: %+v", reservationID, err)
			}
		}()
		if err := d.settle(d.ctx, reservationID); err != nil {
			logs.GetLogger().Warnf("settlement %s: %v", reservationID, err)
		}
	}()
	return nil
}

// Close cancels running settlements and waits for them to return.
func (d *LocalDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

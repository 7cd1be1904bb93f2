package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/filswan/go-mcs-sdk/mcs/api/common/logs"
	"github.com/google/uuid"
	"github.com/lagrangedao/go-compute-market/internal/models"
)

// Predicate selects the events a subscriber receives.
type Predicate func(models.Event) bool

func All(models.Event) bool { return true }

func ByType(types ...models.EventType) Predicate {
	set := make(map[models.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(ev models.Event) bool {
		_, ok := set[ev.Type]
		return ok
	}
}

func ByTask(taskID string) Predicate {
	return func(ev models.Event) bool { return ev.TaskID == taskID }
}

func And(preds ...Predicate) Predicate {
	return func(ev models.Event) bool {
		for _, p := range preds {
			if p != nil && !p(ev) {
				return false
			}
		}
		return true
	}
}

// Sink receives every published event after local delivery, e.g. a broker bridge.
type Sink interface {
	Forward(ev models.Event) error
}

// Bus is an in-process publish/subscribe hub. Publish never blocks on a
// slow subscriber: each subscriber has its own unbounded queue drained by
// a dedicated goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	next   uint64
	sinks  []Sink
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// AddSink registers s to receive every event published afterwards.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

func (b *Bus) Publish(ev models.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for _, s := range b.subs {
		if s.pred(ev) {
			s.push(ev)
		}
	}
	sinks := b.sinks
	b.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Forward(ev); err != nil {
			logs.GetLogger().Warnf("forward event %s (%s) failed: %v", ev.ID, ev.Type, err)
		}
	}
}

// Subscribe returns a channel of events matching pred. The channel is closed
// when ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, pred Predicate) <-chan models.Event {
	if pred == nil {
		pred = All
	}
	s := &subscriber{
		pred:   pred,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan models.Event),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out
	}
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		s.run(ctx)
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return s.out
}

// Close ends every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.done)
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type subscriber struct {
	pred   Predicate
	mu     sync.Mutex
	queue  []models.Event
	signal chan struct{}
	done   chan struct{}
	out    chan models.Event
}

func (s *subscriber) push(ev models.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run(ctx context.Context) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue[0] = models.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

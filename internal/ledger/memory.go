package ledger

import (
	"context"
	"sync"
)

const memoryShards = 32

type memoryShard struct {
	mu      sync.RWMutex
	records map[string]Record
}

// MemoryLedger keeps records in sharded maps. Each shard has its own lock,
// so writes to different entities rarely contend.
type MemoryLedger struct {
	shards [memoryShards]*memoryShard
}

func NewMemoryLedger() *MemoryLedger {
	l := &MemoryLedger{}
	for i := range l.shards {
		l.shards[i] = &memoryShard{records: make(map[string]Record)}
	}
	return l
}

func (l *MemoryLedger) shard(key string) *memoryShard {
	return l.shards[stripe(key, memoryShards)]
}

func (l *MemoryLedger) Get(ctx context.Context, kind Kind, id string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	key := entityKey(kind, id)
	s := l.shard(key)
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (l *MemoryLedger) PutIfVersion(ctx context.Context, kind Kind, id string, expected int64, data []byte) (int64, error) {
	if err := validate(kind, id, expected); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	key := entityKey(kind, id)
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[key]
	switch {
	case !ok && expected != 0, ok && cur.Version != expected:
		return 0, ErrConflict
	}
	rec := Record{Kind: kind, ID: id, Version: expected + 1, Data: append([]byte(nil), data...)}
	s.records[key] = rec
	return rec.Version, nil
}

func (l *MemoryLedger) List(ctx context.Context, kind Kind, filter Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Record
	for _, s := range l.shards {
		s.mu.RLock()
		for _, rec := range s.records {
			if rec.Kind != kind {
				continue
			}
			if filter == nil || filter(rec) {
				out = append(out, cloneRecord(rec))
			}
		}
		s.mu.RUnlock()
	}
	sortRecords(out)
	return out, nil
}

func (l *MemoryLedger) Close() error { return nil }

func cloneRecord(rec Record) Record {
	rec.Data = append([]byte(nil), rec.Data...)
	return rec
}

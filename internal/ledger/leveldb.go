package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lvlutil "github.com/syndtr/goleveldb/leveldb/util"
)

const levelStripes = 64

// LevelDBLedger stores records in a LevelDB directory. Compare-and-swap is
// done under a per-key stripe lock, which is enough because LevelDB only
// admits a single process.
type LevelDBLedger struct {
	db    *leveldb.DB
	locks [levelStripes]sync.Mutex
}

func OpenLevelDB(p string) (*LevelDBLedger, error) {
	_, err := os.Stat(p)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := os.MkdirAll(p, 0700); err != nil {
			return nil, err
		}
	}

	db, err := leveldb.OpenFile(p, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", p, err)
	}
	return NewLevelDBLedger(db), nil
}

func NewLevelDBLedger(db *leveldb.DB) *LevelDBLedger {
	return &LevelDBLedger{db: db}
}

func (l *LevelDBLedger) Get(ctx context.Context, kind Kind, id string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	raw, err := l.db.Get([]byte(entityKey(kind, id)), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("reading %s %s: %w", kind, id, err)
	}
	version, data, err := decodeValue(raw)
	if err != nil {
		return Record{}, false, err
	}
	return Record{Kind: kind, ID: id, Version: version, Data: data}, true, nil
}

func (l *LevelDBLedger) PutIfVersion(ctx context.Context, kind Kind, id string, expected int64, data []byte) (int64, error) {
	if err := validate(kind, id, expected); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	key := entityKey(kind, id)
	mu := &l.locks[stripe(key, levelStripes)]
	mu.Lock()
	defer mu.Unlock()

	var current int64
	raw, err := l.db.Get([]byte(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("reading %s %s: %w", kind, id, err)
	default:
		if current, _, err = decodeValue(raw); err != nil {
			return 0, err
		}
	}
	if current != expected {
		return 0, ErrConflict
	}
	if err := l.db.Put([]byte(key), encodeValue(expected+1, data), nil); err != nil {
		return 0, fmt.Errorf("writing %s %s: %w", kind, id, err)
	}
	return expected + 1, nil
}

func (l *LevelDBLedger) List(ctx context.Context, kind Kind, filter Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Record
	iter := l.db.NewIterator(lvlutil.BytesPrefix([]byte(string(kind)+":")), nil)
	for iter.Next() {
		_, id, ok := splitKey(string(iter.Key()))
		if !ok {
			continue
		}
		version, data, err := decodeValue(iter.Value())
		if err != nil {
			iter.Release()
			return nil, err
		}
		rec := Record{Kind: kind, ID: id, Version: version, Data: data}
		if filter == nil || filter(rec) {
			out = append(out, rec)
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (l *LevelDBLedger) Close() error {
	return l.db.Close()
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerLedger relies on Badger's optimistic transactions: the version
// check and the write happen in one Update, and a concurrent commit on the
// same key surfaces as badger.ErrConflict.
type BadgerLedger struct {
	db *badger.DB
}

func OpenBadger(path string, inMemory bool) (*BadgerLedger, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 24)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerLedger{db: db}, nil
}

func (l *BadgerLedger) Get(ctx context.Context, kind Kind, id string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	var rec Record
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(entityKey(kind, id)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(v []byte) error {
			version, data, err := decodeValue(v)
			if err != nil {
				return err
			}
			rec = Record{Kind: kind, ID: id, Version: version, Data: data}
			found = true
			return nil
		})
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, found, nil
}

func (l *BadgerLedger) PutIfVersion(ctx context.Context, kind Kind, id string, expected int64, data []byte) (int64, error) {
	if err := validate(kind, id, expected); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	key := []byte(entityKey(kind, id))
	err := l.db.Update(func(txn *badger.Txn) error {
		var current int64
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error {
				current, _, err = decodeValue(v)
				return err
			}); err != nil {
				return err
			}
		}
		if current != expected {
			return ErrConflict
		}
		return txn.Set(key, encodeValue(expected+1, data))
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) || errors.Is(err, ErrConflict) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("writing %s %s: %w", kind, id, err)
	}
	return expected + 1, nil
}

func (l *BadgerLedger) List(ctx context.Context, kind Kind, filter Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Record
	prefix := []byte(string(kind) + ":")
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			_, id, ok := splitKey(string(item.KeyCopy(nil)))
			if !ok {
				continue
			}
			err := item.Value(func(v []byte) error {
				version, data, err := decodeValue(v)
				if err != nil {
					return err
				}
				rec := Record{Kind: kind, ID: id, Version: version, Data: data}
				if filter == nil || filter(rec) {
					out = append(out, rec)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (l *BadgerLedger) Close() error {
	return l.db.Close()
}

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/gomodule/redigo/redis"
)

// RedisLedger keeps each record in a hash {version, data} and an index set
// of ids per kind. Compare-and-swap uses WATCH/MULTI/EXEC; an aborted EXEC
// means another writer got there first.
type RedisLedger struct {
	pool   *redis.Pool
	prefix string
}

func NewRedisLedger(pool *redis.Pool, prefix string) *RedisLedger {
	return &RedisLedger{pool: pool, prefix: prefix}
}

func (l *RedisLedger) key(kind Kind, id string) string {
	return l.prefix + entityKey(kind, id)
}

func (l *RedisLedger) indexKey(kind Kind) string {
	return l.prefix + "index:" + string(kind)
}

func (l *RedisLedger) Get(ctx context.Context, kind Kind, id string) (Record, bool, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return Record{}, false, err
	}
	defer conn.Close()
	return readHash(conn, kind, id, l.key(kind, id))
}

func readHash(conn redis.Conn, kind Kind, id, key string) (Record, bool, error) {
	vals, err := redis.Values(conn.Do("HMGET", key, "version", "data"))
	if err != nil {
		return Record{}, false, fmt.Errorf("reading %s %s: %w", kind, id, err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return Record{}, false, nil
	}
	version, err := redis.Int64(vals[0], nil)
	if err != nil {
		return Record{}, false, err
	}
	data, err := redis.Bytes(vals[1], nil)
	if err != nil {
		return Record{}, false, err
	}
	return Record{Kind: kind, ID: id, Version: version, Data: data}, true, nil
}

func (l *RedisLedger) PutIfVersion(ctx context.Context, kind Kind, id string, expected int64, data []byte) (int64, error) {
	if err := validate(kind, id, expected); err != nil {
		return 0, err
	}
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	key := l.key(kind, id)
	if _, err := conn.Do("WATCH", key); err != nil {
		return 0, err
	}
	current, err := redis.Int64(conn.Do("HGET", key, "version"))
	if err != nil && !errors.Is(err, redis.ErrNil) {
		conn.Do("UNWATCH")
		return 0, fmt.Errorf("reading %s %s: %w", kind, id, err)
	}
	if current != expected {
		conn.Do("UNWATCH")
		return 0, ErrConflict
	}

	next := expected + 1
	conn.Send("MULTI")
	conn.Send("HSET", key, "version", next, "data", data)
	conn.Send("SADD", l.indexKey(kind), id)
	if _, err := redis.Values(conn.Do("EXEC")); err != nil {
		if errors.Is(err, redis.ErrNil) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("writing %s %s: %w", kind, id, err)
	}
	return next, nil
}

func (l *RedisLedger) List(ctx context.Context, kind Kind, filter Filter) ([]Record, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ids, err := redis.Strings(conn.Do("SMEMBERS", l.indexKey(kind)))
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, id := range ids {
		rec, found, err := readHash(conn, kind, id, l.key(kind, id))
		if err != nil {
			return nil, err
		}
		if found && (filter == nil || filter(rec)) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

// Close is a no-op; the pool is owned by the caller.
func (l *RedisLedger) Close() error { return nil }

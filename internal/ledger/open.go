package ledger

import (
	"fmt"
	"path/filepath"

	"github.com/gomodule/redigo/redis"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBadger  = "badger"
	BackendRedis   = "redis"
	BackendSQLite  = "sqlite"
)

type Config struct {
	Backend     string
	Path        string
	RedisPool   *redis.Pool
	RedisPrefix string
}

// Open returns the backend named by cfg.Backend. Path is the data directory
// for the on-disk backends.
func Open(cfg Config) (Ledger, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryLedger(), nil
	case BackendLevelDB:
		return OpenLevelDB(filepath.Join(cfg.Path, "leveldb"))
	case BackendBadger:
		return OpenBadger(filepath.Join(cfg.Path, "badger"), false)
	case BackendSQLite:
		return OpenSQLite(filepath.Join(cfg.Path, "ledger.db"))
	case BackendRedis:
		if cfg.RedisPool == nil {
			return nil, fmt.Errorf("ledger backend redis requires a redis pool")
		}
		return NewRedisLedger(cfg.RedisPool, cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

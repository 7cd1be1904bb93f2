package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

type Kind string

const (
	KindTask        Kind = "task"
	KindResource    Kind = "resource"
	KindReservation Kind = "reservation"
	KindSettlement  Kind = "settlement"
)

var ErrConflict = errors.New("ledger: version conflict")

// Record is a stored entity payload together with its version.
type Record struct {
	Kind    Kind
	ID      string
	Version int64
	Data    []byte
}

// Filter selects records during List. A nil Filter selects everything.
type Filter func(Record) bool

// Ledger is a versioned entity store. Every write is a compare-and-swap on
// the record version: PutIfVersion with expected 0 creates the record and
// fails if it exists, otherwise it replaces the record only if the stored
// version equals expected. The new version is always expected+1.
//
// A missing record is reported through the found flag of Get, never as an error.
type Ledger interface {
	Get(ctx context.Context, kind Kind, id string) (Record, bool, error)
	PutIfVersion(ctx context.Context, kind Kind, id string, expected int64, data []byte) (int64, error)
	List(ctx context.Context, kind Kind, filter Filter) ([]Record, error)
	Close() error
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func entityKey(kind Kind, id string) string {
	return string(kind) + ":" + id
}

func splitKey(key string) (Kind, string, bool) {
	i := strings.IndexByte(key, ':')
	if i <= 0 {
		return "", "", false
	}
	return Kind(key[:i]), key[i+1:], true
}

func validate(kind Kind, id string, expected int64) error {
	if kind == "" || id == "" {
		return fmt.Errorf("ledger: empty kind or id")
	}
	if expected < 0 {
		return fmt.Errorf("ledger: negative expected version %d", expected)
	}
	return nil
}

// encodeValue prefixes data with its big-endian version for the byte-oriented backends.
func encodeValue(version int64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf, uint64(version))
	copy(buf[8:], data)
	return buf
}

func decodeValue(raw []byte) (int64, []byte, error) {
	if len(raw) < 8 {
		return 0, nil, fmt.Errorf("ledger: corrupt value of %d bytes", len(raw))
	}
	data := make([]byte, len(raw)-8)
	copy(data, raw[8:])
	return int64(binary.BigEndian.Uint64(raw[:8])), data, nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}

func stripe(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

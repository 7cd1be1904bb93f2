package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

// Versioned is implemented by every entity stored through the typed helpers.
type Versioned interface {
	SetVersion(int64)
}

// Load decodes the entity stored under kind/id and stamps its version.
func Load[T any, P interface {
	*T
	Versioned
}](ctx context.Context, l Ledger, kind Kind, id string) (P, bool, error) {
	var zero P
	rec, found, err := l.Get(ctx, kind, id)
	if err != nil || !found {
		return zero, found, err
	}
	p, err := decode[T, P](rec)
	if err != nil {
		return zero, false, err
	}
	return p, true, nil
}

// Save encodes v and writes it if the stored version equals expected.
// The returned version is also stamped onto v.
func Save(ctx context.Context, l Ledger, kind Kind, id string, expected int64, v Versioned) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	version, err := l.PutIfVersion(ctx, kind, id, expected, data)
	if err != nil {
		return 0, err
	}
	v.SetVersion(version)
	return version, nil
}

// LoadAll decodes every entity of kind, keeping those accepted by keep.
func LoadAll[T any, P interface {
	*T
	Versioned
}](ctx context.Context, l Ledger, kind Kind, keep func(P) bool) ([]P, error) {
	recs, err := l.List(ctx, kind, nil)
	if err != nil {
		return nil, err
	}
	out := make([]P, 0, len(recs))
	for _, rec := range recs {
		p, err := decode[T, P](rec)
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func decode[T any, P interface {
	*T
	Versioned
}](rec Record) (P, error) {
	p := P(new(T))
	if err := json.Unmarshal(rec.Data, p); err != nil {
		var zero P
		return zero, fmt.Errorf("decode %s %s: %w", rec.Kind, rec.ID, err)
	}
	p.SetVersion(rec.Version)
	return p, nil
}

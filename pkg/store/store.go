// Package store implements the keyed record collections backing the
// wagering ledger: one collection per entity kind, each a mapping from
// decimal string id to a JSON record. Writers go through Update, which
// holds a per-collection lock across the whole load, mutate, persist
// cycle so two concurrent writers never clobber each other's records.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/wagerdome/wagerdome/core"
)

// Collection names. No other collections exist; records are never
// deleted, only appended and mutated in place.
const (
	Users     = "users"
	Events    = "events"
	Bets      = "bets"
	Proposals = "proposals"
)

// Records is a full collection snapshot keyed by decimal string id.
type Records map[string]json.RawMessage

// Store is a set of durable keyed collections.
type Store interface {
	// Load returns the current snapshot of a collection. A collection
	// that was never written loads as empty, not as an error.
	Load(ctx context.Context, collection string) (Records, error)
	// Update runs fn on the current snapshot under the collection's
	// lock and persists the result as one atomic unit. If fn returns
	// an error nothing is persisted.
	Update(ctx context.Context, collection string, fn func(Records) error) error
}

// NextID allocates the next identifier for a collection snapshot:
// 1 for an empty collection, max existing key + 1 otherwise. Ids are
// never reused, even if keys are sparse.
func NextID(recs Records) int64 {
	var max int64
	for k := range recs {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		if id > max {
			max = id
		}
	}
	return max + 1
}

// Key renders an id the way collections key their records.
func Key(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Decode unmarshals the record with the given id into v. A missing id
// is core.ErrNotFound, never a zero value.
func Decode(recs Records, id int64, v any) error {
	raw, ok := recs[Key(id)]
	if !ok {
		return fmt.Errorf("record %d: %w", id, core.ErrNotFound)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode record %d: %w", id, err)
	}
	return nil
}

// Encode marshals v into the snapshot under the given id.
func Encode(recs Records, id int64, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", id, err)
	}
	recs[Key(id)] = raw
	return nil
}

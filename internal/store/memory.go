package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/assetledger/auditchain/internal/chain"
)

// Memory is an in-process store. It satisfies chain.Store and
// chain.Querier and is used by tests and by `serve --memory`.
//
// Thread-safe. A chain read takes a snapshot under the read lock, so a
// verifier never sees a half-appended record.
type Memory struct {
	mu     sync.RWMutex
	chains map[string][]chain.Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{chains: make(map[string][]chain.Record)}
}

// GetTail returns the last record of the entity's chain, or nil.
func (m *Memory) GetTail(ctx context.Context, entityID string) (*chain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.chains[entityID]
	if len(recs) == 0 {
		return nil, nil
	}
	tail := recs[len(recs)-1]
	return &tail, nil
}

// AppendIfTailMatches appends rec if the entity's tail digest is still
// expectedTail.
func (m *Memory) AppendIfTailMatches(ctx context.Context, entityID, expectedTail string, rec chain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.chains[entityID]
	current := chain.Genesis
	if len(recs) > 0 {
		current = recs[len(recs)-1].CurrentDigest
	}
	if current != expectedTail || rec.Sequence != uint64(len(recs)) {
		return chain.ErrConflict
	}
	m.chains[entityID] = append(recs, rec)
	return nil
}

// GetAllOrdered returns a copy of the entity's chain.
func (m *Memory) GetAllOrdered(ctx context.Context, entityID string) ([]chain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]chain.Record(nil), m.chains[entityID]...), nil
}

// List returns a page of the entity's chain in sequence order.
func (m *Memory) List(ctx context.Context, entityID string, skip, limit int) ([]chain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return page(m.chains[entityID], skip, limit), nil
}

// ByActor returns the actor's records, newest first.
func (m *Memory) ByActor(ctx context.Context, actorID string, skip, limit int) ([]chain.Record, error) {
	all := m.newestFirst(func(r *chain.Record) bool { return r.ActorID == actorID })
	return page(all, skip, limit), nil
}

// Recent returns the newest records, optionally for one field only.
func (m *Memory) Recent(ctx context.Context, field string, limit int) ([]chain.Record, error) {
	all := m.newestFirst(func(r *chain.Record) bool { return field == "" || r.FieldName == field })
	return page(all, 0, limit), nil
}

// Stats aggregates counts over every chain.
func (m *Memory) Stats(ctx context.Context, since time.Time, topActors int) (chain.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var st chain.Stats
	byField := map[string]int{}
	byActor := map[string]int{}
	for _, recs := range m.chains {
		for i := range recs {
			st.TotalRecords++
			if !recs[i].Timestamp.Before(since) {
				st.RecentCount++
			}
			byField[recs[i].FieldName]++
			byActor[recs[i].ActorEmail]++
		}
	}
	st.ByField = sortedCounts(byField, 0)
	st.TopActors = sortedCounts(byActor, topActors)
	return st, nil
}

// Overwrite mutates a stored record in place, bypassing the chain. It
// exists to simulate tampering with persisted data.
func (m *Memory) Overwrite(entityID string, seq uint64, mutate func(*chain.Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.chains[entityID]
	if seq >= uint64(len(recs)) {
		return fmt.Errorf("entity %q has no record %d", entityID, seq)
	}
	mutate(&recs[seq])
	return nil
}

func (m *Memory) newestFirst(keep func(*chain.Record) bool) []chain.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []chain.Record
	for _, recs := range m.chains {
		for i := range recs {
			if keep(&recs[i]) {
				out = append(out, recs[i])
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			if out[i].EntityID == out[j].EntityID {
				return out[i].Sequence > out[j].Sequence
			}
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// page applies skip/limit to recs. limit <= 0 means no limit.
func page(recs []chain.Record, skip, limit int) []chain.Record {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(recs) {
		return []chain.Record{}
	}
	recs = recs[skip:]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return append([]chain.Record(nil), recs...)
}

// sortedCounts orders counts descending, ties by key. max <= 0 keeps all.
func sortedCounts(m map[string]int, max int) []chain.FieldCount {
	out := make([]chain.FieldCount, 0, len(m))
	for k, c := range m {
		out = append(out, chain.FieldCount{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

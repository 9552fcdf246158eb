package chain

import (
	"context"
	"errors"
	"time"
)

// Genesis is the previous digest of the first record in every chain.
const Genesis = "GENESIS"

var (
	// ErrConflict means another writer advanced the tail between the read
	// and the write. Safe to retry with a fresh tail read.
	ErrConflict = errors.New("audit chain conflict")

	// ErrBusy means the per-entity lock could not be acquired in time.
	ErrBusy = errors.New("audit chain busy")

	// ErrStoreUnavailable wraps failures of the underlying persistence.
	ErrStoreUnavailable = errors.New("audit store unavailable")

	// ErrInvalidChange is returned for changes missing an entity or field.
	ErrInvalidChange = errors.New("invalid audit change")
)

// Actor identifies who made a change. Identity is resolved upstream.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Record is one link of an entity's audit chain. Records are immutable
// once written; corrections are new records.
type Record struct {
	ID             string         `json:"id"`
	EntityID       string         `json:"entity_id"`
	Sequence       uint64         `json:"sequence"`
	FieldName      string         `json:"field_name"`
	OldValue       *string        `json:"old_value"`
	NewValue       *string        `json:"new_value"`
	ActorID        string         `json:"actor_id"`
	ActorEmail     string         `json:"actor_email"`
	Timestamp      time.Time      `json:"timestamp"`
	PreviousDigest string         `json:"previous_digest"`
	CurrentDigest  string         `json:"current_digest"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Change is the input to Writer.Append.
type Change struct {
	EntityID  string
	FieldName string
	OldValue  *string
	NewValue  *string
	Actor     Actor
	Metadata  map[string]any
}

// Val returns a pointer to s, for building present old/new values.
func Val(s string) *string {
	return &s
}

// Store is the persistence contract the chain needs. Implementations must
// make AppendIfTailMatches atomic: either the record is fully visible or
// not at all.
type Store interface {
	// GetTail returns the highest-sequence record for the entity, or nil
	// if the entity has no chain yet.
	GetTail(ctx context.Context, entityID string) (*Record, error)

	// AppendIfTailMatches persists rec only if the current tail digest of
	// the entity equals expectedTail (Genesis for an empty chain).
	// Returns ErrConflict otherwise.
	AppendIfTailMatches(ctx context.Context, entityID, expectedTail string, rec Record) error

	// GetAllOrdered returns the whole chain ordered by sequence ascending.
	GetAllOrdered(ctx context.Context, entityID string) ([]Record, error)
}

// FieldCount is one row of a grouped count.
type FieldCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Stats summarizes all chains in a store.
type Stats struct {
	TotalRecords int          `json:"total_records"`
	RecentCount  int          `json:"recent_count"`
	ByField      []FieldCount `json:"by_field"`
	TopActors    []FieldCount `json:"top_actors"`
}

// Querier is the read side used for display and reporting. It is
// independent of verification.
type Querier interface {
	// List returns an entity's records ordered by sequence ascending.
	List(ctx context.Context, entityID string, skip, limit int) ([]Record, error)

	// ByActor returns records made by the actor, newest first.
	ByActor(ctx context.Context, actorID string, skip, limit int) ([]Record, error)

	// Recent returns the newest records across all entities, optionally
	// restricted to one field name.
	Recent(ctx context.Context, field string, limit int) ([]Record, error)

	// Stats aggregates record counts. RecentCount covers records at or
	// after since.
	Stats(ctx context.Context, since time.Time, topActors int) (Stats, error)
}

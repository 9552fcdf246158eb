package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTimeout bounds how long Append waits for the entity lock.
const DefaultLockTimeout = 5 * time.Second

// Writer appends records to entity chains. Appends for the same entity
// are serialized; appends for different entities never share a lock.
//
// The in-process lock only covers one Writer. When several processes share
// a Store, AppendIfTailMatches is the serialization point and a lost race
// surfaces as ErrConflict.
type Writer struct {
	store       Store
	locks       *lockTable
	lockTimeout time.Duration
	now         func() time.Time
	newID       func() string
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithLockTimeout sets the maximum wait for the per-entity lock.
// Zero or negative means wait until the caller's context is done.
func WithLockTimeout(d time.Duration) WriterOption {
	return func(w *Writer) { w.lockTimeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates a Writer over the given store.
func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:       store,
		locks:       newLockTable(),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Append records one change as the next link of the entity's chain and
// returns the persisted record. Nothing is written on error.
func (w *Writer) Append(ctx context.Context, c Change) (Record, error) {
	if c.EntityID == "" {
		return Record{}, fmt.Errorf("%w: entity id is required", ErrInvalidChange)
	}
	if c.FieldName == "" {
		return Record{}, fmt.Errorf("%w: field name is required", ErrInvalidChange)
	}
	if err := ValidateMetadata(c.Metadata); err != nil {
		return Record{}, err
	}

	lockCtx := ctx
	if w.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, w.lockTimeout)
		defer cancel()
	}
	release, err := w.locks.acquire(lockCtx, c.EntityID)
	if err != nil {
		return Record{}, err
	}
	defer release()

	tail, err := w.store.GetTail(ctx, c.EntityID)
	if err != nil {
		return Record{}, fmt.Errorf("reading tail of %q: %w", c.EntityID, err)
	}

	rec := Record{
		ID:             w.newID(),
		EntityID:       c.EntityID,
		FieldName:      c.FieldName,
		OldValue:       c.OldValue,
		NewValue:       c.NewValue,
		ActorID:        c.Actor.ID,
		ActorEmail:     c.Actor.Email,
		Timestamp:      w.now().UTC().Truncate(time.Millisecond),
		PreviousDigest: Genesis,
		Metadata:       c.Metadata,
	}
	expectedTail := Genesis
	if tail != nil {
		rec.Sequence = tail.Sequence + 1
		rec.PreviousDigest = tail.CurrentDigest
		expectedTail = tail.CurrentDigest
	}
	rec.CurrentDigest = ComputeDigest(&rec)

	if err := w.store.AppendIfTailMatches(ctx, c.EntityID, expectedTail, rec); err != nil {
		return Record{}, fmt.Errorf("appending %q seq %d: %w", c.EntityID, rec.Sequence, err)
	}

	slog.Debug("audit record appended",
		"entity", rec.EntityID, "seq", rec.Sequence, "field", rec.FieldName, "hash", rec.CurrentDigest)
	return rec, nil
}

// ValidateMetadata accepts only scalar values: strings, booleans, numbers
// and null. Nested objects and arrays are rejected with ErrInvalidChange.
func ValidateMetadata(meta map[string]any) error {
	for _, k := range slices.Sorted(maps.Keys(meta)) {
		switch v := meta[k].(type) {
		case nil, string, bool, json.Number,
			float32, float64,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64:
		default:
			return fmt.Errorf("%w: metadata %q must be a string, number, boolean or null, got %T", ErrInvalidChange, k, v)
		}
	}
	return nil
}

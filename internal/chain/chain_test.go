package chain_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetledger/auditchain/internal/chain"
	"github.com/assetledger/auditchain/internal/store"
)

var admin = chain.Actor{ID: "u-admin", Email: "admin@example.com"}

func change(entity string, old, new *string) chain.Change {
	return chain.Change{
		EntityID:  entity,
		FieldName: "assignedTo",
		OldValue:  old,
		NewValue:  new,
		Actor:     admin,
	}
}

func TestAppend_GenesisAndLink(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	w := chain.NewWriter(mem)

	first, err := w.Append(ctx, change("ASSET-1", nil, chain.Val("alice")))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first.Sequence)
	assert.Equal(t, chain.Genesis, first.PreviousDigest)
	assert.Equal(t, chain.ComputeDigest(&first), first.CurrentDigest)
	assert.NotEmpty(t, first.ID)

	second, err := w.Append(ctx, change("ASSET-1", chain.Val("alice"), chain.Val("bob")))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Sequence)
	assert.Equal(t, first.CurrentDigest, second.PreviousDigest)
}

func TestAppend_TimestampMillisecondUTC(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 123_456_789, time.FixedZone("CET", 3600))
	w := chain.NewWriter(store.NewMemory(), chain.WithClock(func() time.Time { return at }))

	rec, err := w.Append(context.Background(), change("ASSET-1", nil, chain.Val("alice")))
	require.NoError(t, err)
	assert.Equal(t, time.UTC, rec.Timestamp.Location())
	assert.Equal(t, 123_000_000, rec.Timestamp.Nanosecond())
}

func TestAppend_Validation(t *testing.T) {
	w := chain.NewWriter(store.NewMemory())

	_, err := w.Append(context.Background(), chain.Change{FieldName: "assignedTo"})
	assert.ErrorIs(t, err, chain.ErrInvalidChange)

	_, err = w.Append(context.Background(), chain.Change{EntityID: "ASSET-1"})
	assert.ErrorIs(t, err, chain.ErrInvalidChange)

	c := change("ASSET-1", nil, chain.Val("alice"))
	c.Metadata = map[string]any{"source": "ui", "origin": map[string]any{"app": "ui"}}
	_, err = w.Append(context.Background(), c)
	assert.ErrorIs(t, err, chain.ErrInvalidChange)
	assert.ErrorContains(t, err, `"origin"`)
}

func TestValidateMetadata(t *testing.T) {
	valid := map[string]any{
		"source": "ui", "ticket": 4412, "ratio": 0.5, "bulk": true,
		"count": uint8(3), "raw": json.Number("12"), "note": nil,
	}
	assert.NoError(t, chain.ValidateMetadata(valid))
	assert.NoError(t, chain.ValidateMetadata(nil))

	for name, v := range map[string]any{
		"object":  map[string]any{"a": 1},
		"array":   []any{"a"},
		"strings": []string{"a"},
		"pointer": chain.Val("x"),
		"struct":  chain.Actor{ID: "u"},
	} {
		err := chain.ValidateMetadata(map[string]any{"k": v})
		assert.ErrorIs(t, err, chain.ErrInvalidChange, name)
	}
}

func TestScenario_AssetReassignmentAndTamper(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	w := chain.NewWriter(mem)
	v := chain.NewVerifier(mem)

	first, err := w.Append(ctx, change("ASSET-1", nil, chain.Val("alice")))
	require.NoError(t, err)
	_, err = w.Append(ctx, change("ASSET-1", chain.Val("alice"), chain.Val("bob")))
	require.NoError(t, err)

	res, err := v.Verify(ctx, "ASSET-1")
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Equal(t, 2, res.TotalRecords)
	assert.Equal(t, 2, res.VerifiedCount)
	assert.Nil(t, res.BrokenAtSequence)

	require.NoError(t, mem.Overwrite("ASSET-1", 0, func(r *chain.Record) {
		r.NewValue = chain.Val("mallory")
	}))

	res, err = v.Verify(ctx, "ASSET-1")
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	require.NotNil(t, res.BrokenAtSequence)
	assert.Equal(t, uint64(0), *res.BrokenAtSequence)
	assert.Equal(t, chain.ReasonDigestMismatch, res.Reason)
	assert.Equal(t, 0, res.VerifiedCount)
	assert.Equal(t, first.CurrentDigest, res.ActualDigest)
}

func TestVerify_EmptyChainIsValid(t *testing.T) {
	res, err := chain.NewVerifier(store.NewMemory()).Verify(context.Background(), "never-touched")
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Zero(t, res.TotalRecords)
	assert.Zero(t, res.VerifiedCount)
}

// buildChain appends n reassignments to one entity.
func buildChain(t *testing.T, mem *store.Memory, entity string, n int) {
	t.Helper()
	w := chain.NewWriter(mem)
	var prev *string
	for i := 0; i < n; i++ {
		next := chain.Val(fmt.Sprintf("user-%d", i))
		_, err := w.Append(context.Background(), change(entity, prev, next))
		require.NoError(t, err)
		prev = next
	}
}

func TestVerify_TamperAnyFieldAtAnyIndex(t *testing.T) {
	mutations := map[string]func(r *chain.Record){
		"old value":   func(r *chain.Record) { r.OldValue = chain.Val("forged") },
		"new value":   func(r *chain.Record) { r.NewValue = nil },
		"field":       func(r *chain.Record) { r.FieldName = "location" },
		"actor":       func(r *chain.Record) { r.ActorEmail = "mallory@example.com" },
		"timestamp":   func(r *chain.Record) { r.Timestamp = r.Timestamp.Add(-time.Hour) },
		"digest":      func(r *chain.Record) { r.CurrentDigest = "00" },
		"entity":      func(r *chain.Record) { r.EntityID = "ASSET-X" },
		"prev digest": func(r *chain.Record) { r.PreviousDigest = "ff" },
	}

	for name, mutate := range mutations {
		for _, idx := range []uint64{0, 2, 4} {
			t.Run(fmt.Sprintf("%s@%d", name, idx), func(t *testing.T) {
				mem := store.NewMemory()
				buildChain(t, mem, "ASSET-1", 5)
				require.NoError(t, mem.Overwrite("ASSET-1", idx, mutate))

				res, err := chain.NewVerifier(mem).Verify(context.Background(), "ASSET-1")
				require.NoError(t, err)
				assert.False(t, res.IsValid)
				require.NotNil(t, res.BrokenAtSequence)
				assert.Equal(t, idx, *res.BrokenAtSequence)
				assert.Equal(t, int(idx), res.VerifiedCount)
				assert.Equal(t, 5, res.TotalRecords)
			})
		}
	}
}

func TestVerify_RehashedRecordBreaksLink(t *testing.T) {
	mem := store.NewMemory()
	buildChain(t, mem, "ASSET-1", 3)

	// An attacker who rewrites record 1 and recomputes its digest still
	// breaks the link from record 2.
	require.NoError(t, mem.Overwrite("ASSET-1", 1, func(r *chain.Record) {
		r.NewValue = chain.Val("mallory")
		r.CurrentDigest = chain.ComputeDigest(r)
	}))

	res, err := chain.NewVerifier(mem).Verify(context.Background(), "ASSET-1")
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	require.NotNil(t, res.BrokenAtSequence)
	assert.Equal(t, uint64(2), *res.BrokenAtSequence)
	assert.Equal(t, chain.ReasonLinkMismatch, res.Reason)
}

func TestVerify_SequenceGap(t *testing.T) {
	mem := store.NewMemory()
	buildChain(t, mem, "ASSET-1", 3)

	require.NoError(t, mem.Overwrite("ASSET-1", 1, func(r *chain.Record) {
		r.Sequence = 7
		r.CurrentDigest = chain.ComputeDigest(r)
	}))

	res, err := chain.NewVerifier(mem).Verify(context.Background(), "ASSET-1")
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	require.NotNil(t, res.BrokenAtSequence)
	assert.Equal(t, uint64(1), *res.BrokenAtSequence)
	assert.Equal(t, chain.ReasonSequenceGap, res.Reason)
	assert.Empty(t, res.ExpectedDigest, "a gap compares sequences, not digests")
	assert.Empty(t, res.ActualDigest)
	require.NotNil(t, res.ExpectedSequence)
	require.NotNil(t, res.ActualSequence)
	assert.Equal(t, uint64(1), *res.ExpectedSequence)
	assert.Equal(t, uint64(7), *res.ActualSequence)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"expected_sequence":1`)
	assert.Contains(t, string(data), `"actual_sequence":7`)
	assert.NotContains(t, string(data), "expected_digest")
}

func TestAppend_ConcurrentSameEntity(t *testing.T) {
	const n = 50
	ctx := context.Background()
	mem := store.NewMemory()
	w := chain.NewWriter(mem)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := w.Append(ctx, change("ASSET-1", nil, chain.Val(fmt.Sprintf("user-%d", i))))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	recs, err := mem.GetAllOrdered(ctx, "ASSET-1")
	require.NoError(t, err)
	require.Len(t, recs, n)
	for i, r := range recs {
		assert.Equal(t, uint64(i), r.Sequence)
	}

	res, err := chain.NewVerifier(mem).Verify(ctx, "ASSET-1")
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Equal(t, n, res.VerifiedCount)
}

// gatedStore blocks GetTail for one entity until the gate is opened.
type gatedStore struct {
	*store.Memory
	entity  string
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedStore(entity string) *gatedStore {
	return &gatedStore{
		Memory:  store.NewMemory(),
		entity:  entity,
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (g *gatedStore) GetTail(ctx context.Context, entityID string) (*chain.Record, error) {
	if entityID == g.entity {
		g.once.Do(func() { close(g.entered) })
		<-g.gate
	}
	return g.Memory.GetTail(ctx, entityID)
}

func TestAppend_DifferentEntitiesDoNotBlock(t *testing.T) {
	ctx := context.Background()
	gs := newGatedStore("ASSET-A")
	w := chain.NewWriter(gs)

	doneA := make(chan error, 1)
	go func() {
		_, err := w.Append(ctx, change("ASSET-A", nil, chain.Val("alice")))
		doneA <- err
	}()
	<-gs.entered

	// A is parked inside its critical section; B must still go through.
	recB, err := w.Append(ctx, change("ASSET-B", nil, chain.Val("bob")))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), recB.Sequence)

	close(gs.gate)
	require.NoError(t, <-doneA)

	for _, id := range []string{"ASSET-A", "ASSET-B"} {
		recs, err := gs.GetAllOrdered(ctx, id)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, id, recs[0].EntityID)
	}
}

func TestAppend_LockTimeoutWritesNothing(t *testing.T) {
	ctx := context.Background()
	gs := newGatedStore("ASSET-A")
	w := chain.NewWriter(gs, chain.WithLockTimeout(30*time.Millisecond))

	doneA := make(chan error, 1)
	go func() {
		_, err := w.Append(ctx, change("ASSET-A", nil, chain.Val("alice")))
		doneA <- err
	}()
	<-gs.entered

	_, err := w.Append(ctx, change("ASSET-A", chain.Val("alice"), chain.Val("bob")))
	assert.ErrorIs(t, err, chain.ErrBusy)

	close(gs.gate)
	require.NoError(t, <-doneA)

	recs, err := gs.GetAllOrdered(ctx, "ASSET-A")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

// racingStore simulates another process appending between our tail read
// and our write.
type racingStore struct {
	*store.Memory
	races int
}

func (r *racingStore) AppendIfTailMatches(ctx context.Context, entityID, expectedTail string, rec chain.Record) error {
	if r.races > 0 {
		r.races--
		other := chain.NewWriter(r.Memory)
		if _, err := other.Append(ctx, change(entityID, nil, chain.Val("intruder"))); err != nil {
			return err
		}
	}
	return r.Memory.AppendIfTailMatches(ctx, entityID, expectedTail, rec)
}

func TestAppend_ConflictWritesNothing(t *testing.T) {
	ctx := context.Background()
	rs := &racingStore{Memory: store.NewMemory(), races: 1}
	w := chain.NewWriter(rs)

	_, err := w.Append(ctx, change("ASSET-1", nil, chain.Val("alice")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, chain.ErrConflict))

	recs, err := rs.GetAllOrdered(ctx, "ASSET-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "intruder", *recs[0].NewValue)

	// A fresh attempt reads the new tail and succeeds.
	rec, err := w.Append(ctx, change("ASSET-1", nil, chain.Val("alice")))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Equal(t, recs[0].CurrentDigest, rec.PreviousDigest)
}

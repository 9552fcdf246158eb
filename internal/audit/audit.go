// Package audit is the entry point other subsystems use to record and
// check field changes on tracked entities (assets, users, procurement
// records).
//
// It orchestrates the chain package: RecordChange delegates to the chain
// Writer with a bounded retry on write conflicts, VerifyChain delegates to
// the Verifier and raises a security event on any break, and the list and
// statistics operations read from the store without verifying.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/assetledger/auditchain/internal/chain"
	"github.com/assetledger/auditchain/internal/fieldset"
)

// Defaults for Options fields left at zero.
const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 50 * time.Millisecond
	DefaultTopActors    = 10
	RecentWindow        = 7 * 24 * time.Hour
)

// Backend is a store that can both hold chains and answer queries.
type Backend interface {
	chain.Store
	chain.Querier
}

// Options holds the dependencies and tuning of a Service.
type Options struct {
	Backend Backend

	// Fields selects which fields TrackChanges records. Nil records none.
	Fields *fieldset.Set

	MaxAttempts  int
	RetryBackoff time.Duration
	LockTimeout  time.Duration

	// OnRecord fires after every persisted record, e.g. to feed the
	// websocket live view. Must not block.
	OnRecord func(chain.Record)

	// OnCorruption fires when verification finds a broken chain.
	OnCorruption func(chain.VerificationResult)

	// Clock overrides time.Now for records and the statistics window.
	Clock func() time.Time
}

// ChangeRequest is one observed field change.
type ChangeRequest struct {
	EntityID string
	Field    string
	OldValue *string
	NewValue *string
	Actor    chain.Actor
	Metadata map[string]any
}

// Receipt identifies a persisted record.
type Receipt struct {
	Field    string `json:"field"`
	Hash     string `json:"hash"`
	Sequence uint64 `json:"sequence"`
}

// ChainView is an entity's chain together with its verification result.
type ChainView struct {
	EntityID     string                   `json:"entity_id"`
	TotalChanges int                      `json:"total_changes"`
	Records      []chain.Record           `json:"records"`
	Verification chain.VerificationResult `json:"verification"`
}

// Service is the audit facade.
type Service struct {
	backend      Backend
	writer       *chain.Writer
	verifier     *chain.Verifier
	fields       *fieldset.Set
	maxAttempts  int
	retryBackoff time.Duration
	onRecord     func(chain.Record)
	onCorruption func(chain.VerificationResult)
	now          func() time.Time
}

// New creates a Service. Backend is required.
func New(opts Options) (*Service, error) {
	if opts.Backend == nil {
		return nil, errors.New("audit: backend is required")
	}

	s := &Service{
		backend:      opts.Backend,
		verifier:     chain.NewVerifier(opts.Backend),
		fields:       opts.Fields,
		maxAttempts:  opts.MaxAttempts,
		retryBackoff: opts.RetryBackoff,
		onRecord:     opts.OnRecord,
		onCorruption: opts.OnCorruption,
		now:          opts.Clock,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.retryBackoff <= 0 {
		s.retryBackoff = DefaultRetryBackoff
	}
	if s.now == nil {
		s.now = time.Now
	}

	writerOpts := []chain.WriterOption{chain.WithClock(s.now)}
	if opts.LockTimeout != 0 {
		writerOpts = append(writerOpts, chain.WithLockTimeout(opts.LockTimeout))
	}
	s.writer = chain.NewWriter(opts.Backend, writerOpts...)
	return s, nil
}

// Fields returns the audited field set, possibly nil.
func (s *Service) Fields() *fieldset.Set {
	return s.fields
}

// RecordChange appends one change to the entity's chain. Write conflicts
// are retried with exponential backoff up to the configured attempts;
// every other error is returned as-is.
func (s *Service) RecordChange(ctx context.Context, req ChangeRequest) (Receipt, error) {
	change := chain.Change{
		EntityID:  req.EntityID,
		FieldName: req.Field,
		OldValue:  req.OldValue,
		NewValue:  req.NewValue,
		Actor:     req.Actor,
		Metadata:  req.Metadata,
	}

	backoff := s.retryBackoff
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rec, err := s.writer.Append(ctx, change)
		if err == nil {
			if s.onRecord != nil {
				s.onRecord(rec)
			}
			return Receipt{Field: rec.FieldName, Hash: rec.CurrentDigest, Sequence: rec.Sequence}, nil
		}
		if !errors.Is(err, chain.ErrConflict) {
			return Receipt{}, err
		}

		lastErr = err
		slog.Warn("audit append conflict, retrying",
			"entity", req.EntityID, "field", req.Field, "attempt", attempt, "error", err)
		if attempt == s.maxAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Receipt{}, fmt.Errorf("recording change for %q: %w", req.EntityID, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
	return Receipt{}, fmt.Errorf("recording change for %q: gave up after %d attempts: %w",
		req.EntityID, s.maxAttempts, lastErr)
}

// TrackChanges diffs two snapshots of an entity and records one change per
// audited field that differs, in field name order. It stops at the first
// failure and returns the receipts recorded so far.
func (s *Service) TrackChanges(ctx context.Context, entityID string, before, after map[string]*string, actor chain.Actor, metadata map[string]any) ([]Receipt, error) {
	if s.fields == nil {
		return []Receipt{}, nil
	}

	receipts := []Receipt{}
	for _, d := range s.fields.Diff(before, after) {
		r, err := s.RecordChange(ctx, ChangeRequest{
			EntityID: entityID,
			Field:    d.Field,
			OldValue: d.OldValue,
			NewValue: d.NewValue,
			Actor:    actor,
			Metadata: metadata,
		})
		if err != nil {
			return receipts, err
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

// VerifyChain replays the entity's chain. A broken chain is logged as a
// security event and reported through OnCorruption in addition to being
// returned.
func (s *Service) VerifyChain(ctx context.Context, entityID string) (chain.VerificationResult, error) {
	res, err := s.verifier.Verify(ctx, entityID)
	if err != nil {
		return chain.VerificationResult{}, err
	}
	s.reportResult(res)
	return res, nil
}

// ChainWithVerification returns the full chain and verifies it in the
// same pass over one snapshot.
func (s *Service) ChainWithVerification(ctx context.Context, entityID string) (ChainView, error) {
	recs, err := s.backend.GetAllOrdered(ctx, entityID)
	if err != nil {
		return ChainView{}, fmt.Errorf("reading chain of %q: %w", entityID, err)
	}
	if recs == nil {
		recs = []chain.Record{}
	}
	res := chain.VerifyRecords(entityID, recs)
	s.reportResult(res)
	return ChainView{
		EntityID:     entityID,
		TotalChanges: len(recs),
		Records:      recs,
		Verification: res,
	}, nil
}

// ListChanges returns a page of the entity's records in sequence order,
// without verifying them.
func (s *Service) ListChanges(ctx context.Context, entityID string, skip, limit int) ([]chain.Record, error) {
	return s.backend.List(ctx, entityID, skip, limit)
}

// ChangesByActor returns the actor's records, newest first.
func (s *Service) ChangesByActor(ctx context.Context, actorID string, skip, limit int) ([]chain.Record, error) {
	return s.backend.ByActor(ctx, actorID, skip, limit)
}

// RecentChanges returns the newest records across all entities,
// optionally filtered to one field.
func (s *Service) RecentChanges(ctx context.Context, field string, limit int) ([]chain.Record, error) {
	return s.backend.Recent(ctx, field, limit)
}

// Statistics counts records overall, within the last seven days, per
// field, and for the most active actors.
func (s *Service) Statistics(ctx context.Context) (chain.Stats, error) {
	return s.backend.Stats(ctx, s.now().Add(-RecentWindow), DefaultTopActors)
}

func (s *Service) reportResult(res chain.VerificationResult) {
	if res.IsValid {
		return
	}
	var brokenAt uint64
	if res.BrokenAtSequence != nil {
		brokenAt = *res.BrokenAtSequence
	}
	attrs := []any{
		"security_event", "audit_chain_tampered",
		"entity", res.EntityID,
		"broken_at", brokenAt,
		"reason", res.Reason,
	}
	if res.ExpectedSequence != nil && res.ActualSequence != nil {
		attrs = append(attrs, "expected_seq", *res.ExpectedSequence, "actual_seq", *res.ActualSequence)
	} else {
		attrs = append(attrs, "expected", res.ExpectedDigest, "actual", res.ActualDigest)
	}
	attrs = append(attrs, "verified", res.VerifiedCount, "total", res.TotalRecords)
	slog.Error("SECURITY: audit chain integrity violation", attrs...)
	if s.onCorruption != nil {
		s.onCorruption(res)
	}
}

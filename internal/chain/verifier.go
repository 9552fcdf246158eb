package chain

import (
	"context"
	"fmt"
)

// Reasons reported by Verify when a chain is broken.
const (
	ReasonSequenceGap    = "sequence gap"
	ReasonDigestMismatch = "digest mismatch"
	ReasonLinkMismatch   = "chain-link mismatch"
)

// VerificationResult is the outcome of replaying one entity's chain.
// A broken chain is a normal result, not an error.
type VerificationResult struct {
	EntityID         string  `json:"entity_id"`
	IsValid          bool    `json:"is_valid"`
	TotalRecords     int     `json:"total_records"`
	VerifiedCount    int     `json:"verified_count"`
	BrokenAtSequence *uint64 `json:"broken_at_sequence,omitempty"`
	Reason           string  `json:"reason,omitempty"`
	ExpectedDigest   string  `json:"expected_digest,omitempty"`
	ActualDigest     string  `json:"actual_digest,omitempty"`

	// Set only for a sequence gap, where no digest comparison took place.
	ExpectedSequence *uint64 `json:"expected_sequence,omitempty"`
	ActualSequence   *uint64 `json:"actual_sequence,omitempty"`
}

// Verifier recomputes and checks entity chains. It only reads from the
// store and holds no locks.
type Verifier struct {
	store Store
}

// NewVerifier creates a Verifier over the given store.
func NewVerifier(store Store) *Verifier {
	return &Verifier{store: store}
}

// Verify replays the entity's chain from sequence 0 and reports the first
// broken record. An entity with no records is valid. Errors are returned
// only when the store cannot be read.
func (v *Verifier) Verify(ctx context.Context, entityID string) (VerificationResult, error) {
	records, err := v.store.GetAllOrdered(ctx, entityID)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("reading chain of %q: %w", entityID, err)
	}
	return VerifyRecords(entityID, records), nil
}

// VerifyRecords checks an already loaded chain, ordered by sequence.
func VerifyRecords(entityID string, records []Record) VerificationResult {
	res := VerificationResult{
		EntityID:     entityID,
		IsValid:      true,
		TotalRecords: len(records),
	}

	expectedPrev := Genesis
	for i := range records {
		r := &records[i]
		at := uint64(i)

		if r.Sequence != at {
			res = res.broken(at, ReasonSequenceGap, "", "")
			got := r.Sequence
			res.ExpectedSequence, res.ActualSequence = &at, &got
			return res
		}

		if computed := ComputeDigest(r); computed != r.CurrentDigest {
			return res.broken(at, ReasonDigestMismatch, computed, r.CurrentDigest)
		}

		if prev := previousOrGenesis(r.PreviousDigest); prev != expectedPrev {
			return res.broken(at, ReasonLinkMismatch, expectedPrev, prev)
		}

		expectedPrev = r.CurrentDigest
		res.VerifiedCount++
	}
	return res
}

func (res VerificationResult) broken(at uint64, reason, expected, actual string) VerificationResult {
	res.IsValid = false
	res.BrokenAtSequence = &at
	res.Reason = reason
	res.ExpectedDigest = expected
	res.ActualDigest = actual
	return res
}

// Package chain implements the per-entity, hash-linked audit chain.
//
// Every change to an audited field of an entity is recorded as a Record
// whose digest covers its own fields and the digest of the record before
// it. Altering any stored record breaks the chain from that record forward,
// which Verifier detects by replaying the chain from sequence 0.
//
// Canonical encoding, in this order:
//
//	entity_id ; sequence ; field_name ; old_value ; new_value ;
//	actor_id ; actor_email ; timestamp_ms ; previous_digest ;
//
// String fields are length-prefixed ("5:alice"). An absent old or new value
// is the token "~", which no length-prefixed field can start with, so it
// never collides with a present empty string ("0:").
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"
)

// absentValue encodes a nil old/new value.
const absentValue = "~"

// ComputeDigest calculates the SHA-256 digest of a record. CurrentDigest
// and Metadata are not covered. Returns lowercase hex.
func ComputeDigest(r *Record) string {
	h := sha256.New()
	writeField(h, r.EntityID)
	writeToken(h, strconv.FormatUint(r.Sequence, 10))
	writeField(h, r.FieldName)
	writeOptional(h, r.OldValue)
	writeOptional(h, r.NewValue)
	writeField(h, r.ActorID)
	writeField(h, r.ActorEmail)
	writeToken(h, strconv.FormatInt(r.Timestamp.UnixMilli(), 10))
	writeField(h, previousOrGenesis(r.PreviousDigest))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	h.Write([]byte(strconv.Itoa(len(s))))
	h.Write([]byte{':'})
	h.Write([]byte(s))
	h.Write([]byte{';'})
}

func writeOptional(h hash.Hash, s *string) {
	if s == nil {
		writeToken(h, absentValue)
		return
	}
	writeField(h, *s)
}

// writeToken writes a value that is fixed-alphabet and cannot contain ';'.
func writeToken(h hash.Hash, s string) {
	h.Write([]byte(s))
	h.Write([]byte{';'})
}

func previousOrGenesis(prev string) string {
	if prev == "" {
		return Genesis
	}
	return prev
}

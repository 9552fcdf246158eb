package chain

import (
	"testing"
	"time"
)

func baseRecord() Record {
	return Record{
		EntityID:       "ASSET-1",
		Sequence:       1,
		FieldName:      "assignedTo",
		OldValue:       Val("alice"),
		NewValue:       Val("bob"),
		ActorID:        "u-1",
		ActorEmail:     "admin@example.com",
		Timestamp:      time.Date(2026, 2, 12, 10, 0, 0, 123_000_000, time.UTC),
		PreviousDigest: "abc",
	}
}

func TestComputeDigest_Deterministic(t *testing.T) {
	r := baseRecord()

	d1 := ComputeDigest(&r)
	d2 := ComputeDigest(&r)

	if d1 != d2 {
		t.Error("same input should produce the same digest")
	}
	if len(d1) != 64 {
		t.Errorf("digest should be 64 hex chars, got %d (%q)", len(d1), d1)
	}
}

func TestComputeDigest_SensitiveToAllFields(t *testing.T) {
	base := baseRecord()
	baseDigest := ComputeDigest(&base)

	tests := []struct {
		name   string
		modify func(r *Record)
	}{
		{"entity", func(r *Record) { r.EntityID = "ASSET-2" }},
		{"sequence", func(r *Record) { r.Sequence = 2 }},
		{"field", func(r *Record) { r.FieldName = "location" }},
		{"old value", func(r *Record) { r.OldValue = Val("carol") }},
		{"new value", func(r *Record) { r.NewValue = Val("mallory") }},
		{"actor id", func(r *Record) { r.ActorID = "u-2" }},
		{"actor email", func(r *Record) { r.ActorEmail = "other@example.com" }},
		{"timestamp", func(r *Record) { r.Timestamp = r.Timestamp.Add(time.Millisecond) }},
		{"previous digest", func(r *Record) { r.PreviousDigest = "xyz" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base
			tt.modify(&modified)
			if ComputeDigest(&modified) == baseDigest {
				t.Errorf("changing %s should produce a different digest", tt.name)
			}
		})
	}
}

func TestComputeDigest_IgnoresDigestAndMetadata(t *testing.T) {
	base := baseRecord()
	want := ComputeDigest(&base)

	r := base
	r.CurrentDigest = "whatever"
	r.Metadata = map[string]any{"ticket": "IT-42"}
	r.ID = "some-id"

	if got := ComputeDigest(&r); got != want {
		t.Errorf("id, current digest and metadata must not affect the digest")
	}
}

func TestComputeDigest_AbsentDiffersFromEmpty(t *testing.T) {
	absent := baseRecord()
	absent.OldValue = nil

	empty := baseRecord()
	empty.OldValue = Val("")

	if ComputeDigest(&absent) == ComputeDigest(&empty) {
		t.Error("absent old value must not hash like an empty string")
	}

	// The sentinel itself as a literal value must not collide either.
	literal := baseRecord()
	literal.OldValue = Val(absentValue)
	if ComputeDigest(&absent) == ComputeDigest(&literal) {
		t.Error("absent old value must not hash like the literal sentinel")
	}
}

func TestComputeDigest_NoConcatenationAmbiguity(t *testing.T) {
	a := baseRecord()
	a.OldValue, a.NewValue = Val("ab"), Val("c")

	b := baseRecord()
	b.OldValue, b.NewValue = Val("a"), Val("bc")

	if ComputeDigest(&a) == ComputeDigest(&b) {
		t.Error(`"ab"+"c" and "a"+"bc" must hash differently`)
	}

	// Delimiters inside values are harmless.
	c := baseRecord()
	c.OldValue, c.NewValue = Val("a;1:b"), Val("")
	d := baseRecord()
	d.OldValue, d.NewValue = Val("a"), Val("b")
	if ComputeDigest(&c) == ComputeDigest(&d) {
		t.Error("delimiter characters inside values must not shift field boundaries")
	}
}

func TestComputeDigest_EmptyPreviousIsGenesis(t *testing.T) {
	a := baseRecord()
	a.PreviousDigest = ""
	b := baseRecord()
	b.PreviousDigest = Genesis

	if ComputeDigest(&a) != ComputeDigest(&b) {
		t.Error("empty previous digest should be treated as GENESIS")
	}
}

func TestComputeDigest_MillisecondResolution(t *testing.T) {
	a := baseRecord()
	b := baseRecord()
	b.Timestamp = b.Timestamp.Add(400 * time.Microsecond)

	if ComputeDigest(&a) != ComputeDigest(&b) {
		t.Error("sub-millisecond differences should not affect the digest")
	}

	// Same instant in another zone.
	c := baseRecord()
	c.Timestamp = c.Timestamp.In(time.FixedZone("UTC+9", 9*3600))
	if ComputeDigest(&a) != ComputeDigest(&c) {
		t.Error("time zone should not affect the digest")
	}
}

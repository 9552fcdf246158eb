package fieldset

import (
	"testing"
)

func val(s string) *string { return &s }

func TestMatches(t *testing.T) {
	s, err := New([]string{"assignedTo", "location.*", "custom.**", "{status,statusReason}"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		field string
		want  bool
	}{
		{"assignedTo", true},
		{"assignedto", false},
		{"location.site", true},
		{"location.site.room", false},
		{"custom.a.b.c", true},
		{"status", true},
		{"statusReason", true},
		{"name", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := s.Matches(tt.field); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.field, got, tt.want)
		}
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	if _, err := New([]string{"location.[a-"}); err == nil {
		t.Error("expected error for invalid glob")
	}
}

func TestReload_KeepsPreviousOnError(t *testing.T) {
	s, err := New([]string{"assignedTo"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Reload([]string{"status", "[bad"}); err == nil {
		t.Fatal("expected reload error")
	}
	if !s.Matches("assignedTo") || s.Matches("status") {
		t.Error("failed reload should keep the previous patterns")
	}

	if err := s.Reload([]string{"status"}); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if s.Matches("assignedTo") || !s.Matches("status") {
		t.Error("successful reload should replace the patterns")
	}
	if got := s.Patterns(); len(got) != 1 || got[0] != "status" {
		t.Errorf("Patterns() = %v", got)
	}
}

func TestDiff(t *testing.T) {
	s, err := New([]string{"assignedTo", "serial", "notes", "location.*"})
	if err != nil {
		t.Fatal(err)
	}

	before := map[string]*string{
		"assignedTo":    val("alice"),
		"serial":        val("SN-1"),
		"notes":         val(""),
		"name":          val("Laptop"),
		"location.site": val("HQ"),
	}
	after := map[string]*string{
		"assignedTo":    val("bob"),
		"serial":        val("SN-1"),
		"notes":         nil,
		"name":          val("Desktop"),
		"location.room": val("4.12"),
	}

	diffs := s.Diff(before, after)
	want := []struct {
		field    string
		old, new *string
	}{
		{"assignedTo", val("alice"), val("bob")},
		{"location.room", nil, val("4.12")},
		{"location.site", val("HQ"), nil},
		{"notes", val(""), nil},
	}
	if len(diffs) != len(want) {
		t.Fatalf("expected %d diffs, got %d: %+v", len(want), len(diffs), diffs)
	}
	for i, w := range want {
		d := diffs[i]
		if d.Field != w.field {
			t.Errorf("diff %d: field %q, want %q", i, d.Field, w.field)
		}
		if !equalValues(d.OldValue, w.old) || !equalValues(d.NewValue, w.new) {
			t.Errorf("diff %d (%s): values %v -> %v", i, d.Field, d.OldValue, d.NewValue)
		}
	}
}

func TestDiff_NoChanges(t *testing.T) {
	s, err := New([]string{"*"})
	if err != nil {
		t.Fatal(err)
	}
	m := map[string]*string{"a": val("1"), "b": nil}
	if diffs := s.Diff(m, map[string]*string{"a": val("1")}); len(diffs) != 0 {
		t.Errorf("expected no diffs, got %+v", diffs)
	}
}

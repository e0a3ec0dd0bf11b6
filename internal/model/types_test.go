package model

import (
	"errors"
	"testing"
)

var makePlank = Process{
	Name:     "make_plank",
	Need:     map[string]int{"wood": 2},
	Output:   map[string]int{"plank": 1},
	Duration: 5,
}

func TestAvailableAndApply(t *testing.T) {
	l := Ledger{"wood": 10}
	if !Available(makePlank, l) {
		t.Fatalf("expected make_plank available with wood=10")
	}
	if err := Apply(makePlank, l); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if l["wood"] != 8 || l["plank"] != 1 {
		t.Fatalf("unexpected ledger after apply: %v", l)
	}
}

func TestApplyWithoutAvailability(t *testing.T) {
	l := Ledger{"wood": 1}
	if Available(makePlank, l) {
		t.Fatalf("expected make_plank unavailable with wood=1")
	}
	err := Apply(makePlank, l)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if l["wood"] != 1 || l["plank"] != 0 {
		t.Fatalf("ledger mutated by failed apply: %v", l)
	}
}

func TestApplySelfFeeding(t *testing.T) {
	// A process may consume and produce the same resource.
	p := Process{Name: "refine", Need: map[string]int{"ore": 3}, Output: map[string]int{"ore": 1, "metal": 2}, Duration: 1}
	l := Ledger{"ore": 3}
	if err := Apply(p, l); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if l["ore"] != 1 || l["metal"] != 2 {
		t.Fatalf("unexpected net effect: %v", l)
	}
}

func TestLedgerCloneIndependent(t *testing.T) {
	l := Ledger{"wood": 10}
	c := l.Clone()
	c["wood"] = 0
	c["plank"] = 7
	if l["wood"] != 10 || l["plank"] != 0 {
		t.Fatalf("clone aliases original: %v", l)
	}
}

func TestScheduleTotalDuration(t *testing.T) {
	cat := Catalogue{makePlank}
	s := Schedule{"make_plank", "nope", "make_plank"}
	if d := s.TotalDuration(cat); d != 10 {
		t.Fatalf("total duration = %d, want 10", d)
	}
}

func TestTraceRoundTrip(t *testing.T) {
	tr := Trace{{0, "make_plank"}, {5, "make_plank"}, {10, "saw"}}
	text := tr.String() + "# no more process doable at cycle 15\n"
	got, err := ParseTrace(text)
	if err != nil {
		t.Fatalf("parse trace: %v", err)
	}
	if len(got) != 3 || got[2] != (TraceEntry{10, "saw"}) {
		t.Fatalf("unexpected trace: %v", got)
	}
	if got.Schedule()[0] != "make_plank" {
		t.Fatalf("unexpected schedule: %v", got.Schedule())
	}
}

func TestParseTraceRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"5", "x:y:z:", "-1:proc", "5:"} {
		if _, err := ParseTrace(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

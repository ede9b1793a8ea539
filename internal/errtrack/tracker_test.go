package errtrack

import (
	"errors"
	"testing"
	"time"
)

func TestRecordAggregatesDuplicates(t *testing.T) {
	tr := New(10)
	tr.Record("worker", "timeout", "sig-1")
	tr.Record("worker", "timeout", "sig-2")
	tr.Record("executor", "no quote", "")

	recent := tr.Recent()
	if len(recent) != 2 {
		t.Fatalf("got %d entries, want 2", len(recent))
	}
	if tr.Total() != 3 {
		t.Errorf("total = %d, want 3", tr.Total())
	}
	for _, e := range recent {
		if e.Component == "worker" {
			if e.Count != 2 || e.SignalID != "sig-2" {
				t.Errorf("aggregated entry wrong: %+v", e)
			}
		}
	}
}

func TestRetentionCapEvictsOldest(t *testing.T) {
	tr := New(2)
	tr.Record("a", "one", "")
	tr.Record("b", "two", "")
	tr.Record("c", "three", "")

	recent := tr.Recent()
	if len(recent) != 2 {
		t.Fatalf("got %d entries, want 2", len(recent))
	}
	for _, e := range recent {
		if e.Component == "a" {
			t.Error("oldest entry should have been evicted")
		}
	}
}

func TestRecentOrdersByLastSeen(t *testing.T) {
	tr := New(10)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	tr.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	tr.Record("a", "first", "")
	tr.Record("b", "second", "")
	tr.Record("a", "first", "")

	recent := tr.Recent()
	if recent[0].Component != "a" {
		t.Errorf("most recently seen should sort first, got %s", recent[0].Component)
	}
}

func TestRecordErrIgnoresNil(t *testing.T) {
	tr := New(10)
	tr.RecordErr("worker", nil)
	tr.RecordErr("worker", errors.New("boom"))
	if tr.Total() != 1 {
		t.Errorf("total = %d, want 1", tr.Total())
	}
}

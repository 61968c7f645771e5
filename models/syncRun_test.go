package models

import (
	"testing"
	"time"
)

func TestSyncRunKey_NormalizesToUTC(t *testing.T) {
	yangon := time.FixedZone("MMT", 6*3600+1800)
	start := time.Date(2026, 8, 1, 6, 30, 0, 0, yangon)
	end := time.Date(2026, 8, 2, 6, 30, 0, 0, yangon)

	key := SyncRunKey("bar-001", SourcePosPro, DataTypeSales, start, end)
	want := "bar-001|pospro|sales|2026-08-01T00:00:00Z|2026-08-02T00:00:00Z"
	if key != want {
		t.Fatalf("key=%q, want %q", key, want)
	}

	// the same window expressed in UTC yields the same key
	if got := SyncRunKey("bar-001", SourcePosPro, DataTypeSales, start.UTC(), end.UTC()); got != key {
		t.Fatalf("UTC window key=%q differs from zoned key %q", got, key)
	}
}

func TestSyncRunKey_DistinguishesDimensions(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	base := SyncRunKey("bar-001", SourcePosPro, DataTypeSales, start, end)
	variants := []string{
		SyncRunKey("bar-002", SourcePosPro, DataTypeSales, start, end),
		SyncRunKey("bar-001", SourceLedgerly, DataTypeSales, start, end),
		SyncRunKey("bar-001", SourcePosPro, DataTypePayments, start, end),
		SyncRunKey("bar-001", SourcePosPro, DataTypeSales, start.Add(time.Hour), end),
		SyncRunKey("bar-001", SourcePosPro, DataTypeSales, start, end.Add(time.Hour)),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collides with base key %q", i, base)
		}
	}
}

// MySQL applies SET clauses left to right, so the LWW guard column has to be
// assigned after every column whose IF reads it. A map-backed assignment list
// would sort alphabetically and put source_updated_at before updated_at.
func TestCanonicalUpsertAssignmentOrder(t *testing.T) {
	set := canonicalUpsertAssignments()
	if len(set) != len(canonicalUpsertColumns) {
		t.Fatalf("expected %d assignments, got %d", len(canonicalUpsertColumns), len(set))
	}
	for i, a := range set {
		if a.Column.Name != canonicalUpsertColumns[i] {
			t.Fatalf("assignment %d is %q, want %q", i, a.Column.Name, canonicalUpsertColumns[i])
		}
	}
	if last := set[len(set)-1].Column.Name; last != "source_updated_at" {
		t.Fatalf("source_updated_at must be assigned last, got %q", last)
	}
	for _, a := range set[:len(set)-1] {
		if a.Column.Name == "source_updated_at" {
			t.Fatal("source_updated_at assigned before dependent columns")
		}
	}
}

func TestIsTerminalRunStatus(t *testing.T) {
	terminal := []string{SyncRunStatusCompleted, SyncRunStatusPartial, SyncRunStatusFailed}
	for _, s := range terminal {
		if !IsTerminalRunStatus(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
	inflight := []string{SyncRunStatusPending, SyncRunStatusCollecting, SyncRunStatusCollected, SyncRunStatusProcessing, ""}
	for _, s := range inflight {
		if IsTerminalRunStatus(s) {
			t.Fatalf("%q should not be terminal", s)
		}
	}
}

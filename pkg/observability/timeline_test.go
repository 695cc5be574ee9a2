package observability

import (
	"testing"
	"time"
)

func TestTimelineRecord(t *testing.T) {
	tl := NewTimeline()
	err := tl.Record(TimelineEntry{
		Kind:          KindIngest,
		CorrelationID: "corr-1",
		Tenant:        "t1",
		Summary:       "command accepted",
	})
	if err != nil {
		t.Fatal(err)
	}
	if tl.Count() != 1 {
		t.Fatalf("expected 1, got %d", tl.Count())
	}
}

func TestTimelineQueryByCorrelation(t *testing.T) {
	tl := NewTimeline()
	tl.Record(TimelineEntry{Kind: KindIngest, CorrelationID: "corr-1", Tenant: "t1", Summary: "a"})
	tl.Record(TimelineEntry{Kind: KindConflict, CorrelationID: "corr-1", Tenant: "t1", Summary: "b"})
	tl.Record(TimelineEntry{Kind: KindIngest, CorrelationID: "corr-2", Tenant: "t1", Summary: "c"})

	results := tl.Query(TimelineQuery{CorrelationID: "corr-1"})
	if len(results) != 2 {
		t.Fatalf("expected 2 results for corr-1, got %d", len(results))
	}
}

func TestTimelineQueryByKind(t *testing.T) {
	tl := NewTimeline()
	tl.Record(TimelineEntry{Kind: KindIngest, CorrelationID: "corr-1", Summary: "a"})
	tl.Record(TimelineEntry{Kind: KindViolation, CorrelationID: "corr-1", Summary: "b"})
	tl.Record(TimelineEntry{Kind: KindDeadLetter, CorrelationID: "corr-1", Summary: "c"})

	kind := KindViolation
	results := tl.Query(TimelineQuery{CorrelationID: "corr-1", Kind: &kind})
	if len(results) != 1 {
		t.Fatalf("expected 1 VIOLATION, got %d", len(results))
	}
}

func TestTimelineQueryByTimeRange(t *testing.T) {
	tl := NewTimeline()
	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t3 := time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)

	tl.Record(TimelineEntry{Kind: KindIngest, Timestamp: t1, Summary: "early"})
	tl.Record(TimelineEntry{Kind: KindIngest, Timestamp: t2, Summary: "mid"})
	tl.Record(TimelineEntry{Kind: KindIngest, Timestamp: t3, Summary: "late"})

	after := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	before := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	results := tl.Query(TimelineQuery{After: &after, Before: &before})
	if len(results) != 1 {
		t.Fatalf("expected 1 entry in range, got %d", len(results))
	}
	if results[0].Summary != "mid" {
		t.Fatalf("expected 'mid', got %s", results[0].Summary)
	}
}

func TestTimelineQueryLimit(t *testing.T) {
	tl := NewTimeline()
	for i := 0; i < 10; i++ {
		tl.Record(TimelineEntry{Kind: KindIngest, Summary: "x"})
	}

	results := tl.Query(TimelineQuery{Limit: 3})
	if len(results) != 3 {
		t.Fatalf("expected 3, got %d", len(results))
	}
}

func TestTimelineContentHash(t *testing.T) {
	tl := NewTimeline()
	tl.Record(TimelineEntry{
		Kind:    KindDeadLetter,
		Summary: "message parked",
		Details: map[string]any{"subject": "cmd.t1.main.counter.increment"},
	})

	results := tl.Query(TimelineQuery{})
	if results[0].ContentHash == "" {
		t.Fatal("expected content hash")
	}
}

func TestTimelineQueryByTenant(t *testing.T) {
	tl := NewTimeline()
	tl.Record(TimelineEntry{Kind: KindIngest, Tenant: "t1", Summary: "a"})
	tl.Record(TimelineEntry{Kind: KindIngest, Tenant: "t2", Summary: "b"})
	tl.Record(TimelineEntry{Kind: KindIngest, Tenant: "t1", Summary: "c"})

	results := tl.Query(TimelineQuery{Tenant: "t1"})
	if len(results) != 2 {
		t.Fatalf("expected 2 for t1, got %d", len(results))
	}
}

func TestTimelineCapacityEviction(t *testing.T) {
	tl := NewTimeline().WithCapacity(5)
	for i := 0; i < 8; i++ {
		tl.Record(TimelineEntry{Kind: KindIngest, CorrelationID: "corr-1", Summary: "x"})
	}

	if tl.Count() != 5 {
		t.Fatalf("expected capacity 5 retained, got %d", tl.Count())
	}
	if tl.Dropped() != 3 {
		t.Fatalf("expected 3 dropped, got %d", tl.Dropped())
	}
	// Index must survive eviction with shifted positions.
	results := tl.Query(TimelineQuery{CorrelationID: "corr-1"})
	if len(results) != 5 {
		t.Fatalf("expected 5 indexed entries after eviction, got %d", len(results))
	}
	if results[0].EntryID != "tl-4" {
		t.Fatalf("expected oldest retained entry tl-4, got %s", results[0].EntryID)
	}
}

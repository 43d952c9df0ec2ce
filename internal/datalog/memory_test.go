package datalog

import (
	"context"
	"strconv"
	"sync"
	"testing"
)

func TestMemoryLoggerUpsertBySiteID(t *testing.T) {
	m := NewMemoryLogger()
	ctx := context.Background()

	_ = m.Log(ctx, "cb", Row{"SiteID": "A1", "yield": 1.0})
	_ = m.Log(ctx, "cb", Row{"SiteID": "A1", "yield": 2.0})
	_ = m.Log(ctx, "cb", Row{"SiteID": "A2", "yield": 3.0})

	frame, err := m.Fetch(ctx, "cb", true)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(frame.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(frame.Rows))
	}
	for _, r := range frame.Rows {
		if r["SiteID"] == "A1" && r["yield"] != 2.0 {
			t.Fatalf("A1 yield = %v, want 2.0 (later write should win)", r["yield"])
		}
	}
}

func TestMemoryLoggerFetchDropsWhenNotKept(t *testing.T) {
	m := NewMemoryLogger()
	ctx := context.Background()
	_ = m.Log(ctx, "cb", Row{"SiteID": "A1"})

	if _, err := m.Fetch(ctx, "cb", false); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	frame, err := m.Fetch(ctx, "cb", true)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(frame.Rows) != 0 {
		t.Fatalf("expected table to have been dropped, got %d rows", len(frame.Rows))
	}
}

func TestMemoryLoggerConcurrentWrites(t *testing.T) {
	m := NewMemoryLogger()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.Log(ctx, "stress", Row{"SiteID": siteIDFor(i), "a": 1, "b": 2, "c": 3})
		}(i)
	}
	wg.Wait()

	frame, err := m.Fetch(ctx, "stress", true)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(frame.Rows) != 100 {
		t.Fatalf("got %d rows, want 100", len(frame.Rows))
	}
}

func siteIDFor(i int) string {
	return "site-" + strconv.Itoa(i)
}

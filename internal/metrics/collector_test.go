package metrics

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCollectLogsCounters(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := NewCollector(time.Second, zap.New(core), nil)
	c.Counters().Ways.Add(3)
	c.Counters().Matches.Add(1)

	if c.Last() != nil {
		t.Fatal("no sample expected before collecting")
	}
	c.collect()
	if c.Last() == nil {
		t.Fatal("sample missing after collect")
	}

	entries := logs.FilterMessage("Progress").All()
	if len(entries) != 1 {
		t.Fatalf("got %d progress entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["ways"] != int64(3) || fields["matches"] != int64(1) {
		t.Errorf("counter fields = %v", fields)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c := NewCollector(time.Hour, zap.New(core), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if logs.FilterMessage("Metrics collection stopped").Len() != 1 {
		t.Error("missing stop message")
	}
}

func TestShortIntervalFallsBack(t *testing.T) {
	c := NewCollector(10*time.Millisecond, zap.NewNop(), nil)
	if c.interval != 30*time.Second {
		t.Errorf("interval = %v, want 30s", c.interval)
	}
}

func TestSummary(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	counters := &Counters{}
	counters.Candidates.Add(10)
	c := NewCollector(time.Minute, zap.New(core), counters)

	c.Summary("Search complete", 2*time.Second)
	entries := logs.FilterMessage("Search complete").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].ContextMap()["candidates"] != int64(10) {
		t.Errorf("fields = %v", entries[0].ContextMap())
	}
}

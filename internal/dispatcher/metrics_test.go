package dispatcher

import (
	"testing"
	"time"
)

func TestAggregator_DailyBucketsKeepNewestSeven(t *testing.T) {
	a := newAggregator(10, 7)
	base := time.Date(2026, 2, 20, 23, 30, 0, 0, time.UTC)
	for i := 0; i < 9; i++ {
		a.markProcessed(base.Add(time.Duration(i) * 24 * time.Hour))
	}
	a.markRejected(base.Add(8 * 24 * time.Hour))

	totals := a.dailyTotals()
	if len(totals) != 7 {
		t.Fatalf("buckets=%d, want 7", len(totals))
	}
	if totals[0].Date != "2026-02-28" || totals[6].Date != "2026-02-22" {
		t.Fatalf("range=%s..%s, want 2026-02-28..2026-02-22", totals[0].Date, totals[6].Date)
	}
	if totals[0].Processed != 1 || totals[0].Rejected != 1 {
		t.Fatalf("newest=%+v", totals[0])
	}
}

func TestAggregator_DailyBucketUsesUTCDate(t *testing.T) {
	a := newAggregator(1, 7)
	loc := time.FixedZone("UTC-5", -5*3600)
	a.markProcessed(time.Date(2026, 3, 1, 21, 0, 0, 0, loc))
	totals := a.dailyTotals()
	if len(totals) != 1 || totals[0].Date != "2026-03-02" {
		t.Fatalf("totals=%+v, want 2026-03-02", totals)
	}
}

func TestAggregator_EventRing(t *testing.T) {
	a := newAggregator(50, 7)
	for i := 1; i <= 60; i++ {
		a.push(QueueEvent{TaskID: uint64(i), Type: EventEnqueued})
	}
	events := a.recentEvents()
	if len(events) != 50 {
		t.Fatalf("events=%d, want 50", len(events))
	}
	if events[0].TaskID != 60 || events[49].TaskID != 11 {
		t.Fatalf("newest=%d oldest=%d, want 60/11", events[0].TaskID, events[49].TaskID)
	}
}

func TestAggregator_RunningMean(t *testing.T) {
	a := newAggregator(1, 7)
	waits := []time.Duration{0, 10 * time.Millisecond, 5 * time.Millisecond, 1500 * time.Microsecond}
	sum := 0.0
	for _, w := range waits {
		a.observeWait(w)
		sum += float64(w) / float64(time.Millisecond)
	}
	want := sum / float64(len(waits))
	if diff := a.avgWaitMs - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("avg=%v, want %v", a.avgWaitMs, want)
	}
	if a.roundedAvgWaitMs() != 4 {
		t.Fatalf("rounded=%d, want 4", a.roundedAvgWaitMs())
	}
}

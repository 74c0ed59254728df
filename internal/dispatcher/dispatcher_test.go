package dispatcher

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuetzliches/queuekeeper/internal/history"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func md(endpoint string) TaskMetadata {
	return TaskMetadata{Method: "POST", Endpoint: endpoint}
}

func blockingWork(started chan<- uint64, id uint64, release <-chan struct{}) Work {
	return func(context.Context) (any, error) {
		started <- id
		<-release
		return id, nil
	}
}

func TestDispatcher_ConcurrencyLimitAndQueueing(t *testing.T) {
	d := New(Config{MaxConcurrency: 2, MaxQueueSize: 5})
	d.Start()
	defer d.Drain(time.Second)

	started := make(chan uint64, 4)
	releases := make([]chan struct{}, 4)
	futures := make([]*Future, 4)
	for i := range releases {
		releases[i] = make(chan struct{})
		fut, err := d.Enqueue(md("/a"), blockingWork(started, uint64(i+1), releases[i]))
		if err != nil {
			t.Fatalf("enqueue %d: %v", i+1, err)
		}
		futures[i] = fut
	}

	got := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-started:
			got[id] = true
		case <-time.After(time.Second):
			t.Fatalf("expected two tasks to start")
		}
	}
	if !got[1] || !got[2] {
		t.Fatalf("started=%v, want tasks 1 and 2", got)
	}
	select {
	case id := <-started:
		t.Fatalf("task %d started while both slots were busy", id)
	case <-time.After(50 * time.Millisecond):
	}

	st := d.Status()
	if st.Processing != 2 || st.QueueLength != 2 {
		t.Fatalf("processing=%d queueLength=%d, want 2/2", st.Processing, st.QueueLength)
	}
	if len(st.PendingSample) != 2 || st.PendingSample[0].ID != 3 || st.PendingSample[1].ID != 4 {
		t.Fatalf("pendingSample=%+v", st.PendingSample)
	}

	close(releases[0])
	select {
	case id := <-started:
		if id != 3 {
			t.Fatalf("next started=%d, want 3", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("task 3 did not start after a slot freed")
	}

	for _, r := range releases[1:] {
		close(r)
	}
	<-started
	for i, fut := range futures {
		v, err := fut.Result()
		if err != nil {
			t.Fatalf("task %d: %v", i+1, err)
		}
		if v.(uint64) != uint64(i+1) {
			t.Fatalf("task %d result=%v", i+1, v)
		}
	}
	waitFor(t, time.Second, func() bool { return d.Status().Metrics.Processed == 4 })
}

func TestDispatcher_OverloadRejectsSynchronously(t *testing.T) {
	d := New(Config{MaxConcurrency: 1, MaxQueueSize: 2})

	var invoked atomic.Int32
	work := func(context.Context) (any, error) {
		invoked.Add(1)
		return nil, nil
	}
	for i := 0; i < 2; i++ {
		if _, err := d.Enqueue(md("/a"), work); err != nil {
			t.Fatalf("enqueue %d: %v", i+1, err)
		}
	}
	fut, err := d.Enqueue(md("/a"), func(context.Context) (any, error) {
		t.Errorf("rejected work must not run")
		return nil, nil
	})
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("err=%v, want ErrOverloaded", err)
	}
	if fut != nil {
		t.Fatalf("expected nil future on overload")
	}

	st := d.Status()
	if st.Metrics.Rejected != 1 {
		t.Fatalf("rejected=%d, want 1", st.Metrics.Rejected)
	}
	if st.QueueLength != 2 {
		t.Fatalf("queueLength=%d, want 2", st.QueueLength)
	}
	if len(st.RecentEvents) == 0 || st.RecentEvents[0].Type != EventRejected || st.RecentEvents[0].TaskID != 3 {
		t.Fatalf("recentEvents=%+v", st.RecentEvents)
	}

	d.Start()
	waitFor(t, time.Second, func() bool { return d.Status().QueueLength == 0 })

	// the rejected admission keeps its own id
	next, err := d.Enqueue(md("/a"), work)
	if err != nil {
		t.Fatalf("enqueue after overload: %v", err)
	}
	if next.TaskID() != 4 {
		t.Fatalf("taskID=%d, want 4", next.TaskID())
	}
	if !d.Drain(time.Second) {
		t.Fatalf("drain timed out")
	}
	if invoked.Load() != 3 {
		t.Fatalf("invoked=%d, want 3", invoked.Load())
	}
}

func TestDispatcher_OverloadWhileSlotsBusy(t *testing.T) {
	d := New(Config{MaxConcurrency: 1, MaxQueueSize: 2})
	d.Start()
	defer d.Drain(time.Second)

	started := make(chan uint64, 3)
	release := make(chan struct{})
	defer close(release)
	if _, err := d.Enqueue(md("/a"), blockingWork(started, 1, release)); err != nil {
		t.Fatalf("enqueue running: %v", err)
	}
	<-started
	for i := 0; i < 2; i++ {
		if _, err := d.Enqueue(md("/a"), blockingWork(started, uint64(i+2), release)); err != nil {
			t.Fatalf("enqueue queued %d: %v", i, err)
		}
	}
	if !d.AtCapacity() {
		t.Fatalf("expected dispatcher at capacity")
	}
	if _, err := d.Enqueue(md("/a"), blockingWork(started, 99, release)); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("err=%v, want ErrOverloaded", err)
	}
	st := d.Status()
	if st.Processing > st.MaxConcurrency || st.QueueLength > 2 {
		t.Fatalf("invariant broken: %+v", st)
	}
}

func TestDispatcher_WorkErrorPropagatesVerbatim(t *testing.T) {
	store := history.NewMemoryStore()
	d := New(Config{MaxConcurrency: 1, MaxQueueSize: 5})
	d.Journal = NewJournal(store, 16, nil)
	d.Start()

	boom := errors.New("stock insuficiente")
	fut, err := d.Enqueue(md("/api/productos"), func(context.Context) (any, error) {
		return nil, boom
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, err = fut.Result()
	if err != boom {
		t.Fatalf("err=%v, want the work error unchanged", err)
	}

	st := d.Status()
	if st.Metrics.Processed != 0 || st.Metrics.Rejected != 1 {
		t.Fatalf("metrics=%+v, want processed 0 rejected 1", st.Metrics)
	}
	if !d.Drain(time.Second) {
		t.Fatalf("drain timed out")
	}

	res, err := store.Query(context.Background(), history.Filter{Status: history.StatusFailed})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total != 1 {
		t.Fatalf("failed rows=%d, want 1", res.Total)
	}
	if res.Records[0].ErrorMessage != "stock insuficiente" {
		t.Fatalf("errorMessage=%q", res.Records[0].ErrorMessage)
	}
	if res.Records[0].StartedAt.IsZero() {
		t.Fatalf("failed row skipped STARTED")
	}
}

func TestDispatcher_PanicIsReportedAsFailure(t *testing.T) {
	store := history.NewMemoryStore()
	d := New(Config{MaxConcurrency: 1})
	d.Journal = NewJournal(store, 16, nil)
	d.Start()

	fut, err := d.Enqueue(md("/p"), func(context.Context) (any, error) {
		panic("nil map")
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, err = fut.Result()
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("err=%v, want *PanicError", err)
	}
	if pe.Value != "nil map" {
		t.Fatalf("panic value=%v", pe.Value)
	}

	// the worker survives the panic
	v, err := Do(context.Background(), d, md("/p"), func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("Do after panic = %q, %v", v, err)
	}

	if !d.Drain(time.Second) {
		t.Fatalf("drain timed out")
	}
	res, err := store.Query(context.Background(), history.Filter{Status: history.StatusFailed})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total != 1 || res.Records[0].ErrorStack == "" {
		t.Fatalf("failed rows=%+v, want one row with a stack", res.Records)
	}
}

func TestDispatcher_MetricsAfterSuccessesAndRejection(t *testing.T) {
	d := New(Config{MaxConcurrency: 1, MaxQueueSize: 3})
	ok := func(context.Context) (any, error) { return nil, nil }
	futures := make([]*Future, 0, 3)
	for i := 0; i < 3; i++ {
		fut, err := d.Enqueue(md("/a"), ok)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		futures = append(futures, fut)
	}
	if _, err := d.Enqueue(md("/a"), ok); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("err=%v, want ErrOverloaded", err)
	}

	d.Start()
	for _, fut := range futures {
		if _, err := fut.Result(); err != nil {
			t.Fatalf("result: %v", err)
		}
	}
	d.Drain(time.Second)

	st := d.Status()
	if st.Metrics.Processed != 3 || st.Metrics.Rejected != 1 {
		t.Fatalf("metrics=%+v, want processed 3 rejected 1", st.Metrics)
	}
	if len(st.DailyTotals) != 1 {
		t.Fatalf("dailyTotals=%+v, want one bucket", st.DailyTotals)
	}
	if st.DailyTotals[0].Processed != 3 || st.DailyTotals[0].Rejected != 1 {
		t.Fatalf("today=%+v", st.DailyTotals[0])
	}
}

func TestDispatcher_FIFOAndIncreasingIDs(t *testing.T) {
	d := New(Config{MaxConcurrency: 1, MaxQueueSize: 50})

	var mu sync.Mutex
	var order []int
	futures := make([]*Future, 0, 20)
	for i := 0; i < 20; i++ {
		i := i
		fut, err := d.Enqueue(md("/fifo"), func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if len(futures) > 0 && fut.TaskID() <= futures[len(futures)-1].TaskID() {
			t.Fatalf("task id %d not greater than %d", fut.TaskID(), futures[len(futures)-1].TaskID())
		}
		futures = append(futures, fut)
	}
	d.Start()
	for _, fut := range futures {
		_, _ = fut.Result()
	}
	d.Drain(time.Second)

	for i, v := range order {
		if v != i {
			t.Fatalf("order=%v, want FIFO", order)
		}
	}
}

func TestDispatcher_SequenceStart(t *testing.T) {
	d := New(Config{}, WithSequenceStart(41))
	fut, err := d.Enqueue(md("/a"), func(context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if fut.TaskID() != 42 {
		t.Fatalf("task id=%d, want 42", fut.TaskID())
	}
	d.Drain(time.Second)
}

func TestDispatcher_AverageWaitIsArithmeticMean(t *testing.T) {
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	d := New(Config{MaxConcurrency: 2, MaxQueueSize: 10}, WithNowFunc(clock.Now))

	offsets := []time.Duration{0, 10 * time.Millisecond, 40 * time.Millisecond, 55 * time.Millisecond}
	futures := make([]*Future, 0, len(offsets))
	for _, off := range offsets {
		clock.Set(base.Add(off))
		fut, err := d.Enqueue(md("/avg"), func(context.Context) (any, error) { return nil, nil })
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		futures = append(futures, fut)
	}
	clock.Set(base.Add(100 * time.Millisecond))
	d.Start()
	for _, fut := range futures {
		_, _ = fut.Result()
	}
	d.Drain(time.Second)

	// waits: 100, 90, 60, 45
	want := (100.0 + 90.0 + 60.0 + 45.0) / 4
	d.mu.Lock()
	got := d.agg.avgWaitMs
	d.mu.Unlock()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("avgWaitMs=%v, want %v", got, want)
	}
	if st := d.Status(); st.Metrics.AvgWaitMs != int64(math.Round(want)) {
		t.Fatalf("rounded avg=%d, want %d", st.Metrics.AvgWaitMs, int64(math.Round(want)))
	}
}

func TestDispatcher_StatusEstimatesAndSample(t *testing.T) {
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	d := New(Config{MaxConcurrency: 3, MaxQueueSize: 10}, WithNowFunc(clock.Now))

	for i := 0; i < 7; i++ {
		clock.Set(base.Add(time.Duration(i) * time.Second))
		if _, err := d.Enqueue(md("/s"), func(context.Context) (any, error) { return nil, nil }); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	d.mu.Lock()
	d.agg.avgWaitMs = 12.4
	d.mu.Unlock()
	clock.Set(base.Add(10 * time.Second))

	st := d.Status()
	if st.QueueLength != 7 || st.Processing != 0 {
		t.Fatalf("queueLength=%d processing=%d", st.QueueLength, st.Processing)
	}
	// backlog = 7 - 3 + 0
	if st.EstimatedWaitMs != 50 {
		t.Fatalf("estimatedWaitMs=%d, want 50", st.EstimatedWaitMs)
	}
	if st.OldestWaitingMs != 10000 {
		t.Fatalf("oldestWaitingMs=%d, want 10000", st.OldestWaitingMs)
	}
	if len(st.PendingSample) != 5 {
		t.Fatalf("pendingSample len=%d, want 5", len(st.PendingSample))
	}
	for i, p := range st.PendingSample {
		if p.ID != uint64(i+1) || p.WaitingMs != int64(10-i)*1000 {
			t.Fatalf("pendingSample[%d]=%+v", i, p)
		}
	}
	if len(st.RecentEvents) != 7 || st.RecentEvents[0].TaskID != 7 {
		t.Fatalf("recentEvents newest first: %+v", st.RecentEvents)
	}
	d.Drain(time.Second)
}

func TestDispatcher_EventRingEvictsOldest(t *testing.T) {
	d := New(Config{MaxConcurrency: 1, EventBufferSize: 3})
	d.Start()
	for i := 0; i < 2; i++ {
		if _, err := Do(context.Background(), d, md("/e"), func(context.Context) (int, error) { return i, nil }); err != nil {
			t.Fatalf("do: %v", err)
		}
	}
	d.Drain(time.Second)

	events := d.Status().RecentEvents
	if len(events) != 3 {
		t.Fatalf("events=%d, want 3", len(events))
	}
	want := []struct {
		id  uint64
		typ EventType
	}{
		{2, EventCompleted},
		{2, EventStarted},
		{2, EventEnqueued},
	}
	for i, w := range want {
		if events[i].TaskID != w.id || events[i].Type != w.typ {
			t.Fatalf("events[%d]=%+v, want %d/%s", i, events[i], w.id, w.typ)
		}
	}
	if events[1].WaitMs == nil {
		t.Fatalf("started event without waitMs")
	}
}

func TestDispatcher_DrainStopsAdmission(t *testing.T) {
	d := New(Config{MaxConcurrency: 1})
	d.Start()
	fut, err := d.Enqueue(md("/d"), func(context.Context) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "done", nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !d.Drain(time.Second) {
		t.Fatalf("drain timed out")
	}
	if v, err := fut.Result(); err != nil || v != "done" {
		t.Fatalf("queued task result=%v, %v", v, err)
	}
	if _, err := d.Enqueue(md("/d"), func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

func TestDispatcher_DrainWithoutStartSettlesQueued(t *testing.T) {
	d := New(Config{})
	fut, err := d.Enqueue(md("/d"), func(context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d.Drain(time.Second)
	if _, err := fut.Result(); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

func TestDispatcher_HistoryLifecycle(t *testing.T) {
	store := history.NewMemoryStore()
	d := New(Config{MaxConcurrency: 1, MaxQueueSize: 1})
	d.Journal = NewJournal(store, 16, nil)

	uid := int64(9)
	meta := TaskMetadata{UserID: &uid, UserName: "ana", UserRole: "admin", Method: "PUT", Endpoint: "/api/productos/3", IP: "10.1.1.1", UserAgent: "ua"}
	fut, err := d.Enqueue(meta, func(context.Context) (any, error) {
		time.Sleep(15 * time.Millisecond)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := d.Enqueue(meta, func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("err=%v, want ErrOverloaded", err)
	}
	d.Start()
	if _, err := fut.Result(); err != nil {
		t.Fatalf("result: %v", err)
	}
	if !d.Drain(time.Second) {
		t.Fatalf("drain timed out")
	}

	ctx := context.Background()
	completed, err := store.Query(ctx, history.Filter{Status: history.StatusCompleted})
	if err != nil {
		t.Fatalf("query completed: %v", err)
	}
	if completed.Total != 1 {
		t.Fatalf("completed rows=%d, want 1", completed.Total)
	}
	rec := completed.Records[0]
	if rec.UserName != "ana" || rec.UserID == nil || *rec.UserID != 9 || rec.Endpoint != "/api/productos/3" {
		t.Fatalf("metadata not recorded: %+v", rec)
	}
	if rec.QueueLengthAtEnqueue != 0 {
		t.Fatalf("queueLengthAtEnqueue=%d, want 0", rec.QueueLengthAtEnqueue)
	}
	wantTotal := rec.CompletedAt.Sub(rec.EnqueuedAt).Milliseconds()
	if rec.TotalTimeMs == nil || math.Abs(float64(*rec.TotalTimeMs-wantTotal)) > 1 {
		t.Fatalf("totalTimeMs=%v, want %d", rec.TotalTimeMs, wantTotal)
	}
	if rec.ExecutionTimeMs == nil || *rec.ExecutionTimeMs < 15 {
		t.Fatalf("executionTimeMs=%v, want >= 15", rec.ExecutionTimeMs)
	}

	rejected, err := store.Query(ctx, history.Filter{Status: history.StatusRejected})
	if err != nil {
		t.Fatalf("query rejected: %v", err)
	}
	if rejected.Total != 1 {
		t.Fatalf("rejected rows=%d, want 1", rejected.Total)
	}
	if !rejected.Records[0].StartedAt.IsZero() {
		t.Fatalf("rejected row must not have a start time")
	}
	if rejected.Records[0].TaskID != 2 {
		t.Fatalf("rejected task id=%d, want 2", rejected.Records[0].TaskID)
	}
}

func TestDispatcher_ObserveTask(t *testing.T) {
	d := New(Config{MaxConcurrency: 1, MaxQueueSize: 1})
	var mu sync.Mutex
	seen := map[Outcome]int{}
	d.ObserveTask = func(outcome Outcome, _, _ time.Duration) {
		mu.Lock()
		seen[outcome]++
		mu.Unlock()
	}
	fut, _ := d.Enqueue(md("/o"), func(context.Context) (any, error) { return nil, errors.New("x") })
	_, _ = d.Enqueue(md("/o"), func(context.Context) (any, error) { return nil, nil })
	d.Start()
	_, _ = fut.Result()
	_, _ = Do(context.Background(), d, md("/o"), func(context.Context) (bool, error) { return true, nil })
	d.Drain(time.Second)

	mu.Lock()
	defer mu.Unlock()
	if seen[OutcomeFailed] != 1 || seen[OutcomeOverloaded] != 1 || seen[OutcomeCompleted] != 1 {
		t.Fatalf("seen=%v", seen)
	}
}

func TestDo_WaitRespectsContext(t *testing.T) {
	d := New(Config{MaxConcurrency: 1})
	d.Start()
	release := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Do(ctx, d, md("/w"), func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}
	close(release)
	if !d.Drain(time.Second) {
		t.Fatalf("drain timed out")
	}
	if st := d.Status(); st.Metrics.Processed != 1 {
		t.Fatalf("abandoned wait must not cancel the task: processed=%d", st.Metrics.Processed)
	}
}

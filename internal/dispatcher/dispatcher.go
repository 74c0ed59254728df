package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/queuekeeper/internal/history"
)

const tracerName = "github.com/nuetzliches/queuekeeper/internal/dispatcher"

type workItem struct {
	id         uint64
	work       Work
	md         TaskMetadata
	enqueuedAt time.Time
	future     *Future
}

// Dispatcher is a bounded FIFO queue drained by a fixed pool of
// MaxConcurrency workers. Set the exported hooks before Start.
type Dispatcher struct {
	Journal     *Journal
	Logger      *slog.Logger
	Tracer      trace.Tracer
	ObserveTask func(outcome Outcome, wait, exec time.Duration)

	cfg   Config
	nowFn func() time.Time

	mu         sync.Mutex
	queue      []*workItem
	notify     chan struct{}
	seq        uint64
	processing int
	started    bool
	closed     bool
	agg        *aggregator

	baseCtx    context.Context
	cancelBase context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

type Option func(*Dispatcher)

func WithNowFunc(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.nowFn = now
		}
	}
}

// WithSequenceStart continues task ids after last, e.g. the highest id
// already present in the history store.
func WithSequenceStart(last uint64) Option {
	return func(d *Dispatcher) {
		d.seq = last
	}
}

func New(cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:        cfg,
		nowFn:      time.Now,
		notify:     make(chan struct{}),
		agg:        newAggregator(cfg.EventBufferSize, cfg.DailyStatsWindowDays),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Config() Config { return d.cfg }

// Start spawns the worker pool. Tasks enqueued before Start wait until it
// is called. Call Drain to stop the workers.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		d.started = true
		d.mu.Unlock()
		for i := 0; i < d.cfg.MaxConcurrency; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

// Drain stops admission, lets queued and running tasks finish and flushes
// the history journal. Returns true if everything finished before timeout.
// On timeout the base context handed to work is cancelled.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		var orphans []*workItem
		if !d.started {
			// No worker will ever pop these.
			orphans = d.queue
			d.queue = nil
		}
		d.signalLocked()
		d.mu.Unlock()
		for _, item := range orphans {
			item.future.settle(nil, ErrClosed)
		}
	})

	deadline := time.Now().Add(timeout)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.cancelBase()
		return false
	}
	d.cancelBase()
	return d.Journal.Close(time.Until(deadline))
}

// Enqueue admits work at the queue tail. At capacity it returns
// ErrOverloaded without invoking work.
func (d *Dispatcher) Enqueue(md TaskMetadata, work Work) (*Future, error) {
	if work == nil {
		return nil, fmt.Errorf("dispatcher: nil work")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	now := d.now()
	queueLen := len(d.queue)
	if queueLen >= d.cfg.MaxQueueSize {
		d.seq++
		id := d.seq
		d.agg.markRejected(now)
		d.agg.push(QueueEvent{TaskID: id, Type: EventRejected, Timestamp: now})
		rec := historyRecord(id, md, now, queueLen)
		rec.Status = history.StatusRejected
		rec.CompletedAt = now
		rec.ErrorMessage = ErrOverloaded.Error()
		d.Journal.createInitial(rec)
		d.mu.Unlock()

		d.logger().Warn("task_rejected",
			slog.Uint64("task_id", id),
			slog.String("method", md.Method),
			slog.String("endpoint", md.Endpoint),
			slog.Int("queue_length", queueLen),
		)
		d.observe(OutcomeOverloaded, 0, 0)
		return nil, ErrOverloaded
	}

	d.seq++
	item := &workItem{
		id:         d.seq,
		work:       work,
		md:         md,
		enqueuedAt: now,
		future:     newFuture(d.seq),
	}
	d.queue = append(d.queue, item)
	d.agg.push(QueueEvent{TaskID: item.id, Type: EventEnqueued, Timestamp: now})
	d.Journal.createInitial(historyRecord(item.id, md, now, queueLen))
	d.signalLocked()
	d.mu.Unlock()

	d.logger().Debug("task_enqueued",
		slog.Uint64("task_id", item.id),
		slog.String("endpoint", md.Endpoint),
		slog.Int("queue_length", queueLen+1),
	)
	return item.future, nil
}

// Do enqueues fn and waits for its result. ctx bounds only the wait; once
// admitted, fn runs to completion.
func Do[T any](ctx context.Context, d *Dispatcher, md TaskMetadata, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	fut, err := d.Enqueue(md, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	v, err := fut.Wait(ctx)
	if err != nil {
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	st := Status{
		Timestamp:      now,
		QueueLength:    len(d.queue),
		Processing:     d.processing,
		MaxConcurrency: d.cfg.MaxConcurrency,
		MaxQueueSize:   d.cfg.MaxQueueSize,
		Metrics: StatusMetrics{
			Processed: d.agg.processed,
			Rejected:  d.agg.rejected,
			AvgWaitMs: d.agg.roundedAvgWaitMs(),
		},
		PendingSample: make([]PendingTask, 0, pendingSampleSize),
		DailyTotals:   d.agg.dailyTotals(),
		RecentEvents:  d.agg.recentEvents(),
	}
	if len(d.queue) > 0 {
		st.OldestWaitingMs = now.Sub(d.queue[0].enqueuedAt).Milliseconds()
	}
	backlog := len(d.queue) - d.cfg.MaxConcurrency + d.processing
	if backlog < 0 {
		backlog = 0
	}
	st.EstimatedWaitMs = int64(math.Round(d.agg.avgWaitMs * float64(backlog)))
	for i := 0; i < len(d.queue) && i < pendingSampleSize; i++ {
		st.PendingSample = append(st.PendingSample, PendingTask{
			ID:        d.queue[i].id,
			WaitingMs: now.Sub(d.queue[i].enqueuedAt).Milliseconds(),
		})
	}
	return st
}

// AtCapacity reports whether the next Enqueue would be rejected.
func (d *Dispatcher) AtCapacity() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed || len(d.queue) >= d.cfg.MaxQueueSize
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		item, wait, startedAt, ok := d.next()
		if !ok {
			return
		}
		d.run(item, wait, startedAt)
	}
}

// next pops the queue head, blocking until one is available. It returns
// false once the dispatcher is closed and the queue is empty.
func (d *Dispatcher) next() (*workItem, time.Duration, time.Time, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 && d.processing < d.cfg.MaxConcurrency {
			item := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.processing++

			now := d.now()
			wait := now.Sub(item.enqueuedAt)
			d.agg.observeWait(wait)
			d.agg.push(QueueEvent{TaskID: item.id, Type: EventStarted, Timestamp: now, WaitMs: waitMsPtr(wait)})
			d.Journal.markStarted(item.id, now, wait.Milliseconds())
			d.mu.Unlock()
			return item, wait, now, true
		}
		if d.closed && len(d.queue) == 0 {
			d.mu.Unlock()
			return nil, 0, time.Time{}, false
		}
		ch := d.notify
		d.mu.Unlock()
		<-ch
	}
}

func (d *Dispatcher) run(item *workItem, wait time.Duration, startedAt time.Time) {
	ctx, span := d.tracer().Start(d.baseCtx, "queue.task",
		trace.WithAttributes(
			attribute.Int64("queue.task_id", int64(item.id)),
			attribute.String("http.request.method", item.md.Method),
			attribute.String("queue.endpoint", item.md.Endpoint),
			attribute.Int64("queue.wait_ms", wait.Milliseconds()),
		),
	)
	value, stack, err := invoke(ctx, item.work)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	d.mu.Lock()
	completedAt := d.now()
	exec := completedAt.Sub(startedAt)
	if err == nil {
		d.agg.markProcessed(completedAt)
		d.agg.push(QueueEvent{TaskID: item.id, Type: EventCompleted, Timestamp: completedAt})
		d.Journal.markCompleted(item.id, completedAt, exec.Milliseconds())
	} else {
		d.agg.markRejected(completedAt)
		d.agg.push(QueueEvent{TaskID: item.id, Type: EventRejected, Timestamp: completedAt})
		d.Journal.markFailed(item.id, completedAt, exec.Milliseconds(), err.Error(), stack)
	}
	d.processing--
	d.signalLocked()
	d.mu.Unlock()

	item.future.settle(value, err)

	if err != nil {
		d.logger().Warn("task_failed",
			slog.Uint64("task_id", item.id),
			slog.String("endpoint", item.md.Endpoint),
			slog.Int64("exec_ms", exec.Milliseconds()),
			slog.Any("err", err),
		)
		d.observe(OutcomeFailed, wait, exec)
		return
	}
	d.observe(OutcomeCompleted, wait, exec)
}

// invoke runs work, converting a panic into a *PanicError.
func invoke(ctx context.Context, work Work) (value any, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Value: r, Stack: string(debug.Stack())}
			value, stack, err = nil, pe.Stack, pe
		}
	}()
	value, err = work(ctx)
	return value, "", err
}

// signalLocked wakes every waiting worker. d.mu must be held.
func (d *Dispatcher) signalLocked() {
	close(d.notify)
	d.notify = make(chan struct{})
}

func (d *Dispatcher) now() time.Time {
	return d.nowFn().UTC()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Dispatcher) tracer() trace.Tracer {
	if d.Tracer != nil {
		return d.Tracer
	}
	return otel.Tracer(tracerName)
}

func (d *Dispatcher) observe(outcome Outcome, wait, exec time.Duration) {
	if d.ObserveTask != nil {
		d.ObserveTask(outcome, wait, exec)
	}
}

func historyRecord(id uint64, md TaskMetadata, now time.Time, queueLen int) history.Record {
	return history.Record{
		TaskID:               id,
		Status:               history.StatusEnqueued,
		UserID:               md.UserID,
		UserName:             md.UserName,
		UserRole:             md.UserRole,
		Method:               md.Method,
		Endpoint:             md.Endpoint,
		IP:                   md.IP,
		UserAgent:            md.UserAgent,
		EnqueuedAt:           now,
		QueueLengthAtEnqueue: queueLen,
	}
}

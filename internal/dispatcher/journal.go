package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/queuekeeper/internal/history"
)

const (
	DefaultJournalBuffer = 1024
	journalWriteTimeout  = 5 * time.Second
)

type journalOp int

const (
	journalCreate journalOp = iota
	journalStarted
	journalCompleted
	journalFailed
)

func (op journalOp) String() string {
	switch op {
	case journalCreate:
		return "create"
	case journalStarted:
		return "started"
	case journalCompleted:
		return "completed"
	case journalFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type journalEntry struct {
	op      journalOp
	taskID  uint64
	record  history.Record
	at      time.Time
	ms      int64
	message string
	stack   string
}

// Journal applies history writes on a single background goroutine, in
// submission order. Submitting never blocks: when the buffer is full the
// write is dropped and logged. Store errors are logged and swallowed.
type Journal struct {
	store  history.Store
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan journalEntry
	done   chan struct{}

	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewJournal(store history.Store, buffer int, logger *slog.Logger) *Journal {
	if buffer <= 0 {
		buffer = DefaultJournalBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		store:  store,
		logger: logger,
		ch:     make(chan journalEntry, buffer),
		done:   make(chan struct{}),
	}
	go j.run()
	return j
}

// Dropped reports how many writes were discarded because the buffer was full.
func (j *Journal) Dropped() uint64 {
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

// Failed reports how many writes the store rejected.
func (j *Journal) Failed() uint64 {
	if j == nil {
		return 0
	}
	return j.failed.Load()
}

func (j *Journal) createInitial(rec history.Record) {
	j.submit(journalEntry{op: journalCreate, taskID: rec.TaskID, record: rec})
}

func (j *Journal) markStarted(taskID uint64, at time.Time, waitMs int64) {
	j.submit(journalEntry{op: journalStarted, taskID: taskID, at: at, ms: waitMs})
}

func (j *Journal) markCompleted(taskID uint64, at time.Time, execMs int64) {
	j.submit(journalEntry{op: journalCompleted, taskID: taskID, at: at, ms: execMs})
}

func (j *Journal) markFailed(taskID uint64, at time.Time, execMs int64, message, stack string) {
	j.submit(journalEntry{op: journalFailed, taskID: taskID, at: at, ms: execMs, message: message, stack: stack})
}

func (j *Journal) submit(e journalEntry) {
	if j == nil {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- e:
	default:
		j.dropped.Add(1)
		j.logger.Warn("history_journal_dropped",
			slog.String("op", e.op.String()),
			slog.Uint64("task_id", e.taskID),
		)
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for e := range j.ch {
		if err := j.apply(e); err != nil {
			j.failed.Add(1)
			j.logger.Warn("history_write_failed",
				slog.String("op", e.op.String()),
				slog.Uint64("task_id", e.taskID),
				slog.Any("err", err),
			)
		}
	}
}

func (j *Journal) apply(e journalEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	switch e.op {
	case journalCreate:
		return j.store.CreateInitial(ctx, e.record)
	case journalStarted:
		return j.store.MarkStarted(ctx, e.taskID, e.at, e.ms)
	case journalCompleted:
		return j.store.MarkCompleted(ctx, e.taskID, e.at, e.ms)
	case journalFailed:
		return j.store.MarkFailed(ctx, e.taskID, e.at, e.ms, e.message, e.stack)
	default:
		return nil
	}
}

// Close stops accepting writes and waits up to timeout for buffered writes
// to reach the store. Returns false if the timeout expired first.
func (j *Journal) Close(timeout time.Duration) bool {
	if j == nil {
		return true
	}
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.ch)
	}
	j.mu.Unlock()

	select {
	case <-j.done:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	select {
	case <-j.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

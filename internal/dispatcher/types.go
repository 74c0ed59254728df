package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOverloaded is returned synchronously by Enqueue when the wait queue
	// is full. The work function is never invoked.
	ErrOverloaded = errors.New("service busy, retry later")
	ErrClosed     = errors.New("dispatcher closed")
)

const (
	DefaultMaxConcurrency       = 3
	DefaultMaxQueueSize         = 200
	DefaultEventBufferSize      = 50
	DefaultDailyStatsWindowDays = 7

	pendingSampleSize = 5
)

// Work is one unit of deferred computation. ctx is the dispatcher's base
// context; it is only cancelled when a drain gives up waiting.
type Work func(ctx context.Context) (any, error)

type Config struct {
	MaxConcurrency       int
	MaxQueueSize         int
	EventBufferSize      int
	DailyStatsWindowDays int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	if c.DailyStatsWindowDays <= 0 {
		c.DailyStatsWindowDays = DefaultDailyStatsWindowDays
	}
	return c
}

// TaskMetadata is the fixed set of caller attributes recorded for audit.
// It never influences admission.
type TaskMetadata struct {
	UserID    *int64 `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	UserRole  string `json:"userRole,omitempty"`
	Method    string `json:"method"`
	Endpoint  string `json:"endpoint"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventRejected  EventType = "rejected"
)

type QueueEvent struct {
	TaskID    uint64    `json:"taskId"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	WaitMs    *int64    `json:"waitMs,omitempty"`
}

type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeOverloaded Outcome = "overloaded"
)

type DailyStat struct {
	Date      string `json:"date"`
	Processed int64  `json:"processed"`
	Rejected  int64  `json:"rejected"`
}

type PendingTask struct {
	ID        uint64 `json:"id"`
	WaitingMs int64  `json:"waitingMs"`
}

type StatusMetrics struct {
	Processed int64 `json:"processed"`
	Rejected  int64 `json:"rejected"`
	AvgWaitMs int64 `json:"avgWaitMs"`
}

type Status struct {
	Timestamp       time.Time     `json:"timestamp"`
	QueueLength     int           `json:"queueLength"`
	Processing      int           `json:"processing"`
	MaxConcurrency  int           `json:"maxConcurrency"`
	MaxQueueSize    int           `json:"maxQueueSize"`
	Metrics         StatusMetrics `json:"metrics"`
	OldestWaitingMs int64         `json:"oldestWaitingMs"`
	EstimatedWaitMs int64         `json:"estimatedWaitMs"`
	PendingSample   []PendingTask `json:"pendingSample"`
	DailyTotals     []DailyStat   `json:"dailyTotals"`
	RecentEvents    []QueueEvent  `json:"recentEvents"`
}

// PanicError is the failure reported for a work function that panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

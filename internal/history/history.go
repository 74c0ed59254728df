package history

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Status string

const (
	StatusEnqueued  Status = "enqueued"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

var (
	ErrTaskNotFound = errors.New("task history record not found")
	ErrRecordExists = errors.New("task history record already exists")
)

// Column limits of queue_task_history.
const (
	MaxUserNameLen     = 100
	MaxUserRoleLen     = 50
	MaxMethodLen       = 10
	MaxEndpointLen     = 500
	MaxIPLen           = 100
	MaxUserAgentLen    = 500
	MaxErrorMessageLen = 1000
	MaxErrorStackLen   = 4000
)

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 100
	statsTopLimit     = 10
)

// Record is one row of the task audit trail. Zero times mean NULL.
type Record struct {
	ID                   string            `json:"id"`
	TaskID               uint64            `json:"taskId"`
	Status               Status            `json:"status"`
	UserID               *int64            `json:"userId,omitempty"`
	UserName             string            `json:"userName,omitempty"`
	UserRole             string            `json:"userRole,omitempty"`
	Method               string            `json:"method"`
	Endpoint             string            `json:"endpoint"`
	IP                   string            `json:"ip,omitempty"`
	UserAgent            string            `json:"userAgent,omitempty"`
	EnqueuedAt           time.Time         `json:"enqueuedAt"`
	StartedAt            time.Time         `json:"startedAt,omitzero"`
	CompletedAt          time.Time         `json:"completedAt,omitzero"`
	WaitTimeMs           *int64            `json:"waitTimeMs,omitempty"`
	ExecutionTimeMs      *int64            `json:"executionTimeMs,omitempty"`
	TotalTimeMs          *int64            `json:"totalTimeMs,omitempty"`
	QueueLengthAtEnqueue int               `json:"queueLengthAtEnqueue"`
	ErrorMessage         string            `json:"errorMessage,omitempty"`
	ErrorStack           string            `json:"errorStack,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
	DeletedAt            time.Time         `json:"deletedAt,omitzero"`
}

type Filter struct {
	Status   Status
	UserID   *int64
	Endpoint string
	Method   string
	Start    time.Time
	End      time.Time
	Limit    int
	Offset   int
}

type QueryResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
}

type StatsFilter struct {
	Start  time.Time
	End    time.Time
	UserID *int64
}

type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int    `json:"count"`
}

type UserCount struct {
	UserID   int64  `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Count    int    `json:"count"`
}

type Stats struct {
	Total          int             `json:"total"`
	ByStatus       map[Status]int  `json:"byStatus"`
	AvgWaitMs      float64         `json:"avgWaitMs"`
	AvgExecutionMs float64         `json:"avgExecutionMs"`
	AvgTotalMs     float64         `json:"avgTotalMs"`
	TopEndpoints   []EndpointCount `json:"topEndpoints"`
	TopUsers       []UserCount     `json:"topUsers"`
	ByMethod       map[string]int  `json:"byMethod"`
}

// StorageStats counts every row. The record dates bound active rows only.
type StorageStats struct {
	TotalRecords       int       `json:"totalRecords"`
	ActiveRecords      int       `json:"activeRecords"`
	SoftDeletedRecords int       `json:"softDeletedRecords"`
	OldestRecord       time.Time `json:"oldestRecordDate,omitzero"`
	NewestRecord       time.Time `json:"newestRecordDate,omitzero"`
}

// Store persists the task audit trail. Callers on the request path must not
// call it directly; writes go through a detached journal and failures are
// only logged.
type Store interface {
	CreateInitial(ctx context.Context, rec Record) error
	MarkStarted(ctx context.Context, taskID uint64, startedAt time.Time, waitMs int64) error
	MarkCompleted(ctx context.Context, taskID uint64, completedAt time.Time, execMs int64) error
	MarkFailed(ctx context.Context, taskID uint64, completedAt time.Time, execMs int64, message, stack string) error
	Query(ctx context.Context, f Filter) (QueryResult, error)
	Stats(ctx context.Context, f StatsFilter) (Stats, error)
	SoftDeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
	HardDeleteSoftDeletedBefore(ctx context.Context, cutoff time.Time) (int, error)
	StorageStats(ctx context.Context) (StorageStats, error)
	// MaxTaskID returns the highest task id still stored, soft-deleted rows
	// included, so a restarted dispatcher can continue the sequence.
	MaxTaskID(ctx context.Context) (uint64, error)
	Close() error
}

func ParseStatus(raw string) (Status, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", true
	}
	switch Status(raw) {
	case StatusEnqueued, StatusStarted, StatusCompleted, StatusRejected, StatusFailed:
		return Status(raw), true
	default:
		return "", false
	}
}

func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// normalizeRecord applies column limits and fills defaults.
func normalizeRecord(rec Record, now time.Time) Record {
	if rec.ID == "" {
		rec.ID = newRecordID()
	}
	if rec.Status == "" {
		rec.Status = StatusEnqueued
	}
	rec.UserName = Truncate(rec.UserName, MaxUserNameLen)
	rec.UserRole = Truncate(rec.UserRole, MaxUserRoleLen)
	rec.Method = Truncate(strings.ToUpper(rec.Method), MaxMethodLen)
	rec.Endpoint = Truncate(rec.Endpoint, MaxEndpointLen)
	rec.IP = Truncate(rec.IP, MaxIPLen)
	rec.UserAgent = Truncate(rec.UserAgent, MaxUserAgentLen)
	rec.ErrorMessage = Truncate(rec.ErrorMessage, MaxErrorMessageLen)
	rec.ErrorStack = Truncate(rec.ErrorStack, MaxErrorStackLen)
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = now
	}
	rec.EnqueuedAt = rec.EnqueuedAt.UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.CreatedAt
	return rec
}

func normalizeFilter(f Filter) Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Method = strings.ToUpper(strings.TrimSpace(f.Method))
	f.Endpoint = strings.TrimSpace(f.Endpoint)
	return f
}

// whereBuilder assembles the shared WHERE clause of the SQL backends.
// placeholder renders the n-th (1-based) bind parameter.
type whereBuilder struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
	clauses     []string
	args        []any
}

func (b *whereBuilder) add(clause string, arg any) {
	b.args = append(b.args, arg)
	b.clauses = append(b.clauses, strings.Replace(clause, "?", b.placeholder(len(b.args)), 1))
}

func (b *whereBuilder) addFilter(f Filter) {
	if f.Status != "" {
		b.add("status = ?", string(f.Status))
	}
	if f.UserID != nil {
		b.add("user_id = ?", *f.UserID)
	}
	if f.Endpoint != "" {
		b.add("endpoint = ?", f.Endpoint)
	}
	if f.Method != "" {
		b.add("method = ?", f.Method)
	}
	b.addRange(f.Start, f.End)
}

func (b *whereBuilder) addStatsFilter(f StatsFilter) {
	if f.UserID != nil {
		b.add("user_id = ?", *f.UserID)
	}
	b.addRange(f.Start, f.End)
}

func (b *whereBuilder) addRange(start, end time.Time) {
	if !start.IsZero() {
		b.add("created_at >= ?", b.timeArg(start.UTC()))
	}
	if !end.IsZero() {
		b.add("created_at <= ?", b.timeArg(end.UTC()))
	}
}

func (b *whereBuilder) sql() string {
	out := " WHERE deleted_at IS NULL"
	for _, c := range b.clauses {
		out += " AND " + c
	}
	return out
}

func questionPlaceholder(int) string { return "?" }

func dollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func newStats() Stats {
	return Stats{
		ByStatus: map[Status]int{
			StatusEnqueued:  0,
			StatusStarted:   0,
			StatusCompleted: 0,
			StatusRejected:  0,
			StatusFailed:    0,
		},
		TopEndpoints: []EndpointCount{},
		TopUsers:     []UserCount{},
		ByMethod:     map[string]int{},
	}
}

func int64Ptr(v int64) *int64 { return &v }

func newRecordID() string { return uuid.NewString() }

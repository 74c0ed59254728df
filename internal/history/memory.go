package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the audit trail in process memory. Rows are kept in
// insertion order; byTask indexes the latest row per task id.
type MemoryStore struct {
	mu      sync.RWMutex
	nowFn   func() time.Time
	rows    []*Record
	byID    map[string]*Record
	byTask  map[uint64]*Record
	maxTask uint64
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:  time.Now,
		byID:   make(map[string]*Record),
		byTask: make(map[uint64]*Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *MemoryStore) CreateInitial(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec = normalizeRecord(rec, s.now())
	if _, ok := s.byID[rec.ID]; ok {
		return ErrRecordExists
	}
	rec.Metadata = cloneStringMap(rec.Metadata)
	row := &rec
	s.rows = append(s.rows, row)
	s.byID[row.ID] = row
	s.byTask[row.TaskID] = row
	if row.TaskID > s.maxTask {
		s.maxTask = row.TaskID
	}
	return nil
}

func (s *MemoryStore) MarkStarted(_ context.Context, taskID uint64, startedAt time.Time, waitMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byTask[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	row.Status = StatusStarted
	row.StartedAt = startedAt.UTC()
	row.WaitTimeMs = int64Ptr(waitMs)
	row.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, taskID uint64, completedAt time.Time, execMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byTask[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	s.finish(row, StatusCompleted, completedAt, execMs)
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, taskID uint64, completedAt time.Time, execMs int64, message, stack string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byTask[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	s.finish(row, StatusFailed, completedAt, execMs)
	row.ErrorMessage = Truncate(message, MaxErrorMessageLen)
	row.ErrorStack = Truncate(stack, MaxErrorStackLen)
	return nil
}

func (s *MemoryStore) finish(row *Record, status Status, completedAt time.Time, execMs int64) {
	completedAt = completedAt.UTC()
	row.Status = status
	row.CompletedAt = completedAt
	row.ExecutionTimeMs = int64Ptr(execMs)
	row.TotalTimeMs = int64Ptr(completedAt.Sub(row.EnqueuedAt).Milliseconds())
	row.UpdatedAt = s.now()
}

func (s *MemoryStore) Query(_ context.Context, f Filter) (QueryResult, error) {
	f = normalizeFilter(f)

	s.mu.RLock()
	matched := make([]Record, 0)
	for _, row := range s.rows {
		if !matchFilter(row, f) {
			continue
		}
		matched = append(matched, copyRecord(row))
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	out := QueryResult{Total: len(matched), Records: []Record{}}
	if f.Offset >= len(matched) {
		return out, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	out.Records = matched[f.Offset:end]
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, f StatsFilter) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := newStats()
	endpoints := make(map[string]int)
	users := make(map[int64]*UserCount)
	var wait, exec, total avgAcc
	for _, row := range s.rows {
		if !matchStatsFilter(row, f) {
			continue
		}
		out.Total++
		out.ByStatus[row.Status]++
		out.ByMethod[row.Method]++
		endpoints[row.Endpoint]++
		if row.UserID != nil {
			uc, ok := users[*row.UserID]
			if !ok {
				uc = &UserCount{UserID: *row.UserID}
				users[*row.UserID] = uc
			}
			uc.Count++
			if row.UserName != "" {
				uc.UserName = row.UserName
			}
		}
		wait.add(row.WaitTimeMs)
		exec.add(row.ExecutionTimeMs)
		total.add(row.TotalTimeMs)
	}
	out.AvgWaitMs = wait.mean()
	out.AvgExecutionMs = exec.mean()
	out.AvgTotalMs = total.mean()

	for endpoint, n := range endpoints {
		out.TopEndpoints = append(out.TopEndpoints, EndpointCount{Endpoint: endpoint, Count: n})
	}
	sort.Slice(out.TopEndpoints, func(i, j int) bool {
		a, b := out.TopEndpoints[i], out.TopEndpoints[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Endpoint < b.Endpoint
	})
	if len(out.TopEndpoints) > statsTopLimit {
		out.TopEndpoints = out.TopEndpoints[:statsTopLimit]
	}

	for _, uc := range users {
		out.TopUsers = append(out.TopUsers, *uc)
	}
	sort.Slice(out.TopUsers, func(i, j int) bool {
		a, b := out.TopUsers[i], out.TopUsers[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.UserID < b.UserID
	})
	if len(out.TopUsers) > statsTopLimit {
		out.TopUsers = out.TopUsers[:statsTopLimit]
	}
	return out, nil
}

func (s *MemoryStore) SoftDeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, row := range s.rows {
		if !row.DeletedAt.IsZero() || !row.CreatedAt.Before(cutoff) {
			continue
		}
		row.DeletedAt = now
		row.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *MemoryStore) HardDeleteSoftDeletedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rows[:0]
	n := 0
	for _, row := range s.rows {
		if !row.DeletedAt.IsZero() && row.DeletedAt.Before(cutoff) {
			delete(s.byID, row.ID)
			if s.byTask[row.TaskID] == row {
				delete(s.byTask, row.TaskID)
			}
			n++
			continue
		}
		kept = append(kept, row)
	}
	for i := len(kept); i < len(s.rows); i++ {
		s.rows[i] = nil
	}
	s.rows = kept
	return n, nil
}

func (s *MemoryStore) StorageStats(context.Context) (StorageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out StorageStats
	for _, row := range s.rows {
		out.TotalRecords++
		if !row.DeletedAt.IsZero() {
			out.SoftDeletedRecords++
			continue
		}
		out.ActiveRecords++
		if out.OldestRecord.IsZero() || row.CreatedAt.Before(out.OldestRecord) {
			out.OldestRecord = row.CreatedAt
		}
		if row.CreatedAt.After(out.NewestRecord) {
			out.NewestRecord = row.CreatedAt
		}
	}
	return out, nil
}

func (s *MemoryStore) MaxTaskID(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.maxTask, nil
}

func matchFilter(row *Record, f Filter) bool {
	if !row.DeletedAt.IsZero() {
		return false
	}
	if f.Status != "" && row.Status != f.Status {
		return false
	}
	if f.UserID != nil && (row.UserID == nil || *row.UserID != *f.UserID) {
		return false
	}
	if f.Endpoint != "" && row.Endpoint != f.Endpoint {
		return false
	}
	if f.Method != "" && row.Method != f.Method {
		return false
	}
	return inRange(row.CreatedAt, f.Start, f.End)
}

func matchStatsFilter(row *Record, f StatsFilter) bool {
	if !row.DeletedAt.IsZero() {
		return false
	}
	if f.UserID != nil && (row.UserID == nil || *row.UserID != *f.UserID) {
		return false
	}
	return inRange(row.CreatedAt, f.Start, f.End)
}

func inRange(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && t.After(end) {
		return false
	}
	return true
}

func sortNewestFirst(rows []Record) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].TaskID > rows[j].TaskID
	})
}

func copyRecord(row *Record) Record {
	out := *row
	out.Metadata = cloneStringMap(row.Metadata)
	if row.UserID != nil {
		out.UserID = int64Ptr(*row.UserID)
	}
	if row.WaitTimeMs != nil {
		out.WaitTimeMs = int64Ptr(*row.WaitTimeMs)
	}
	if row.ExecutionTimeMs != nil {
		out.ExecutionTimeMs = int64Ptr(*row.ExecutionTimeMs)
	}
	if row.TotalTimeMs != nil {
		out.TotalTimeMs = int64Ptr(*row.TotalTimeMs)
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type avgAcc struct {
	sum float64
	n   int
}

func (a *avgAcc) add(v *int64) {
	if v == nil {
		return
	}
	a.sum += float64(*v)
	a.n++
}

func (a avgAcc) mean() float64 {
	if a.n == 0 {
		return 0
	}
	return a.sum / float64(a.n)
}

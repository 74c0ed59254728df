package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite3 "modernc.org/sqlite"
)

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS queue_task_history (
  id                      TEXT PRIMARY KEY,
  task_id                 INTEGER NOT NULL,
  status                  TEXT NOT NULL,
  user_id                 INTEGER,
  user_name               TEXT,
  user_role               TEXT,
  method                  TEXT NOT NULL,
  endpoint                TEXT NOT NULL,
  ip                      TEXT,
  user_agent              TEXT,
  enqueued_at             INTEGER NOT NULL,
  started_at              INTEGER,
  completed_at            INTEGER,
  wait_time_ms            INTEGER,
  execution_time_ms       INTEGER,
  total_time_ms           INTEGER,
  queue_length_at_enqueue INTEGER NOT NULL DEFAULT 0,
  error_message           TEXT,
  error_stack             TEXT,
  metadata_json           TEXT,
  created_at              INTEGER NOT NULL,
  updated_at              INTEGER NOT NULL,
  deleted_at              INTEGER
);
CREATE INDEX IF NOT EXISTS idx_task_history_status_created
  ON queue_task_history(status, created_at);
CREATE INDEX IF NOT EXISTS idx_task_history_user_created
  ON queue_task_history(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_task_history_endpoint_created
  ON queue_task_history(endpoint, created_at);
`

const schemaV2 = `
CREATE INDEX IF NOT EXISTS idx_task_history_task_id
  ON queue_task_history(task_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_task_history_deleted_at
  ON queue_task_history(deleted_at);
`

const historyColumns = `
  id, task_id, status, user_id, user_name, user_role, method, endpoint, ip,
  user_agent, enqueued_at, started_at, completed_at, wait_time_ms,
  execution_time_ms, total_time_ms, queue_length_at_enqueue, error_message,
  error_stack, metadata_json, created_at, updated_at, deleted_at`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time
}

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:    db,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=NORMAL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=normal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	current, hasVersion, err := readSchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		switch v {
		case 1:
			if _, err := conn.ExecContext(ctx, schemaV1); err != nil {
				return fmt.Errorf("sqlite: migrate v1: %w", err)
			}
		case 2:
			if _, err := conn.ExecContext(ctx, schemaV2); err != nil {
				return fmt.Errorf("sqlite: migrate v2: %w", err)
			}
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
	}

	if !hasVersion || current != schemaVersion {
		if err := writeSchemaVersion(ctx, conn, schemaVersion); err != nil {
			return err
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateInitial(ctx context.Context, rec Record) error {
	rec = normalizeRecord(rec, s.now())
	metadataJSON, err := marshalStringMap(rec.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO queue_task_history (`+historyColumns+`
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL);
`,
		rec.ID,
		int64(rec.TaskID),
		string(rec.Status),
		nullableInt64(rec.UserID),
		nullableString(rec.UserName),
		nullableString(rec.UserRole),
		rec.Method,
		rec.Endpoint,
		nullableString(rec.IP),
		nullableString(rec.UserAgent),
		rec.EnqueuedAt.UnixNano(),
		nullableNanos(rec.StartedAt),
		nullableNanos(rec.CompletedAt),
		nullableInt64(rec.WaitTimeMs),
		nullableInt64(rec.ExecutionTimeMs),
		nullableInt64(rec.TotalTimeMs),
		rec.QueueLengthAtEnqueue,
		nullableString(rec.ErrorMessage),
		nullableString(rec.ErrorStack),
		metadataJSON,
		rec.CreatedAt.UnixNano(),
		rec.UpdatedAt.UnixNano(),
	)
	if isSQLiteConstraintError(err) {
		return ErrRecordExists
	}
	return err
}

// latestTaskRow targets the newest row of a task id.
const latestTaskRow = `id = (SELECT id FROM queue_task_history WHERE task_id = ? ORDER BY created_at DESC LIMIT 1)`

func (s *SQLiteStore) MarkStarted(ctx context.Context, taskID uint64, startedAt time.Time, waitMs int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_task_history
SET status = ?, started_at = ?, wait_time_ms = ?, updated_at = ?
WHERE `+latestTaskRow+`;
`, string(StatusStarted), startedAt.UTC().UnixNano(), waitMs, s.now().UnixNano(), int64(taskID))
	return requireAffected(res, err)
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, taskID uint64, completedAt time.Time, execMs int64) error {
	completed := completedAt.UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_task_history
SET status = ?, completed_at = ?, execution_time_ms = ?,
    total_time_ms = (? - enqueued_at) / 1000000, updated_at = ?
WHERE `+latestTaskRow+`;
`, string(StatusCompleted), completed, execMs, completed, s.now().UnixNano(), int64(taskID))
	return requireAffected(res, err)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, taskID uint64, completedAt time.Time, execMs int64, message, stack string) error {
	completed := completedAt.UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_task_history
SET status = ?, completed_at = ?, execution_time_ms = ?,
    total_time_ms = (? - enqueued_at) / 1000000,
    error_message = ?, error_stack = ?, updated_at = ?
WHERE `+latestTaskRow+`;
`,
		string(StatusFailed),
		completed,
		execMs,
		completed,
		nullableString(Truncate(message, MaxErrorMessageLen)),
		nullableString(Truncate(stack, MaxErrorStackLen)),
		s.now().UnixNano(),
		int64(taskID),
	)
	return requireAffected(res, err)
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) (QueryResult, error) {
	f = normalizeFilter(f)
	wb := &whereBuilder{placeholder: questionPlaceholder, timeArg: sqliteTime}
	wb.addFilter(f)
	where := wb.sql()

	out := QueryResult{Records: []Record{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_task_history`+where, wb.args...).Scan(&out.Total); err != nil {
		return QueryResult{}, fmt.Errorf("sqlite: count history: %w", err)
	}

	args := append(append([]any{}, wb.args...), f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+historyColumns+` FROM queue_task_history`+where+`
ORDER BY created_at DESC, task_id DESC LIMIT ? OFFSET ?;`, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("sqlite: query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return QueryResult{}, err
		}
		out.Records = append(out.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, err
	}
	return out, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, f StatsFilter) (Stats, error) {
	wb := &whereBuilder{placeholder: questionPlaceholder, timeArg: sqliteTime}
	wb.addStatsFilter(f)
	return collectStats(ctx, s.db, wb, "sqlite")
}

func (s *SQLiteStore) SoftDeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_task_history SET deleted_at = ?, updated_at = ?
WHERE deleted_at IS NULL AND created_at < ?;
`, now, now, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: soft delete: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) HardDeleteSoftDeletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM queue_task_history
WHERE deleted_at IS NOT NULL AND deleted_at < ?;
`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: hard delete: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) StorageStats(ctx context.Context) (StorageStats, error) {
	var out StorageStats
	var active sql.NullInt64
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       SUM(CASE WHEN deleted_at IS NULL THEN 1 ELSE 0 END),
       MIN(CASE WHEN deleted_at IS NULL THEN created_at END),
       MAX(CASE WHEN deleted_at IS NULL THEN created_at END)
FROM queue_task_history;
`).Scan(&out.TotalRecords, &active, &oldest, &newest)
	if err != nil {
		return StorageStats{}, fmt.Errorf("sqlite: storage stats: %w", err)
	}
	out.ActiveRecords = int(active.Int64)
	out.SoftDeletedRecords = out.TotalRecords - out.ActiveRecords
	out.OldestRecord = timeFromNanos(oldest)
	out.NewestRecord = timeFromNanos(newest)
	return out, nil
}

func (s *SQLiteStore) MaxTaskID(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(task_id) FROM queue_task_history;`).Scan(&max); err != nil {
		return 0, fmt.Errorf("sqlite: max task id: %w", err)
	}
	if !max.Valid || max.Int64 < 0 {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		rec                                Record
		taskID                             int64
		status                             string
		userID, waitMs, execMs, totalMs    sql.NullInt64
		userName, userRole, ip, userAgent  sql.NullString
		errMessage, errStack, metadataJSON sql.NullString
		enqueuedAt, createdAt, updatedAt   int64
		startedAt, completedAt, deletedAt  sql.NullInt64
	)
	if err := row.Scan(
		&rec.ID, &taskID, &status, &userID, &userName, &userRole, &rec.Method,
		&rec.Endpoint, &ip, &userAgent, &enqueuedAt, &startedAt, &completedAt,
		&waitMs, &execMs, &totalMs, &rec.QueueLengthAtEnqueue, &errMessage,
		&errStack, &metadataJSON, &createdAt, &updatedAt, &deletedAt,
	); err != nil {
		return Record{}, fmt.Errorf("sqlite: scan history: %w", err)
	}
	rec.TaskID = uint64(taskID)
	rec.Status = Status(status)
	rec.UserID = int64FromNull(userID)
	rec.UserName = userName.String
	rec.UserRole = userRole.String
	rec.IP = ip.String
	rec.UserAgent = userAgent.String
	rec.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	rec.StartedAt = timeFromNanos(startedAt)
	rec.CompletedAt = timeFromNanos(completedAt)
	rec.WaitTimeMs = int64FromNull(waitMs)
	rec.ExecutionTimeMs = int64FromNull(execMs)
	rec.TotalTimeMs = int64FromNull(totalMs)
	rec.ErrorMessage = errMessage.String
	rec.ErrorStack = errStack.String
	rec.Metadata = unmarshalStringMap(metadataJSON)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	rec.DeletedAt = timeFromNanos(deletedAt)
	return rec, nil
}

// collectStats runs the aggregate queries shared by the SQL backends.
func collectStats(ctx context.Context, db *sql.DB, wb *whereBuilder, backend string) (Stats, error) {
	where := wb.sql()
	out := newStats()

	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_task_history`+where+` GROUP BY status;`, wb.args...)
	if err != nil {
		return Stats{}, fmt.Errorf("%s: stats by status: %w", backend, err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return Stats{}, err
		}
		out.ByStatus[Status(status)] = n
		out.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	var avgWait, avgExec, avgTotal sql.NullFloat64
	if err := db.QueryRowContext(ctx, `
SELECT AVG(CAST(wait_time_ms AS DOUBLE PRECISION)),
       AVG(CAST(execution_time_ms AS DOUBLE PRECISION)),
       AVG(CAST(total_time_ms AS DOUBLE PRECISION))
FROM queue_task_history`+where+`;`, wb.args...).Scan(&avgWait, &avgExec, &avgTotal); err != nil {
		return Stats{}, fmt.Errorf("%s: stats averages: %w", backend, err)
	}
	out.AvgWaitMs = avgWait.Float64
	out.AvgExecutionMs = avgExec.Float64
	out.AvgTotalMs = avgTotal.Float64

	rows, err = db.QueryContext(ctx, `
SELECT endpoint, COUNT(*) AS n FROM queue_task_history`+where+`
GROUP BY endpoint ORDER BY n DESC, endpoint ASC LIMIT `+fmt.Sprint(statsTopLimit)+`;`, wb.args...)
	if err != nil {
		return Stats{}, fmt.Errorf("%s: stats endpoints: %w", backend, err)
	}
	for rows.Next() {
		var ec EndpointCount
		if err := rows.Scan(&ec.Endpoint, &ec.Count); err != nil {
			rows.Close()
			return Stats{}, err
		}
		out.TopEndpoints = append(out.TopEndpoints, ec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	rows, err = db.QueryContext(ctx, `
SELECT user_id, MAX(user_name), COUNT(*) AS n FROM queue_task_history`+where+` AND user_id IS NOT NULL
GROUP BY user_id ORDER BY n DESC, user_id ASC LIMIT `+fmt.Sprint(statsTopLimit)+`;`, wb.args...)
	if err != nil {
		return Stats{}, fmt.Errorf("%s: stats users: %w", backend, err)
	}
	for rows.Next() {
		var uc UserCount
		var name sql.NullString
		if err := rows.Scan(&uc.UserID, &name, &uc.Count); err != nil {
			rows.Close()
			return Stats{}, err
		}
		uc.UserName = name.String
		out.TopUsers = append(out.TopUsers, uc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	rows, err = db.QueryContext(ctx, `SELECT method, COUNT(*) FROM queue_task_history`+where+` GROUP BY method;`, wb.args...)
	if err != nil {
		return Stats{}, fmt.Errorf("%s: stats methods: %w", backend, err)
	}
	defer rows.Close()
	for rows.Next() {
		var method string
		var n int
		if err := rows.Scan(&method, &n); err != nil {
			return Stats{}, err
		}
		out.ByMethod[method] = n
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func sqliteTime(t time.Time) any { return t.UnixNano() }

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixNano()
}

func int64FromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return int64Ptr(v.Int64)
}

func timeFromNanos(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

func marshalStringMap(in map[string]string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalStringMap(in sql.NullString) map[string]string {
	if !in.Valid || strings.TrimSpace(in.String) == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(in.String), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}

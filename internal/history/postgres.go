package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresOption func(*PostgresStore)

type PostgresStore struct {
	db *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time
}

var _ Store = (*PostgresStore)(nil)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS queue_task_history (
  id                      TEXT PRIMARY KEY,
  task_id                 BIGINT NOT NULL,
  status                  TEXT NOT NULL,
  user_id                 BIGINT,
  user_name               VARCHAR(100),
  user_role               VARCHAR(50),
  method                  VARCHAR(10) NOT NULL,
  endpoint                VARCHAR(500) NOT NULL,
  ip                      VARCHAR(100),
  user_agent              VARCHAR(500),
  enqueued_at             TIMESTAMPTZ NOT NULL,
  started_at              TIMESTAMPTZ,
  completed_at            TIMESTAMPTZ,
  wait_time_ms            BIGINT,
  execution_time_ms       BIGINT,
  total_time_ms           BIGINT,
  queue_length_at_enqueue INTEGER NOT NULL DEFAULT 0,
  error_message           TEXT,
  error_stack             TEXT,
  metadata_json           JSONB,
  created_at              TIMESTAMPTZ NOT NULL,
  updated_at              TIMESTAMPTZ NOT NULL,
  deleted_at              TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_task_history_status_created
  ON queue_task_history(status, created_at);
CREATE INDEX IF NOT EXISTS idx_task_history_user_created
  ON queue_task_history(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_task_history_endpoint_created
  ON queue_task_history(endpoint, created_at);
CREATE INDEX IF NOT EXISTS idx_task_history_task_id
  ON queue_task_history(task_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_task_history_deleted_at
  ON queue_task_history(deleted_at);
`

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
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

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) init() error {
	if _, err := s.db.ExecContext(context.Background(), postgresSchemaV1); err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC()
}

func (s *PostgresStore) CreateInitial(ctx context.Context, rec Record) error {
	rec = normalizeRecord(rec, s.now())
	metadataJSON, err := marshalStringMap(rec.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO queue_task_history (`+historyColumns+`
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
  $17, $18, $19, $20, $21, $22, NULL);
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
		rec.EnqueuedAt,
		nullableTime(rec.StartedAt),
		nullableTime(rec.CompletedAt),
		nullableInt64(rec.WaitTimeMs),
		nullableInt64(rec.ExecutionTimeMs),
		nullableInt64(rec.TotalTimeMs),
		rec.QueueLengthAtEnqueue,
		nullableString(rec.ErrorMessage),
		nullableString(rec.ErrorStack),
		metadataJSON,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return mapPostgresInsertError(err)
}

func (s *PostgresStore) MarkStarted(ctx context.Context, taskID uint64, startedAt time.Time, waitMs int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_task_history
SET status = $1, started_at = $2, wait_time_ms = $3, updated_at = $4
WHERE id = (SELECT id FROM queue_task_history WHERE task_id = $5 ORDER BY created_at DESC LIMIT 1);
`, string(StatusStarted), startedAt.UTC(), waitMs, s.now(), int64(taskID))
	return requireAffected(res, err)
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, taskID uint64, completedAt time.Time, execMs int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_task_history
SET status = $1, completed_at = $2, execution_time_ms = $3,
    total_time_ms = (EXTRACT(EPOCH FROM ($2::timestamptz - enqueued_at)) * 1000)::bigint,
    updated_at = $4
WHERE id = (SELECT id FROM queue_task_history WHERE task_id = $5 ORDER BY created_at DESC LIMIT 1);
`, string(StatusCompleted), completedAt.UTC(), execMs, s.now(), int64(taskID))
	return requireAffected(res, err)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, taskID uint64, completedAt time.Time, execMs int64, message, stack string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_task_history
SET status = $1, completed_at = $2, execution_time_ms = $3,
    total_time_ms = (EXTRACT(EPOCH FROM ($2::timestamptz - enqueued_at)) * 1000)::bigint,
    error_message = $4, error_stack = $5, updated_at = $6
WHERE id = (SELECT id FROM queue_task_history WHERE task_id = $7 ORDER BY created_at DESC LIMIT 1);
`,
		string(StatusFailed),
		completedAt.UTC(),
		execMs,
		nullableString(Truncate(message, MaxErrorMessageLen)),
		nullableString(Truncate(stack, MaxErrorStackLen)),
		s.now(),
		int64(taskID),
	)
	return requireAffected(res, err)
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) (QueryResult, error) {
	f = normalizeFilter(f)
	wb := &whereBuilder{placeholder: dollarPlaceholder, timeArg: postgresTime}
	wb.addFilter(f)
	where := wb.sql()

	out := QueryResult{Records: []Record{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_task_history`+where, wb.args...).Scan(&out.Total); err != nil {
		return QueryResult{}, fmt.Errorf("postgres: count history: %w", err)
	}

	n := len(wb.args)
	args := append(append([]any{}, wb.args...), f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+historyColumns+` FROM queue_task_history`+where+`
ORDER BY created_at DESC, task_id DESC LIMIT `+dollarPlaceholder(n+1)+` OFFSET `+dollarPlaceholder(n+2)+`;`, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("postgres: query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
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

func (s *PostgresStore) Stats(ctx context.Context, f StatsFilter) (Stats, error) {
	wb := &whereBuilder{placeholder: dollarPlaceholder, timeArg: postgresTime}
	wb.addStatsFilter(f)
	return collectStats(ctx, s.db, wb, "postgres")
}

func (s *PostgresStore) SoftDeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_task_history SET deleted_at = $1, updated_at = $1
WHERE deleted_at IS NULL AND created_at < $2;
`, now, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: soft delete: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) HardDeleteSoftDeletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM queue_task_history
WHERE deleted_at IS NOT NULL AND deleted_at < $1;
`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: hard delete: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) StorageStats(ctx context.Context) (StorageStats, error) {
	var out StorageStats
	var oldest, newest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE deleted_at IS NULL),
       MIN(created_at) FILTER (WHERE deleted_at IS NULL),
       MAX(created_at) FILTER (WHERE deleted_at IS NULL)
FROM queue_task_history;
`).Scan(&out.TotalRecords, &out.ActiveRecords, &oldest, &newest)
	if err != nil {
		return StorageStats{}, fmt.Errorf("postgres: storage stats: %w", err)
	}
	out.SoftDeletedRecords = out.TotalRecords - out.ActiveRecords
	if oldest.Valid {
		out.OldestRecord = oldest.Time.UTC()
	}
	if newest.Valid {
		out.NewestRecord = newest.Time.UTC()
	}
	return out, nil
}

func (s *PostgresStore) MaxTaskID(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(task_id) FROM queue_task_history;`).Scan(&max); err != nil {
		return 0, fmt.Errorf("postgres: max task id: %w", err)
	}
	if !max.Valid || max.Int64 < 0 {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

func scanPostgresRecord(row rowScanner) (Record, error) {
	var (
		rec                               Record
		taskID                            int64
		status                            string
		userID, waitMs, execMs, totalMs   sql.NullInt64
		userName, userRole, ip, userAgent sql.NullString
		errMessage, errStack              sql.NullString
		metadataJSON                      []byte
		startedAt, completedAt, deletedAt sql.NullTime
		enqueuedAt, createdAt, updatedAt  time.Time
	)
	if err := row.Scan(
		&rec.ID, &taskID, &status, &userID, &userName, &userRole, &rec.Method,
		&rec.Endpoint, &ip, &userAgent, &enqueuedAt, &startedAt, &completedAt,
		&waitMs, &execMs, &totalMs, &rec.QueueLengthAtEnqueue, &errMessage,
		&errStack, &metadataJSON, &createdAt, &updatedAt, &deletedAt,
	); err != nil {
		return Record{}, fmt.Errorf("postgres: scan history: %w", err)
	}
	rec.TaskID = uint64(taskID)
	rec.Status = Status(status)
	rec.UserID = int64FromNull(userID)
	rec.UserName = userName.String
	rec.UserRole = userRole.String
	rec.IP = ip.String
	rec.UserAgent = userAgent.String
	rec.EnqueuedAt = enqueuedAt.UTC()
	rec.StartedAt = timeFromNull(startedAt)
	rec.CompletedAt = timeFromNull(completedAt)
	rec.WaitTimeMs = int64FromNull(waitMs)
	rec.ExecutionTimeMs = int64FromNull(execMs)
	rec.TotalTimeMs = int64FromNull(totalMs)
	rec.ErrorMessage = errMessage.String
	rec.ErrorStack = errStack.String
	rec.Metadata = decodeStringMapJSON(metadataJSON)
	rec.CreatedAt = createdAt.UTC()
	rec.UpdatedAt = updatedAt.UTC()
	rec.DeletedAt = timeFromNull(deletedAt)
	return rec, nil
}

func postgresTime(t time.Time) any { return t }

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timeFromNull(v sql.NullTime) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return v.Time.UTC()
}

func mapPostgresInsertError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrRecordExists
	}
	return err
}

func decodeStringMapJSON(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nuetzliches/queuekeeper/internal/history"
)

const (
	DefaultSoftDeleteSchedule = "0 3 * * *"
	DefaultRetentionDays      = 30
	DefaultHardDeleteSchedule = "0 0 1 * *"
	DefaultHardDeleteDays     = 90

	JobSoftDelete = "soft_delete"
	JobHardDelete = "hard_delete"

	jobTimeout = 5 * time.Minute
)

var ErrNoStore = errors.New("retention: history store is not configured")

type Config struct {
	SoftDeleteSchedule string
	RetentionDays      int
	HardDeleteEnabled  bool
	HardDeleteSchedule string
	HardDeleteDays     int
	// Location for schedule evaluation; nil means time.Local.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.SoftDeleteSchedule) == "" {
		c.SoftDeleteSchedule = DefaultSoftDeleteSchedule
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if strings.TrimSpace(c.HardDeleteSchedule) == "" {
		c.HardDeleteSchedule = DefaultHardDeleteSchedule
	}
	if c.HardDeleteDays <= 0 {
		c.HardDeleteDays = DefaultHardDeleteDays
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Validate reports schedule expressions the cron parser rejects.
func (c Config) Validate() error {
	c = c.withDefaults()
	if _, err := cron.ParseStandard(c.SoftDeleteSchedule); err != nil {
		return fmt.Errorf("retention: soft delete schedule %q: %w", c.SoftDeleteSchedule, err)
	}
	if c.HardDeleteEnabled {
		if _, err := cron.ParseStandard(c.HardDeleteSchedule); err != nil {
			return fmt.Errorf("retention: hard delete schedule %q: %w", c.HardDeleteSchedule, err)
		}
	}
	return nil
}

type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Days     int       `json:"days"`
	Next     time.Time `json:"next,omitzero"`
	Prev     time.Time `json:"prev,omitzero"`
}

type Option func(*Manager)

func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.nowFn = now
		}
	}
}

// Manager runs the periodic soft-delete sweep and the optional hard-delete
// purge over a history.Store. Failed runs are logged and retried on the
// next tick.
type Manager struct {
	Store      history.Store
	Logger     *slog.Logger
	ObserveRun func(job string, affected int, err error)

	nowFn func() time.Time

	mu      sync.Mutex
	cfg     Config
	sched   *cron.Cron
	entries map[string]cron.EntryID
}

func New(store history.Store, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		Store:   store,
		nowFn:   time.Now,
		cfg:     cfg.withDefaults(),
		entries: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Start schedules the configured jobs. Calling Start twice is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sched != nil {
		return nil
	}
	m.sched = m.newScheduler(m.cfg.Location)
	if err := m.scheduleLocked(); err != nil {
		m.sched = nil
		return err
	}
	m.sched.Start()
	m.logger().Info("retention_started",
		slog.String("soft_delete_schedule", m.cfg.SoftDeleteSchedule),
		slog.Int("retention_days", m.cfg.RetentionDays),
		slog.Bool("hard_delete_enabled", m.cfg.HardDeleteEnabled),
	)
	return nil
}

// Stop halts scheduling and waits for a running job until ctx is done.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sched := m.sched
	m.sched = nil
	clear(m.entries)
	m.mu.Unlock()
	if sched == nil {
		return nil
	}
	select {
	case <-sched.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconfigure swaps in cfg. A running scheduler picks up the new schedules
// immediately; a location change takes effect on the next Start.
func (m *Manager) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.cfg
	m.cfg = cfg
	if m.sched == nil {
		return nil
	}
	for name, id := range m.entries {
		m.sched.Remove(id)
		delete(m.entries, name)
	}
	if err := m.scheduleLocked(); err != nil {
		m.cfg = prev
		return err
	}
	m.logger().Info("retention_reconfigured",
		slog.String("soft_delete_schedule", cfg.SoftDeleteSchedule),
		slog.Int("retention_days", cfg.RetentionDays),
		slog.Bool("hard_delete_enabled", cfg.HardDeleteEnabled),
	)
	return nil
}

// Jobs lists scheduled jobs with their next run. It is empty before Start.
func (m *Manager) Jobs() []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sched == nil {
		return nil
	}
	out := make([]JobInfo, 0, len(m.entries))
	for _, name := range []string{JobSoftDelete, JobHardDelete} {
		id, ok := m.entries[name]
		if !ok {
			continue
		}
		e := m.sched.Entry(id)
		info := JobInfo{Name: name, Next: e.Next, Prev: e.Prev}
		if name == JobSoftDelete {
			info.Schedule, info.Days = m.cfg.SoftDeleteSchedule, m.cfg.RetentionDays
		} else {
			info.Schedule, info.Days = m.cfg.HardDeleteSchedule, m.cfg.HardDeleteDays
		}
		out = append(out, info)
	}
	return out
}

// ManualCleanup soft-deletes rows older than daysToKeep days.
// daysToKeep <= 0 uses the default retention.
func (m *Manager) ManualCleanup(ctx context.Context, daysToKeep int) (int, error) {
	if daysToKeep <= 0 {
		daysToKeep = DefaultRetentionDays
	}
	return m.softDelete(ctx, daysToKeep)
}

// HardDelete permanently removes rows soft-deleted more than days ago.
// days <= 0 uses the default.
func (m *Manager) HardDelete(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = DefaultHardDeleteDays
	}
	return m.hardDelete(ctx, days)
}

func (m *Manager) StorageStats(ctx context.Context) (history.StorageStats, error) {
	if m.Store == nil {
		return history.StorageStats{}, ErrNoStore
	}
	return m.Store.StorageStats(ctx)
}

func (m *Manager) softDelete(ctx context.Context, days int) (int, error) {
	if m.Store == nil {
		return 0, ErrNoStore
	}
	cutoff := m.now().AddDate(0, 0, -days)
	affected, err := m.Store.SoftDeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention: soft delete before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return affected, nil
}

func (m *Manager) hardDelete(ctx context.Context, days int) (int, error) {
	if m.Store == nil {
		return 0, ErrNoStore
	}
	cutoff := m.now().AddDate(0, 0, -days)
	affected, err := m.Store.HardDeleteSoftDeletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention: hard delete before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return affected, nil
}

func (m *Manager) newScheduler(loc *time.Location) *cron.Cron {
	logger := cronLogger{l: m.logger()}
	return cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
}

func (m *Manager) scheduleLocked() error {
	id, err := m.sched.AddFunc(m.cfg.SoftDeleteSchedule, m.runSoftDelete)
	if err != nil {
		return fmt.Errorf("retention: schedule soft delete: %w", err)
	}
	m.entries[JobSoftDelete] = id
	if !m.cfg.HardDeleteEnabled {
		return nil
	}
	id, err = m.sched.AddFunc(m.cfg.HardDeleteSchedule, m.runHardDelete)
	if err != nil {
		m.sched.Remove(m.entries[JobSoftDelete])
		delete(m.entries, JobSoftDelete)
		return fmt.Errorf("retention: schedule hard delete: %w", err)
	}
	m.entries[JobHardDelete] = id
	return nil
}

func (m *Manager) runSoftDelete() {
	days := m.Config().RetentionDays
	m.runJob(JobSoftDelete, days, m.softDelete)
}

func (m *Manager) runHardDelete() {
	days := m.Config().HardDeleteDays
	m.runJob(JobHardDelete, days, m.hardDelete)
}

func (m *Manager) runJob(job string, days int, fn func(context.Context, int) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	log := m.logger().With(slog.String("job", job), slog.Int("days", days))
	log.Info("retention_" + job + "_started")
	affected, err := fn(ctx, days)
	if m.ObserveRun != nil {
		m.ObserveRun(job, affected, err)
	}
	if err != nil {
		log.Error("retention_"+job+"_failed", slog.Any("err", err))
		return
	}
	log.Info("retention_"+job+"_completed", slog.Int("affected", affected))
}

func (m *Manager) now() time.Time {
	return m.nowFn()
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// cronLogger routes the scheduler's own diagnostics into slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron_"+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron_"+msg, append([]any{slog.Any("err", err)}, keysAndValues...)...)
}

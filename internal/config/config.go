package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/nuetzliches/queuekeeper/internal/httpheader"
)

const (
	DefaultListen               = ":8080"
	DefaultMaxConcurrency       = 3
	DefaultMaxQueueSize         = 200
	DefaultEventBufferSize      = 50
	DefaultDailyStatsWindowDays = 7
	DefaultRetryAfter           = 5 * time.Second
	DefaultJournalBuffer        = 1024
	DefaultDrainTimeout         = 30 * time.Second
	DefaultSQLitePath           = "queuekeeper.db"
	DefaultAdminPrefix          = "/admin"
	DefaultSoftDeleteSchedule   = "0 3 * * *"
	DefaultRetentionDays        = 30
	DefaultHardDeleteSchedule   = "0 0 1 * *"
	DefaultHardDeleteDays       = 90
	DefaultMetricsPath          = "/metrics"

	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Environment overrides for secrets. They win over file values.
const (
	EnvAdminToken  = "QUEUEKEEPER_ADMIN_TOKEN"
	EnvJWTSecret   = "QUEUEKEEPER_JWT_SECRET"
	EnvPostgresDSN = "QUEUEKEEPER_POSTGRES_DSN"
)

type Config struct {
	Listen        string              `yaml:"listen"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Queue         QueueConfig         `yaml:"queue"`
	History       HistoryConfig       `yaml:"history"`
	Retention     RetentionConfig     `yaml:"retention"`
	Admin         AdminConfig         `yaml:"admin"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type UpstreamConfig struct {
	URL                   string        `yaml:"url"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
}

type QueueConfig struct {
	MaxConcurrency       int           `yaml:"max_concurrency"`
	MaxQueueSize         int           `yaml:"max_queue_size"`
	EventBufferSize      int           `yaml:"event_buffer_size"`
	DailyStatsWindowDays int           `yaml:"daily_stats_window_days"`
	SkipPrefixes         []string      `yaml:"skip_prefixes"`
	RetryAfter           time.Duration `yaml:"retry_after"`
	JournalBuffer        int           `yaml:"journal_buffer"`
	DrainTimeout         time.Duration `yaml:"drain_timeout"`
}

type HistoryConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type RetentionConfig struct {
	SoftDeleteSchedule string `yaml:"soft_delete_schedule"`
	RetentionDays      int    `yaml:"retention_days"`
	HardDeleteEnabled  bool   `yaml:"hard_delete_enabled"`
	HardDeleteSchedule string `yaml:"hard_delete_schedule"`
	HardDeleteDays     int    `yaml:"hard_delete_days"`
	Timezone           string `yaml:"timezone"`
}

// Location resolves Timezone; empty means UTC.
func (r RetentionConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(r.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(strings.TrimSpace(r.Timezone))
}

type AdminConfig struct {
	Listen             string   `yaml:"listen"`
	Prefix             string   `yaml:"prefix"`
	Tokens             []string `yaml:"tokens"`
	RequireAuditReason bool     `yaml:"require_audit_reason"`
	AllowHardDelete    bool     `yaml:"allow_hard_delete"`
	GRPCListen         string   `yaml:"grpc_listen"`
}

type AuthConfig struct {
	JWTSecrets []string      `yaml:"jwt_secrets"`
	JWTLeeway  time.Duration `yaml:"jwt_leeway"`
}

type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogOutput string        `yaml:"log_output"`
	LogPath   string        `yaml:"log_path"`
	AccessLog bool          `yaml:"access_log"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Tracing   TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Collector   string            `yaml:"collector"`
	URLPath     string            `yaml:"url_path"`
	Compression string            `yaml:"compression"`
	Insecure    bool              `yaml:"insecure"`
	Timeout     time.Duration     `yaml:"timeout"`
	ProxyURL    string            `yaml:"proxy_url"`
	Headers     map[string]string `yaml:"headers"`
	TLS         TracingTLSConfig  `yaml:"tls"`
}

type TracingTLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r ValidationResult) Err() error {
	if r.OK {
		return nil
	}
	return errors.New(FormatValidationText(r))
}

func Default() Config {
	return Config{
		Listen: DefaultListen,
		Queue: QueueConfig{
			MaxConcurrency:       DefaultMaxConcurrency,
			MaxQueueSize:         DefaultMaxQueueSize,
			EventBufferSize:      DefaultEventBufferSize,
			DailyStatsWindowDays: DefaultDailyStatsWindowDays,
			SkipPrefixes:         []string{DefaultAdminPrefix + "/"},
			RetryAfter:           DefaultRetryAfter,
			JournalBuffer:        DefaultJournalBuffer,
			DrainTimeout:         DefaultDrainTimeout,
		},
		History: HistoryConfig{
			Backend:    BackendSQLite,
			SQLitePath: DefaultSQLitePath,
		},
		Retention: RetentionConfig{
			SoftDeleteSchedule: DefaultSoftDeleteSchedule,
			RetentionDays:      DefaultRetentionDays,
			HardDeleteSchedule: DefaultHardDeleteSchedule,
			HardDeleteDays:     DefaultHardDeleteDays,
		},
		Admin: AdminConfig{
			Prefix: DefaultAdminPrefix,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogOutput: "stderr",
			AccessLog: true,
			Metrics:   MetricsConfig{Enabled: true, Path: DefaultMetricsPath},
		},
	}
}

// Load reads path, applies defaults, placeholders and environment
// overrides, then validates. The result is returned even when invalid so
// callers can report every problem at once.
func Load(path string) (*Config, ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ValidationResult{}, err
	}
	cfg, res := Parse(data)
	return cfg, res, nil
}

func Parse(data []byte) (*Config, ValidationResult) {
	cfg := Default()
	var res ValidationResult

	dec := yaml.NewDecoder(bytes.NewReader(normalizeInput(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		res.Errors = append(res.Errors, fmt.Sprintf("parse: %v", err))
		return &cfg, res
	}

	cfg.resolvePlaceholders(&res)
	cfg.applyEnv()
	cfg.normalize()
	validate(&cfg, &res)
	res.OK = len(res.Errors) == 0
	return &cfg, res
}

func (c *Config) resolvePlaceholders(res *ValidationResult) {
	c.Listen = resolveValue(c.Listen, "listen", res)
	c.Upstream.URL = resolveValue(c.Upstream.URL, "upstream.url", res)
	c.History.SQLitePath = resolveValue(c.History.SQLitePath, "history.sqlite_path", res)
	c.History.PostgresDSN = resolveValue(c.History.PostgresDSN, "history.postgres_dsn", res)
	c.Admin.Listen = resolveValue(c.Admin.Listen, "admin.listen", res)
	c.Admin.GRPCListen = resolveValue(c.Admin.GRPCListen, "admin.grpc_listen", res)
	for i := range c.Admin.Tokens {
		c.Admin.Tokens[i] = resolveValue(c.Admin.Tokens[i], fmt.Sprintf("admin.tokens[%d]", i), res)
	}
	for i := range c.Auth.JWTSecrets {
		c.Auth.JWTSecrets[i] = resolveValue(c.Auth.JWTSecrets[i], fmt.Sprintf("auth.jwt_secrets[%d]", i), res)
	}
	t := &c.Observability.Tracing
	t.Collector = resolveValue(t.Collector, "observability.tracing.collector", res)
	for k, v := range t.Headers {
		t.Headers[k] = resolveValue(v, "observability.tracing.headers."+k, res)
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAdminToken)); v != "" {
		c.Admin.Tokens = []string{v}
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		c.Auth.JWTSecrets = []string{v}
	}
	if v := strings.TrimSpace(os.Getenv(EnvPostgresDSN)); v != "" {
		c.History.PostgresDSN = v
	}
}

func (c *Config) normalize() {
	c.History.Backend = strings.ToLower(strings.TrimSpace(c.History.Backend))
	c.Admin.Prefix = strings.TrimSpace(c.Admin.Prefix)
	if c.Admin.Prefix != "" && !strings.HasPrefix(c.Admin.Prefix, "/") {
		c.Admin.Prefix = "/" + c.Admin.Prefix
	}
	c.Admin.Prefix = strings.TrimRight(c.Admin.Prefix, "/")
	c.Admin.Tokens = nonEmpty(c.Admin.Tokens)
	c.Auth.JWTSecrets = nonEmpty(c.Auth.JWTSecrets)
	c.Queue.SkipPrefixes = nonEmpty(c.Queue.SkipPrefixes)
}

func validate(c *Config, res *ValidationResult) {
	errorf := func(format string, args ...any) {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}
	warnf := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	validateListen("listen", c.Listen, true, res)
	validateListen("admin.listen", c.Admin.Listen, false, res)
	validateListen("admin.grpc_listen", c.Admin.GRPCListen, false, res)

	if strings.TrimSpace(c.Upstream.URL) == "" {
		errorf("upstream.url is required")
	} else if u, err := url.Parse(c.Upstream.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errorf("upstream.url must be an absolute http(s) URL")
	}
	if c.Upstream.ResponseHeaderTimeout < 0 {
		errorf("upstream.response_header_timeout must be >= 0")
	}

	q := c.Queue
	if q.MaxConcurrency < 1 {
		errorf("queue.max_concurrency must be >= 1")
	}
	if q.MaxQueueSize < 1 {
		errorf("queue.max_queue_size must be >= 1")
	}
	if q.EventBufferSize < 1 {
		errorf("queue.event_buffer_size must be >= 1")
	}
	if q.DailyStatsWindowDays < 1 {
		errorf("queue.daily_stats_window_days must be >= 1")
	}
	if q.JournalBuffer < 1 {
		errorf("queue.journal_buffer must be >= 1")
	}
	if q.RetryAfter < time.Second {
		errorf("queue.retry_after must be >= 1s")
	}
	if q.DrainTimeout <= 0 {
		errorf("queue.drain_timeout must be > 0")
	}
	for i, p := range q.SkipPrefixes {
		if !strings.HasPrefix(p, "/") {
			errorf("queue.skip_prefixes[%d] must start with /", i)
		}
	}

	switch c.History.Backend {
	case BackendSQLite:
		if strings.TrimSpace(c.History.SQLitePath) == "" {
			errorf("history.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.History.PostgresDSN) == "" {
			errorf("history.postgres_dsn (or %s) is required for the postgres backend", EnvPostgresDSN)
		}
	case BackendMemory:
		warnf("history.backend memory keeps the audit trail only until restart")
	default:
		errorf("history.backend must be one of sqlite|postgres|memory")
	}

	r := c.Retention
	if _, err := r.Location(); err != nil {
		errorf("retention.timezone: %v", err)
	}
	if _, err := cron.ParseStandard(r.SoftDeleteSchedule); err != nil {
		errorf("retention.soft_delete_schedule: %v", err)
	}
	if r.RetentionDays < 1 {
		errorf("retention.retention_days must be >= 1")
	}
	if r.HardDeleteEnabled {
		if _, err := cron.ParseStandard(r.HardDeleteSchedule); err != nil {
			errorf("retention.hard_delete_schedule: %v", err)
		}
		if r.HardDeleteDays < 1 {
			errorf("retention.hard_delete_days must be >= 1")
		}
	}

	if c.Admin.Prefix == "" {
		errorf("admin.prefix must not be empty or /")
	}
	if len(c.Admin.Tokens) == 0 {
		warnf("admin.tokens is empty; the admin API is unauthenticated")
	}
	if c.Admin.Listen == "" && c.Admin.Prefix != "" && !skipsPrefix(q.SkipPrefixes, c.Admin.Prefix) {
		warnf("admin.prefix %s is not in queue.skip_prefixes; admin mutations will be queued", c.Admin.Prefix)
	}
	if c.Auth.JWTLeeway < 0 {
		errorf("auth.jwt_leeway must be >= 0")
	}

	obs := c.Observability
	switch strings.ToLower(strings.TrimSpace(obs.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errorf("observability.log_level must be one of debug|info|warn|error")
	}
	switch strings.ToLower(strings.TrimSpace(obs.LogOutput)) {
	case "", "stdout", "stderr":
	case "file":
		if strings.TrimSpace(obs.LogPath) == "" {
			errorf("observability.log_path is required when log_output is file")
		}
	default:
		errorf("observability.log_output must be one of stdout|stderr|file")
	}
	if obs.Metrics.Enabled && !strings.HasPrefix(obs.Metrics.Path, "/") {
		errorf("observability.metrics.path must start with /")
	}
	t := obs.Tracing
	if t.Enabled {
		if t.Collector != "" {
			if u, err := url.Parse(t.Collector); err != nil || u.Scheme == "" || u.Host == "" {
				errorf("observability.tracing.collector must be an absolute URL")
			}
		}
		switch t.Compression {
		case "", "gzip", "none":
		default:
			errorf("observability.tracing.compression must be gzip or none")
		}
		if err := httpheader.ValidateMap(t.Headers, "Content-Type", "Content-Encoding", "Content-Length"); err != nil {
			errorf("observability.tracing.headers: %v", err)
		}
		if t.ProxyURL != "" {
			if _, err := url.Parse(t.ProxyURL); err != nil {
				errorf("observability.tracing.proxy_url: %v", err)
			}
		}
		if (t.TLS.CertFile == "") != (t.TLS.KeyFile == "") {
			errorf("observability.tracing.tls cert_file and key_file must be set together")
		}
	}
}

func validateListen(field, addr string, required bool, res *ValidationResult) {
	if strings.TrimSpace(addr) == "" {
		if required {
			res.Errors = append(res.Errors, field+" is required")
		}
		return
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", field, err))
	}
}

func skipsPrefix(prefixes []string, adminPrefix string) bool {
	for _, p := range prefixes {
		if strings.TrimRight(p, "/") == adminPrefix {
			return true
		}
	}
	return false
}

func nonEmpty(in []string) []string {
	out := in[:0]
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func FormatValidationText(res ValidationResult) string {
	if res.OK {
		if len(res.Warnings) == 0 {
			return "config ok"
		}
		return fmt.Sprintf("config ok (warnings: %d)", len(res.Warnings))
	}
	if len(res.Errors) == 0 {
		return "config invalid"
	}
	return fmt.Sprintf("config invalid: %s", res.Errors[0])
}

// RestartRequired lists settings that differ between a and b but are only
// read at startup. Retention, log level and admin tokens apply live.
func RestartRequired(a, b *Config) []string {
	var out []string
	if a.Listen != b.Listen {
		out = append(out, "listen")
	}
	if a.Upstream != b.Upstream {
		out = append(out, "upstream")
	}
	if a.Queue.MaxConcurrency != b.Queue.MaxConcurrency ||
		a.Queue.MaxQueueSize != b.Queue.MaxQueueSize ||
		a.Queue.EventBufferSize != b.Queue.EventBufferSize ||
		a.Queue.DailyStatsWindowDays != b.Queue.DailyStatsWindowDays ||
		a.Queue.JournalBuffer != b.Queue.JournalBuffer ||
		a.Queue.RetryAfter != b.Queue.RetryAfter ||
		!equalStrings(a.Queue.SkipPrefixes, b.Queue.SkipPrefixes) {
		out = append(out, "queue")
	}
	if a.History != b.History {
		out = append(out, "history")
	}
	if a.Admin.Listen != b.Admin.Listen ||
		a.Admin.Prefix != b.Admin.Prefix ||
		a.Admin.GRPCListen != b.Admin.GRPCListen ||
		a.Admin.RequireAuditReason != b.Admin.RequireAuditReason ||
		a.Admin.AllowHardDelete != b.Admin.AllowHardDelete {
		out = append(out, "admin")
	}
	if !equalStrings(a.Auth.JWTSecrets, b.Auth.JWTSecrets) || a.Auth.JWTLeeway != b.Auth.JWTLeeway {
		out = append(out, "auth")
	}
	if a.Observability.LogOutput != b.Observability.LogOutput ||
		a.Observability.LogPath != b.Observability.LogPath ||
		a.Observability.Metrics != b.Observability.Metrics ||
		a.Observability.Tracing.Enabled != b.Observability.Tracing.Enabled ||
		a.Observability.Tracing.Collector != b.Observability.Tracing.Collector {
		out = append(out, "observability")
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

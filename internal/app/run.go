package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nuetzliches/queuekeeper/internal/admin"
	"github.com/nuetzliches/queuekeeper/internal/adminrpc"
	"github.com/nuetzliches/queuekeeper/internal/admission"
	"github.com/nuetzliches/queuekeeper/internal/config"
	"github.com/nuetzliches/queuekeeper/internal/dispatcher"
	"github.com/nuetzliches/queuekeeper/internal/history"
	"github.com/nuetzliches/queuekeeper/internal/retention"
)

const (
	defaultConfigPath = "./queuekeeper.yaml"
	readHeaderTimeout = 10 * time.Second
)

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	pidFile := fs.String("pid-file", "", "write process PID to file")
	logLevel := fs.String("log-level", "", "log level override (debug|info|warn|error)")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "watch config file for reload")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	bootLogger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(bootLogger)

	if strings.TrimSpace(*dotenvPath) != "" {
		n, err := loadDotenv(strings.TrimSpace(*dotenvPath))
		if err != nil {
			bootLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
		bootLogger.Debug("dotenv_loaded", slog.Int("keys", n))
	}

	releasePIDFile, err := claimPIDFile(strings.TrimSpace(*pidFile))
	if err != nil {
		bootLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	cfg, res, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("read_config_failed", slog.Any("err", err))
		return 1
	}
	for _, w := range res.Warnings {
		bootLogger.Warn("config_warning", slog.String("warning", w))
	}
	if !res.OK {
		bootLogger.Error("config_invalid", slog.String("error", config.FormatValidationText(res)))
		return 1
	}

	level := cfg.Observability.LogLevel
	if strings.TrimSpace(*logLevel) != "" {
		level = *logLevel
	}
	logger, levelVar, logCloser, err := newLoggerToSink(level, cfg.Observability.LogOutput, cfg.Observability.LogPath)
	if err != nil {
		bootLogger.Error("runtime_log_failed", slog.Any("err", err))
		return 1
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)
	logger.Info("config_ok", slog.String("path", *configPath))

	registry := prom.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics, err := newRuntimeMetrics(registry)
	if err != nil {
		logger.Error("metrics_init_failed", slog.Any("err", err))
		return 1
	}

	tracingEnabled := cfg.Observability.Tracing.Enabled
	if tracingEnabled {
		shutdownTracing, err := initTracing(context.Background(), cfg.Observability.Tracing, func(err error) {
			appMetrics.tracingExportErrors.Inc()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			appMetrics.tracingInitFailures.Inc()
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openHistoryStore(cfg.History)
	if err != nil {
		logger.Error("open_history_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = store.Close() }()
	logger.Info("history_backend_selected", slog.String("backend", cfg.History.Backend))

	svc, err := newService(ctx, cfg, store, serviceOptions{
		Logger:         logger,
		Metrics:        appMetrics,
		Registry:       registry,
		TracingEnabled: tracingEnabled,
	})
	if err != nil {
		logger.Error("start_failed", slog.Any("err", err))
		return 1
	}
	svc.levelVar = levelVar
	svc.levelPinned = strings.TrimSpace(*logLevel) != ""

	if err := svc.start(ctx, cancel); err != nil {
		logger.Error("start_servers_failed", slog.Any("err", err))
		svc.shutdown()
		return 1
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				svc.reload(*configPath, "signal_sighup")
			}
		}
	}()
	if *watch {
		go config.Watch(ctx, *configPath, logger, func() {
			svc.reload(*configPath, "watch")
		})
	}

	<-ctx.Done()
	logger.Info("shutdown_started")
	if !svc.shutdown() {
		return 1
	}
	return 0
}

func openHistoryStore(hc config.HistoryConfig) (history.Store, error) {
	switch hc.Backend {
	case config.BackendSQLite, "":
		store, err := history.NewSQLiteStore(hc.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendPostgres:
		store, err := history.NewPostgresStore(hc.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendMemory:
		return history.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported history backend %q", hc.Backend)
	}
}

func retentionConfig(rc config.RetentionConfig) (retention.Config, error) {
	loc, err := rc.Location()
	if err != nil {
		return retention.Config{}, err
	}
	return retention.Config{
		SoftDeleteSchedule: rc.SoftDeleteSchedule,
		RetentionDays:      rc.RetentionDays,
		HardDeleteEnabled:  rc.HardDeleteEnabled,
		HardDeleteSchedule: rc.HardDeleteSchedule,
		HardDeleteDays:     rc.HardDeleteDays,
		Location:           loc,
	}, nil
}

type serviceOptions struct {
	Logger         *slog.Logger
	Metrics        *runtimeMetrics
	Registry       *prom.Registry
	TracingEnabled bool
	Now            func() time.Time
}

// service wires the dispatcher, admission gate, admin APIs and retention
// around one history store.
type service struct {
	logger     *slog.Logger
	metrics    *runtimeMetrics
	registry   *prom.Registry
	tracing    bool
	store      history.Store
	dispatcher *dispatcher.Dispatcher
	retention  *retention.Manager
	tokens     *adminTokens

	levelVar    *slog.LevelVar
	levelPinned bool

	mu  sync.Mutex
	cfg *config.Config

	servers    []*http.Server
	grpcServer *grpc.Server
}

func newService(ctx context.Context, cfg *config.Config, store history.Store, opts serviceOptions) (*service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prom.NewRegistry()
	}
	m := opts.Metrics
	if m == nil {
		var err error
		if m, err = newRuntimeMetrics(registry); err != nil {
			return nil, err
		}
	}

	rc, err := retentionConfig(cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("retention timezone: %w", err)
	}
	var retOpts []retention.Option
	if opts.Now != nil {
		retOpts = append(retOpts, retention.WithNowFunc(opts.Now))
	}
	ret, err := retention.New(store, rc, retOpts...)
	if err != nil {
		return nil, err
	}
	ret.Logger = logger
	ret.ObserveRun = m.observeRetention

	last, err := store.MaxTaskID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last task id: %w", err)
	}
	dopts := []dispatcher.Option{dispatcher.WithSequenceStart(last)}
	if opts.Now != nil {
		dopts = append(dopts, dispatcher.WithNowFunc(opts.Now))
	}
	d := dispatcher.New(dispatcher.Config{
		MaxConcurrency:       cfg.Queue.MaxConcurrency,
		MaxQueueSize:         cfg.Queue.MaxQueueSize,
		EventBufferSize:      cfg.Queue.EventBufferSize,
		DailyStatsWindowDays: cfg.Queue.DailyStatsWindowDays,
	}, dopts...)
	d.Journal = dispatcher.NewJournal(store, cfg.Queue.JournalBuffer, logger)
	d.Logger = logger
	d.ObserveTask = m.observeTask

	if err := registry.Register(newQueueCollector(d, d.Journal)); err != nil {
		d.Drain(time.Second)
		return nil, err
	}

	tokens := &adminTokens{}
	tokens.set(cfg.Admin.Tokens)

	return &service{
		logger:     logger,
		metrics:    m,
		registry:   registry,
		tracing:    opts.TracingEnabled,
		store:      store,
		dispatcher: d,
		retention:  ret,
		tokens:     tokens,
		cfg:        cfg,
	}, nil
}

func (s *service) config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// handlers returns the proxy listener handler and, when admin.listen is
// set, a separate admin listener handler. Otherwise admin is nil and the
// admin API shares the proxy listener under its prefix.
func (s *service) handlers() (proxy http.Handler, adminHandler http.Handler, err error) {
	cfg := s.config()

	upstream, err := newUpstreamProxy(cfg.Upstream, s.tracing, s.logger)
	if err != nil {
		return nil, nil, err
	}
	gate := &admission.Middleware{
		Dispatcher:      s.dispatcher,
		Next:            upstream,
		SkipPrefixes:    cfg.Queue.SkipPrefixes,
		Identify:        admission.JWTIdentifier(toBytes(cfg.Auth.JWTSecrets), cfg.Auth.JWTLeeway),
		RetryAfter:      cfg.Queue.RetryAfter,
		Logger:          s.logger,
		ObserveDecision: s.metrics.observeDecision,
	}

	adminSrv := admin.NewServer(s.dispatcher, s.store, s.retention)
	adminSrv.Authorize = s.tokens.authorizeHTTP
	adminSrv.RequireAuditReason = cfg.Admin.RequireAuditReason
	adminSrv.AllowHardDelete = cfg.Admin.AllowHardDelete
	adminSrv.HealthDiagnostics = s.healthDiagnostics
	adminSrv.AuditMutation = func(ev admin.MutationAuditEvent) {
		s.logger.Info("admin_mutation",
			slog.String("operation", ev.Operation),
			slog.Int("days", ev.Days),
			slog.Int("affected", ev.Affected),
			slog.String("reason", ev.Reason),
			slog.String("actor", ev.Actor),
			slog.String("request_id", ev.RequestID),
		)
	}
	mountedAdmin := mountPrefix(cfg.Admin.Prefix, adminSrv)

	// Liveness stays reachable without admin credentials.
	liveness := admin.NewServer(s.dispatcher, nil, nil)
	liveness.HealthDiagnostics = s.healthDiagnostics

	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	}

	routes := listenerRoutes{
		adminPrefix: cfg.Admin.Prefix,
		metricsPath: cfg.Observability.Metrics.Path,
		metrics:     metricsHandler,
		liveness:    liveness,
	}
	if cfg.Admin.Listen == "" {
		routes.admin = mountedAdmin
		routes.fallback = gate
		return routes, nil, nil
	}
	proxyRoutes := listenerRoutes{liveness: liveness, fallback: gate}
	routes.admin = mountedAdmin
	return proxyRoutes, routes, nil
}

type listenerRoutes struct {
	adminPrefix string
	admin       http.Handler
	metricsPath string
	metrics     http.Handler
	liveness    http.Handler
	fallback    http.Handler
}

func (l listenerRoutes) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case l.liveness != nil && r.URL.Path == "/healthz":
		l.liveness.ServeHTTP(w, r)
	case l.metrics != nil && r.URL.Path == l.metricsPath:
		l.metrics.ServeHTTP(w, r)
	case l.admin != nil && hasPathPrefix(r.URL.Path, l.adminPrefix):
		l.admin.ServeHTTP(w, r)
	case l.fallback != nil:
		l.fallback.ServeHTTP(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *service) healthDiagnostics() map[string]any {
	out := map[string]any{
		"history_journal": map[string]any{
			"dropped": s.dispatcher.Journal.Dropped(),
			"failed":  s.dispatcher.Journal.Failed(),
		},
	}
	if s.retention != nil {
		out["retention_jobs"] = s.retention.Jobs()
	}
	return out
}

// start launches workers, retention schedules and listeners. cancel is
// called if a listener fails after startup.
func (s *service) start(ctx context.Context, cancel context.CancelFunc) error {
	cfg := s.config()
	s.dispatcher.Start()
	if err := s.retention.Start(); err != nil {
		return err
	}

	proxyHandler, adminHandler, err := s.handlers()
	if err != nil {
		return err
	}
	if err := s.serveHTTP(ctx, "proxy", cfg.Listen, proxyHandler, cfg.Observability.AccessLog, cancel); err != nil {
		return err
	}
	if adminHandler != nil {
		if err := s.serveHTTP(ctx, "admin", cfg.Admin.Listen, adminHandler, cfg.Observability.AccessLog, cancel); err != nil {
			return err
		}
	}
	if cfg.Admin.GRPCListen != "" {
		if err := s.serveGRPC(ctx, cfg.Admin.GRPCListen, cancel); err != nil {
			return err
		}
	}
	s.logger.Info("queue_started",
		slog.Int("max_concurrency", cfg.Queue.MaxConcurrency),
		slog.Int("max_queue_size", cfg.Queue.MaxQueueSize),
	)
	return nil
}

func (s *service) serveHTTP(ctx context.Context, name, addr string, h http.Handler, accessLog bool, cancel func()) error {
	h = wrapTracingHandler(s.tracing, name, h)
	if accessLog {
		h = withAccessLog(s.logger, h)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", name, addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.servers = append(s.servers, srv)
	serveOnListener(s.logger, name, srv, ln, cancel)
	s.logger.Info("http_listening", slog.String("name", name), slog.String("addr", ln.Addr().String()))
	return nil
}

func (s *service) serveGRPC(ctx context.Context, addr string, cancel func()) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", addr, err)
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(adminrpc.UnaryAuthInterceptor(s.tokens.authorizeRPC)))
	adminrpc.RegisterQueueAdminServer(srv, adminrpc.NewServer(s.dispatcher, s.store, s.retention))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go adminrpc.WatchCapacity(ctx, hs, s.dispatcher, adminrpc.DefaultHealthInterval)

	s.grpcServer = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc_server_error", slog.Any("err", err))
			cancel()
		}
	}()
	s.logger.Info("grpc_listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// shutdown stops listeners, drains the queue and flushes history. It
// returns false if anything was still running when the drain timeout hit.
func (s *service) shutdown() bool {
	cfg := s.config()
	deadline := time.Now().Add(cfg.Queue.DrainTimeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	// Handlers wait on their futures, so Shutdown returns once admitted
	// requests have finished.
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("http_shutdown_incomplete", slog.Any("err", err))
		}
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}

	clean := s.dispatcher.Drain(time.Until(deadline))
	if clean {
		s.logger.Info("dispatcher_drained")
	} else {
		s.logger.Warn("dispatcher_drain_timeout", slog.Duration("timeout", cfg.Queue.DrainTimeout))
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := s.retention.Stop(stopCtx); err != nil {
		s.logger.Warn("retention_stop_incomplete", slog.Any("err", err))
	}
	return clean
}

// reload applies retention, log level and admin tokens from path. Other
// changes are reported and wait for a restart.
func (s *service) reload(path, trigger string) bool {
	next, res, err := config.Load(path)
	if err == nil && !res.OK {
		err = res.Err()
	}
	if err != nil {
		s.logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		s.metrics.observeReload(false)
		return false
	}
	rc, err := retentionConfig(next.Retention)
	if err == nil {
		err = s.retention.Reconfigure(rc)
	}
	if err != nil {
		s.logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		s.metrics.observeReload(false)
		return false
	}

	s.mu.Lock()
	if restart := config.RestartRequired(s.cfg, next); len(restart) > 0 {
		s.logger.Warn("config_reload_restart_required",
			slog.String("trigger", trigger),
			slog.String("sections", strings.Join(restart, ",")),
		)
	}
	updated := *s.cfg
	updated.Retention = next.Retention
	updated.Admin.Tokens = next.Admin.Tokens
	updated.Observability.LogLevel = next.Observability.LogLevel
	s.cfg = &updated
	s.mu.Unlock()

	s.tokens.set(next.Admin.Tokens)
	if s.levelVar != nil && !s.levelPinned {
		if lvl, err := parseLogLevel(next.Observability.LogLevel); err == nil {
			s.levelVar.Set(lvl)
		}
	}
	s.metrics.observeReload(true)
	s.logger.Info("config_reloaded_ok", slog.String("trigger", trigger))
	return true
}

// adminTokens lets reloads swap admin credentials under running servers.
type adminTokens struct {
	http atomic.Pointer[admin.Authorizer]
	rpc  atomic.Pointer[adminrpc.Authorizer]
}

func (a *adminTokens) set(tokens []string) {
	raw := toBytes(tokens)
	h := admin.BearerTokenAuthorizer(raw)
	r := adminrpc.BearerTokenAuthorizer(raw)
	a.http.Store(&h)
	a.rpc.Store(&r)
}

func (a *adminTokens) authorizeHTTP(r *http.Request) bool {
	return (*a.http.Load())(r)
}

func (a *adminTokens) authorizeRPC(ctx context.Context, fullMethod string) bool {
	return (*a.rpc.Load())(ctx, fullMethod)
}

func toBytes(in []string) [][]byte {
	out := make([][]byte, 0, len(in))
	for _, v := range in {
		out = append(out, []byte(v))
	}
	return out
}

func newUpstreamProxy(up config.UpstreamConfig, tracing bool, logger *slog.Logger) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(up.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = up.ResponseHeaderTimeout

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: tracingTransport(tracing, transport),
		ErrorLog:  slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				logger.Debug("upstream_request_canceled", slog.String("path", r.URL.Path))
			} else {
				logger.Warn("upstream_error", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("err", err))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"code":"upstream_unavailable","detail":"upstream request failed"}`)
		},
	}, nil
}

func mountPrefix(prefix string, next http.Handler) http.Handler {
	if prefix == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !hasPathPrefix(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		r2 := r.Clone(r.Context())
		r2.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
		if r2.URL.Path == "" {
			r2.URL.Path = "/"
		}
		if !strings.HasPrefix(r2.URL.Path, "/") {
			r2.URL.Path = "/" + r2.URL.Path
		}
		r2.URL.RawPath = ""
		next.ServeHTTP(w, r2)
	})
}

func hasPathPrefix(p, prefix string) bool {
	if prefix == "" {
		return true
	}
	if p == prefix {
		return true
	}
	if strings.HasPrefix(p, prefix+"/") {
		return true
	}
	return false
}

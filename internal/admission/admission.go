package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/queuekeeper/internal/dispatcher"
	"github.com/nuetzliches/queuekeeper/internal/history"
)

const (
	DecisionBypass     = "bypass"
	DecisionQueued     = "queued"
	DecisionOverloaded = "overloaded"
	DecisionClosed     = "closed"

	DefaultRetryAfter = 5 * time.Second

	codeServiceBusy  = "service_busy"
	codeShuttingDown = "shutting_down"
	codeInternal     = "internal_error"
)

// HandlerError reports a queued handler that answered with a 5xx status.
// The response has already been written to the client.
type HandlerError struct {
	StatusCode int
	Method     string
	Endpoint   string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s %s: handler responded %d", e.Method, e.Endpoint, e.StatusCode)
}

// ShouldQueue reports whether r must pass through the dispatcher. Safe
// methods bypass the queue, as do paths under any of skipPrefixes.
func ShouldQueue(r *http.Request, skipPrefixes []string) bool {
	if r == nil {
		return false
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	p := path.Clean("/" + r.URL.Path)
	for _, prefix := range skipPrefixes {
		if matchPrefix(p, prefix) {
			return false
		}
	}
	return true
}

func matchPrefix(p, prefix string) bool {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return false
	}
	prefix = strings.TrimSuffix(path.Clean("/"+prefix), "/")
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// CaptureMetadata extracts the audit attributes of r. A nil identify or a
// failed lookup leaves the user fields empty.
func CaptureMetadata(r *http.Request, identify Identifier) dispatcher.TaskMetadata {
	md := dispatcher.TaskMetadata{
		Method:    history.Truncate(strings.ToUpper(r.Method), history.MaxMethodLen),
		Endpoint:  history.Truncate(r.URL.RequestURI(), history.MaxEndpointLen),
		IP:        history.Truncate(ClientIP(r), history.MaxIPLen),
		UserAgent: history.Truncate(r.UserAgent(), history.MaxUserAgentLen),
	}
	if identify != nil {
		if id, ok := identify(r); ok {
			md.UserID = id.UserID
			md.UserName = history.Truncate(id.UserName, history.MaxUserNameLen)
			md.UserRole = history.Truncate(id.UserRole, history.MaxUserRoleLen)
		}
	}
	return md
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// Middleware routes mutating requests through a Dispatcher. The request
// goroutine waits for its task without a deadline.
type Middleware struct {
	Dispatcher      *dispatcher.Dispatcher
	Next            http.Handler
	SkipPrefixes    []string
	Identify        Identifier
	RetryAfter      time.Duration
	Logger          *slog.Logger
	ObserveDecision func(decision string)
}

func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	next := m.Next
	if next == nil {
		next = http.NotFoundHandler()
	}
	if m.Dispatcher == nil || !ShouldQueue(r, m.SkipPrefixes) {
		m.observe(DecisionBypass)
		next.ServeHTTP(w, r)
		return
	}

	md := CaptureMetadata(r, m.Identify)
	rec := &statusRecorder{ResponseWriter: w}
	fut, err := m.Dispatcher.Enqueue(md, func(ctx context.Context) (any, error) {
		req := r.WithContext(trace.ContextWithSpan(r.Context(), trace.SpanFromContext(ctx)))
		next.ServeHTTP(rec, req)
		status := rec.statusCode()
		if status >= http.StatusInternalServerError {
			return status, &HandlerError{StatusCode: status, Method: md.Method, Endpoint: md.Endpoint}
		}
		return status, nil
	})
	switch {
	case errors.Is(err, dispatcher.ErrOverloaded):
		m.observe(DecisionOverloaded)
		m.writeUnavailable(w, codeServiceBusy, dispatcher.ErrOverloaded.Error())
		return
	case errors.Is(err, dispatcher.ErrClosed):
		m.observe(DecisionClosed)
		m.writeUnavailable(w, codeShuttingDown, "service is shutting down")
		return
	case err != nil:
		m.logger().Error("admission_enqueue_failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, codeInternal, "")
		return
	}
	m.observe(DecisionQueued)

	_, err = fut.Result()
	if err == nil {
		return
	}
	var herr *HandlerError
	if errors.As(err, &herr) {
		return
	}
	if errors.Is(err, dispatcher.ErrClosed) {
		m.writeUnavailable(w, codeShuttingDown, "service is shutting down")
		return
	}
	// A panicking handler may not have written anything yet.
	if !rec.wrote {
		writeError(w, http.StatusInternalServerError, codeInternal, "")
	}
}

func (m *Middleware) writeUnavailable(w http.ResponseWriter, code, detail string) {
	retry := m.RetryAfter
	if retry <= 0 {
		retry = DefaultRetryAfter
	}
	secs := int64((retry + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeError(w, http.StatusServiceUnavailable, code, detail)
}

func (m *Middleware) observe(decision string) {
	if m.ObserveDecision != nil {
		m.ObserveDecision(decision)
	}
}

func (m *Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	if detail == "" {
		detail = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Detail: detail})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	if !w.wrote && statusCode >= 200 {
		w.status = statusCode
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if !w.wrote {
			w.status = http.StatusOK
			w.wrote = true
		}
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusRecorder) statusCode() int {
	if !w.wrote {
		return http.StatusOK
	}
	return w.status
}

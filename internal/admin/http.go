package admin

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/queuekeeper/internal/dispatcher"
	"github.com/nuetzliches/queuekeeper/internal/history"
	"github.com/nuetzliches/queuekeeper/internal/retention"
)

const (
	maxRetentionDays = 3650

	auditReasonHeader     = "X-Queuekeeper-Audit-Reason"
	auditActorHeader      = "X-Queuekeeper-Audit-Actor"
	auditRequestIDHeader  = "X-Request-ID"
	maxAuditReasonLength  = 512
	maxAuditActorLength   = 256
	maxAuditRequestIDSize = 256
	defaultMaxBodyBytes   = 64 << 10

	codeInvalidBody          = "invalid_body"
	codeQueueUnavailable     = "queue_unavailable"
	codeHistoryUnavailable   = "history_unavailable"
	codeRetentionUnavailable = "retention_unavailable"
	readCodeUnauthorized     = "unauthorized"
	readCodeMethodNotAllowed = "method_not_allowed"
	readCodeInvalidQuery     = "invalid_query"
	readCodeNotFound         = "not_found"

	OperationCleanup    = "cleanup"
	OperationHardDelete = "hard_delete"
)

type Authorizer func(r *http.Request) bool

var errRequestBodyTooLarge = errors.New("request body too large")

func BearerTokenAuthorizer(tokens [][]byte) Authorizer {
	allowed := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if len(t) == 0 {
			continue
		}
		cp := make([]byte, len(t))
		copy(cp, t)
		allowed = append(allowed, cp)
	}

	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}

		h := r.Header.Get("Authorization")
		if h == "" {
			return false
		}
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return false
		}
		got := strings.TrimSpace(strings.TrimPrefix(h, prefix))
		if got == "" {
			return false
		}
		gb := []byte(got)
		for _, want := range allowed {
			if subtle.ConstantTimeCompare(gb, want) == 1 {
				return true
			}
		}
		return false
	}
}

// StatusSource is the live queue snapshot provider.
type StatusSource interface {
	Status() dispatcher.Status
}

// Retention runs cleanup operations against the history store.
type Retention interface {
	ManualCleanup(ctx context.Context, daysToKeep int) (int, error)
	HardDelete(ctx context.Context, days int) (int, error)
	StorageStats(ctx context.Context) (history.StorageStats, error)
	Jobs() []retention.JobInfo
}

type MutationAuditEvent struct {
	At        time.Time
	Operation string
	Days      int
	Affected  int
	Reason    string
	Actor     string
	RequestID string
}

// Server serves the queue admin API. Paths are relative to its mount
// prefix: /queue/status, /queue/history, /queue/stats, /queue/storage,
// /queue/cleanup, /queue/hard-delete and /healthz.
type Server struct {
	Queue              StatusSource
	History            history.Store
	Retention          Retention
	Authorize          Authorizer
	HealthDiagnostics  func() map[string]any
	RequireAuditReason bool
	AllowHardDelete    bool
	MaxBodyBytes       int64
	AuditMutation      func(event MutationAuditEvent)
	Now                func() time.Time
}

func NewServer(queue StatusSource, store history.Store, ret Retention) *Server {
	return &Server{
		Queue:        queue,
		History:      store,
		Retention:    ret,
		MaxBodyBytes: defaultMaxBodyBytes,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Authorize != nil && !s.Authorize(r) {
		writeManagementError(w, http.StatusUnauthorized, readCodeUnauthorized, "request is not authorized")
		return
	}

	switch path.Clean("/" + r.URL.Path) {
	case "/healthz":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleHealthz(w, r)
	case "/queue/status":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleStatus(w)
	case "/queue/history":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleHistory(w, r)
	case "/queue/stats":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleStats(w, r)
	case "/queue/storage":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleStorage(w, r)
	case "/queue/cleanup":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleCleanup(w, r)
	case "/queue/hard-delete":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleHardDelete(w, r)
	default:
		writeManagementError(w, http.StatusNotFound, readCodeNotFound, "resource not found")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	details, ok := parseBoolParam(strings.TrimSpace(r.URL.Query().Get("details")))
	if !ok {
		writeManagementError(w, http.StatusBadRequest, readCodeInvalidQuery, "details must be true|false")
		return
	}
	if !details {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
		return
	}

	diagnostics := map[string]any{}
	if s.HealthDiagnostics != nil {
		if v := s.HealthDiagnostics(); v != nil {
			diagnostics = v
		}
	}
	if s.Queue != nil {
		st := s.Queue.Status()
		diagnostics["queue"] = map[string]any{
			"queue_length":    st.QueueLength,
			"processing":      st.Processing,
			"max_concurrency": st.MaxConcurrency,
			"max_queue_size":  st.MaxQueueSize,
			"at_capacity":     st.QueueLength >= st.MaxQueueSize,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"time":        s.now().Format(time.RFC3339Nano),
		"diagnostics": diagnostics,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	if s.Queue == nil {
		writeManagementError(w, http.StatusServiceUnavailable, codeQueueUnavailable, "queue is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.Queue.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeManagementError(w, http.StatusServiceUnavailable, codeHistoryUnavailable, "history store is unavailable")
		return
	}

	q := r.URL.Query()
	status, ok := history.ParseStatus(q.Get("status"))
	if !ok {
		writeManagementError(w, http.StatusBadRequest, readCodeInvalidQuery, "status must be one of enqueued|started|completed|rejected|failed")
		return
	}
	userID, ok := parseUserIDParam(strings.TrimSpace(q.Get("userId")))
	if !ok {
		writeManagementError(w, http.StatusBadRequest, readCodeInvalidQuery, "userId must be an integer")
		return
	}
	start, end, ok := parseRangeParams(w, q.Get("startDate"), q.Get("endDate"))
	if !ok {
		return
	}

	limit := history.DefaultQueryLimit
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > history.MaxQueryLimit {
			writeManagementError(w, http.StatusBadRequest, readCodeInvalidQuery,
				fmt.Sprintf("limit must be an integer between 1 and %d", history.MaxQueryLimit))
			return
		}
		limit = n
	}
	offset := 0
	if v := strings.TrimSpace(q.Get("offset")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeManagementError(w, http.StatusBadRequest, readCodeInvalidQuery, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	res, err := s.History.Query(r.Context(), history.Filter{
		Status:   status,
		UserID:   userID,
		Endpoint: strings.TrimSpace(q.Get("endpoint")),
		Method:   strings.TrimSpace(q.Get("method")),
		Start:    start,
		End:      end,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeManagementError(w, http.StatusServiceUnavailable, codeHistoryUnavailable, "history store is unavailable")
		return
	}
	if res.Records == nil {
		res.Records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Records: res.Records,
		Total:   res.Total,
		Limit:   limit,
		Offset:  offset,
	})
}

type historyResponse struct {
	Records []history.Record `json:"records"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeManagementError(w, http.StatusServiceUnavailable, codeHistoryUnavailable, "history store is unavailable")
		return
	}
	q := r.URL.Query()
	userID, ok := parseUserIDParam(strings.TrimSpace(q.Get("userId")))
	if !ok {
		writeManagementError(w, http.StatusBadRequest, readCodeInvalidQuery, "userId must be an integer")
		return
	}
	start, end, ok := parseRangeParams(w, q.Get("startDate"), q.Get("endDate"))
	if !ok {
		return
	}

	stats, err := s.History.Stats(r.Context(), history.StatsFilter{Start: start, End: end, UserID: userID})
	if err != nil {
		writeManagementError(w, http.StatusServiceUnavailable, codeHistoryUnavailable, "history store is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type storageResponse struct {
	history.StorageStats
	Jobs []retention.JobInfo `json:"jobs,omitempty"`
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	if s.Retention == nil {
		writeManagementError(w, http.StatusServiceUnavailable, codeRetentionUnavailable, "retention is not configured")
		return
	}
	st, err := s.Retention.StorageStats(r.Context())
	if err != nil {
		writeManagementError(w, http.StatusServiceUnavailable, codeHistoryUnavailable, "history store is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, storageResponse{StorageStats: st, Jobs: s.Retention.Jobs()})
}

type cleanupRequest struct {
	DaysToKeep int `json:"daysToKeep"`
}

type cleanupResponse struct {
	Message    string `json:"message"`
	DaysToKeep int    `json:"daysToKeep"`
	Affected   int    `json:"affected"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.Retention == nil {
		writeManagementError(w, http.StatusServiceUnavailable, codeRetentionUnavailable, "retention is not configured")
		return
	}
	audit, err := s.parseAudit(r)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	var req cleanupRequest
	if err := s.decodeOptionalBody(r, &req); err != nil {
		writeManagementError(w, http.StatusBadRequest, codeInvalidBody, err.Error())
		return
	}
	days := req.DaysToKeep
	if days == 0 {
		days = retention.DefaultRetentionDays
	}
	if err := validateDays("daysToKeep", days); err != nil {
		writeMutationError(w, err)
		return
	}

	affected, err := s.Retention.ManualCleanup(r.Context(), days)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	s.emitMutationAudit(OperationCleanup, days, affected, audit)
	writeJSON(w, http.StatusOK, cleanupResponse{
		Message:    fmt.Sprintf("cleanup completed, %d records affected", affected),
		DaysToKeep: days,
		Affected:   affected,
	})
}

type hardDeleteRequest struct {
	Days int `json:"days"`
}

type hardDeleteResponse struct {
	Message  string `json:"message"`
	Days     int    `json:"days"`
	Affected int    `json:"affected"`
}

func (s *Server) handleHardDelete(w http.ResponseWriter, r *http.Request) {
	if s.Retention == nil {
		writeManagementError(w, http.StatusServiceUnavailable, codeRetentionUnavailable, "retention is not configured")
		return
	}
	if !s.AllowHardDelete {
		writeMutationError(w, NewMutationError(ErrHardDeleteDisabled, MutationCodeHardDeleteDisabled, "hard delete over the admin API is disabled"))
		return
	}
	audit, err := s.parseAudit(r)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	var req hardDeleteRequest
	if err := s.decodeOptionalBody(r, &req); err != nil {
		writeManagementError(w, http.StatusBadRequest, codeInvalidBody, err.Error())
		return
	}
	days := req.Days
	if days == 0 {
		days = retention.DefaultHardDeleteDays
	}
	if err := validateDays("days", days); err != nil {
		writeMutationError(w, err)
		return
	}

	affected, err := s.Retention.HardDelete(r.Context(), days)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	s.emitMutationAudit(OperationHardDelete, days, affected, audit)
	writeJSON(w, http.StatusOK, hardDeleteResponse{
		Message:  fmt.Sprintf("hard delete completed, %d records removed", affected),
		Days:     days,
		Affected: affected,
	})
}

func validateDays(field string, days int) error {
	if days < 1 || days > maxRetentionDays {
		return NewMutationError(ErrInvalidDays, MutationCodeInvalidDays,
			fmt.Sprintf("%s must be between 1 and %d", field, maxRetentionDays))
	}
	return nil
}

type mutationAudit struct {
	Reason    string
	Actor     string
	RequestID string
}

func (s *Server) parseAudit(r *http.Request) (mutationAudit, error) {
	reason := strings.TrimSpace(r.Header.Get(auditReasonHeader))
	actor := strings.TrimSpace(r.Header.Get(auditActorHeader))
	requestID := strings.TrimSpace(r.Header.Get(auditRequestIDHeader))
	if s.RequireAuditReason && reason == "" {
		return mutationAudit{}, NewMutationError(ErrAuditRequired, MutationCodeAuditRequired,
			auditReasonHeader+" header is required")
	}
	if len(reason) > maxAuditReasonLength || len(actor) > maxAuditActorLength || len(requestID) > maxAuditRequestIDSize {
		return mutationAudit{}, NewMutationError(ErrAuditRequired, MutationCodeAuditRequired,
			"audit headers exceed their maximum length")
	}
	return mutationAudit{Reason: reason, Actor: actor, RequestID: requestID}, nil
}

func (s *Server) emitMutationAudit(op string, days, affected int, audit mutationAudit) {
	if s.AuditMutation == nil {
		return
	}
	s.AuditMutation(MutationAuditEvent{
		At:        s.now(),
		Operation: op,
		Days:      days,
		Affected:  affected,
		Reason:    audit.Reason,
		Actor:     audit.Actor,
		RequestID: audit.RequestID,
	})
}

// decodeOptionalBody decodes a strict JSON body. An empty body leaves out
// untouched.
func (s *Server) decodeOptionalBody(r *http.Request, out any) error {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	maxBytes := s.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(body)) > maxBytes {
		return errRequestBodyTooLarge
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("request body must contain a single JSON document")
		}
		return err
	}
	return nil
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeManagementError(w http.ResponseWriter, status int, code, detail string) {
	if w == nil {
		return
	}
	code = strings.TrimSpace(code)
	if code == "" {
		code = codeInvalidBody
	}
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Code: code, Detail: detail})
}

func writeMethodNotAllowed(w http.ResponseWriter, expected string) {
	expected = strings.TrimSpace(expected)
	detail := "method is not allowed"
	if expected != "" {
		w.Header().Set("Allow", expected)
		detail = fmt.Sprintf("method must be %s", expected)
	}
	writeManagementError(w, http.StatusMethodNotAllowed, readCodeMethodNotAllowed, detail)
}

func parseRangeParams(w http.ResponseWriter, rawStart, rawEnd string) (time.Time, time.Time, bool) {
	start, ok := parseTimeParam(strings.TrimSpace(rawStart), false)
	if !ok {
		writeManagementError(w, http.StatusBadRequest, readCodeInvalidQuery, "startDate must be RFC3339 or YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	end, ok := parseTimeParam(strings.TrimSpace(rawEnd), true)
	if !ok {
		writeManagementError(w, http.StatusBadRequest, readCodeInvalidQuery, "endDate must be RFC3339 or YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		writeManagementError(w, http.StatusBadRequest, readCodeInvalidQuery, "endDate must not be before startDate")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func parseUserIDParam(raw string) (*int64, bool) {
	if raw == "" {
		return nil, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false
	}
	return &n, true
}

func parseBoolParam(raw string) (bool, bool) {
	if raw == "" {
		return false, true
	}
	switch strings.ToLower(raw) {
	case "1", "true", "on", "yes":
		return true, true
	case "0", "false", "off", "no":
		return false, true
	default:
		return false, false
	}
}

// parseTimeParam accepts RFC3339 or YYYY-MM-DD. With endOfDay a bare date
// covers the whole day.
func parseTimeParam(raw string, endOfDay bool) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		if endOfDay {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

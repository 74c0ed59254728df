package admission

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nuetzliches/queuekeeper/internal/dispatcher"
)

func TestShouldQueue(t *testing.T) {
	skip := []string{"/admin/", "/internal"}
	cases := []struct {
		method string
		target string
		want   bool
	}{
		{http.MethodGet, "/productos", false},
		{http.MethodHead, "/productos", false},
		{http.MethodOptions, "/productos", false},
		{http.MethodPost, "/productos", true},
		{http.MethodPut, "/productos/7", true},
		{http.MethodPatch, "/productos/7", true},
		{http.MethodDelete, "/productos/7", true},
		{http.MethodPost, "/admin/queue/cleanup", false},
		{http.MethodPost, "/admin", false},
		{http.MethodPost, "/administration", true},
		{http.MethodPost, "/internal/sync", false},
		{http.MethodPost, "/a/../admin/x", false},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.target, func(t *testing.T) {
			r := httptest.NewRequest(tc.method, tc.target, nil)
			if got := ShouldQueue(r, skip); got != tc.want {
				t.Fatalf("ShouldQueue=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/x", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	if got := ClientIP(r); got != "10.1.2.3" {
		t.Fatalf("remote addr ip: %q", got)
	}
	r.Header.Set("X-Real-IP", "172.16.0.9")
	if got := ClientIP(r); got != "172.16.0.9" {
		t.Fatalf("x-real-ip: %q", got)
	}
	r.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	if got := ClientIP(r); got != "203.0.113.5" {
		t.Fatalf("x-forwarded-for: %q", got)
	}
}

func TestCaptureMetadata(t *testing.T) {
	r := httptest.NewRequest("post", "/productos?page=2", nil)
	r.Header.Set("User-Agent", strings.Repeat("a", 600))
	r.RemoteAddr = "192.0.2.1:1234"

	anon := CaptureMetadata(r, nil)
	if anon.Method != "POST" || anon.Endpoint != "/productos?page=2" || anon.IP != "192.0.2.1" {
		t.Fatalf("metadata: %+v", anon)
	}
	if len(anon.UserAgent) != 500 {
		t.Fatalf("user agent not truncated: %d", len(anon.UserAgent))
	}
	if anon.UserID != nil || anon.UserName != "" {
		t.Fatalf("expected anonymous metadata: %+v", anon)
	}

	uid := int64(9)
	md := CaptureMetadata(r, func(*http.Request) (Identity, bool) {
		return Identity{UserID: &uid, UserName: "ana", UserRole: strings.Repeat("r", 80)}, true
	})
	if md.UserID == nil || *md.UserID != 9 || md.UserName != "ana" || len(md.UserRole) != 50 {
		t.Fatalf("identified metadata: %+v", md)
	}
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestJWTIdentifier(t *testing.T) {
	identify := JWTIdentifier([][]byte{[]byte("old"), []byte("current")}, 0)
	exp := time.Now().Add(time.Hour).Unix()

	cases := []struct {
		name     string
		header   string
		wantOK   bool
		wantID   int64
		wantName string
		wantRole string
	}{
		{
			name:     "string sub",
			header:   "Bearer " + signToken(t, "current", jwt.MapClaims{"sub": "42", "usuario": "ana", "rol": "admin", "exp": exp}),
			wantOK:   true,
			wantID:   42,
			wantName: "ana",
			wantRole: "admin",
		},
		{
			name:     "numeric id claim and rotated secret",
			header:   "bearer " + signToken(t, "old", jwt.MapClaims{"id": 7, "name": "bo", "role": "editor", "exp": exp}),
			wantOK:   true,
			wantID:   7,
			wantName: "bo",
			wantRole: "editor",
		},
		{
			name:   "wrong secret",
			header: "Bearer " + signToken(t, "nope", jwt.MapClaims{"sub": "1", "exp": exp}),
		},
		{
			name:   "expired",
			header: "Bearer " + signToken(t, "current", jwt.MapClaims{"sub": "1", "exp": time.Now().Add(-time.Hour).Unix()}),
		},
		{name: "malformed", header: "Bearer not.a.token"},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz"},
		{name: "missing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/x", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			id, ok := identify(r)
			if ok != tc.wantOK {
				t.Fatalf("ok=%v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if id.UserID == nil || *id.UserID != tc.wantID {
				t.Fatalf("user id: %v", id.UserID)
			}
			if id.UserName != tc.wantName || id.UserRole != tc.wantRole {
				t.Fatalf("identity: %+v", id)
			}
		})
	}
}

func TestJWTIdentifier_NoSecretsIsAnonymous(t *testing.T) {
	identify := JWTIdentifier(nil, 0)
	r := httptest.NewRequest(http.MethodPost, "/x", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "s", jwt.MapClaims{"sub": "1"}))
	if _, ok := identify(r); ok {
		t.Fatalf("expected anonymous without secrets")
	}
}

func newStartedDispatcher(t *testing.T, cfg dispatcher.Config) *dispatcher.Dispatcher {
	t.Helper()
	d := dispatcher.New(cfg)
	d.Start()
	t.Cleanup(func() { d.Drain(2 * time.Second) })
	return d
}

func decodeError(t *testing.T, body io.Reader) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return out
}

func TestMiddleware_BypassesSafeMethods(t *testing.T) {
	d := newStartedDispatcher(t, dispatcher.Config{MaxConcurrency: 1, MaxQueueSize: 1})
	var decisions []string
	m := &Middleware{
		Dispatcher: d,
		Next: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "list")
		}),
		ObserveDecision: func(decision string) { decisions = append(decisions, decision) },
	}

	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/productos", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "list" {
		t.Fatalf("response: %d %q", rr.Code, rr.Body.String())
	}
	if st := d.Status(); st.Metrics.Processed != 0 || len(st.RecentEvents) != 0 {
		t.Fatalf("GET must not touch the queue: %+v", st.Metrics)
	}
	if len(decisions) != 1 || decisions[0] != DecisionBypass {
		t.Fatalf("decisions: %v", decisions)
	}
}

func TestMiddleware_QueuesMutations(t *testing.T) {
	d := newStartedDispatcher(t, dispatcher.Config{MaxConcurrency: 1, MaxQueueSize: 5})
	m := &Middleware{
		Dispatcher: d,
		Next: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, "created")
		}),
	}

	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/productos", strings.NewReader("{}")))
	if rr.Code != http.StatusCreated || rr.Body.String() != "created" {
		t.Fatalf("response: %d %q", rr.Code, rr.Body.String())
	}
	if st := d.Status(); st.Metrics.Processed != 1 {
		t.Fatalf("processed=%d, want 1", st.Metrics.Processed)
	}
}

func TestMiddleware_ServerErrorCountsAsFailure(t *testing.T) {
	d := newStartedDispatcher(t, dispatcher.Config{MaxConcurrency: 1, MaxQueueSize: 5})
	m := &Middleware{
		Dispatcher: d,
		Next: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		}),
	}

	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/productos/3", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status=%d, want 502", rr.Code)
	}
	st := d.Status()
	if st.Metrics.Processed != 0 || st.Metrics.Rejected != 1 {
		t.Fatalf("metrics: %+v", st.Metrics)
	}
}

func TestMiddleware_PanicAnswers500(t *testing.T) {
	d := newStartedDispatcher(t, dispatcher.Config{MaxConcurrency: 1, MaxQueueSize: 5})
	m := &Middleware{
		Dispatcher: d,
		Next: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}),
	}

	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/x", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rr.Code)
	}
	if got := decodeError(t, rr.Body); got.Code != codeInternal {
		t.Fatalf("code=%q", got.Code)
	}
}

func TestMiddleware_OverloadReturns503(t *testing.T) {
	d := newStartedDispatcher(t, dispatcher.Config{MaxConcurrency: 1, MaxQueueSize: 1})
	release := make(chan struct{})
	m := &Middleware{
		Dispatcher: d,
		RetryAfter: 1500 * time.Millisecond,
		Next: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
			w.WriteHeader(http.StatusNoContent)
		}),
	}

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := httptest.NewRecorder()
			m.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/x", nil))
			codes[i] = rr.Code
		}()
		deadline := time.Now().Add(2 * time.Second)
		for {
			st := d.Status()
			if st.Processing+st.QueueLength == i+1 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("request %d never admitted: %+v", i, st)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/x", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After=%q, want 2", got)
	}
	body := decodeError(t, rr.Body)
	if body.Code != codeServiceBusy || body.Detail != "service busy, retry later" {
		t.Fatalf("body: %+v", body)
	}

	close(release)
	wg.Wait()
	for i, code := range codes {
		if code != http.StatusNoContent {
			t.Fatalf("request %d status=%d", i, code)
		}
	}
	if st := d.Status(); st.Metrics.Processed != 2 || st.Metrics.Rejected != 1 {
		t.Fatalf("metrics: %+v", st.Metrics)
	}
}

func TestMiddleware_ClosedDispatcher(t *testing.T) {
	d := dispatcher.New(dispatcher.Config{})
	d.Start()
	d.Drain(time.Second)

	var decision string
	m := &Middleware{
		Dispatcher:      d,
		Next:            http.NotFoundHandler(),
		ObserveDecision: func(got string) { decision = got },
	}
	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/x", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rr.Code)
	}
	if got := decodeError(t, rr.Body); got.Code != codeShuttingDown {
		t.Fatalf("code=%q", got.Code)
	}
	if decision != DecisionClosed {
		t.Fatalf("decision=%q", decision)
	}
}

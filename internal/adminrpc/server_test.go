package adminrpc

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nuetzliches/queuekeeper/internal/dispatcher"
	"github.com/nuetzliches/queuekeeper/internal/history"
	"github.com/nuetzliches/queuekeeper/internal/retention"
)

var testNow = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

type capacityFlag struct{ full atomic.Bool }

func (c *capacityFlag) AtCapacity() bool { return c.full.Load() }

type fixture struct {
	client *Client
	health healthpb.HealthClient
	store  *history.MemoryStore
	probe  *capacityFlag
}

func startServer(t *testing.T, authorize Authorizer) fixture {
	t.Helper()
	now := func() time.Time { return testNow }
	store := history.NewMemoryStore(history.WithNowFunc(now))
	ret, err := retention.New(store, retention.Config{}, retention.WithNowFunc(now))
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	d := dispatcher.New(dispatcher.Config{MaxConcurrency: 3, MaxQueueSize: 200}, dispatcher.WithNowFunc(now))

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(authorize)))
	RegisterQueueAdminServer(srv, NewServer(d, store, ret))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	probe := &capacityFlag{}
	ctx, cancel := context.WithCancel(context.Background())
	go WatchCapacity(ctx, hs, probe, 10*time.Millisecond)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = conn.Close()
		srv.Stop()
	})
	return fixture{
		client: NewClient(conn),
		health: healthpb.NewHealthClient(conn),
		store:  store,
		probe:  probe,
	}
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return s
}

func seed(t *testing.T, store history.Store) {
	t.Helper()
	uid := int64(5)
	for i, age := range []int{40, 3, 1} {
		created := testNow.AddDate(0, 0, -age)
		rec := history.Record{
			TaskID:     uint64(i + 1),
			Method:     "POST",
			Endpoint:   "/paquetes",
			EnqueuedAt: created,
			CreatedAt:  created,
		}
		if i > 0 {
			rec.UserID = &uid
		}
		if err := store.CreateInitial(context.Background(), rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestGetStatus(t *testing.T) {
	f := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := f.client.GetStatus(ctx, nil)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	m := out.AsMap()
	if m["maxConcurrency"] != float64(3) || m["maxQueueSize"] != float64(200) || m["queueLength"] != float64(0) {
		t.Fatalf("status=%v", m)
	}
}

func TestGetTaskHistoryAndStats(t *testing.T) {
	f := startServer(t, nil)
	seed(t, f.store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := f.client.GetTaskHistory(ctx, mustStruct(t, map[string]any{"userId": 5, "limit": 1}))
	if err != nil {
		t.Fatalf("GetTaskHistory: %v", err)
	}
	m := out.AsMap()
	records, _ := m["records"].([]any)
	if m["total"] != float64(2) || len(records) != 1 {
		t.Fatalf("history=%v", m)
	}
	first, _ := records[0].(map[string]any)
	if first["taskId"] != float64(3) {
		t.Fatalf("newest first expected, got %v", first)
	}

	stats, err := f.client.GetTaskStats(ctx, mustStruct(t, map[string]any{"startDate": "2026-04-01"}))
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}
	if got := stats.AsMap()["total"]; got != float64(2) {
		t.Fatalf("stats total=%v", got)
	}

	day, err := f.client.GetTaskHistory(ctx, mustStruct(t, map[string]any{"startDate": "2026-04-09", "endDate": "2026-04-09"}))
	if err != nil {
		t.Fatalf("GetTaskHistory single day: %v", err)
	}
	if got := day.AsMap()["total"]; got != float64(1) {
		t.Fatalf("single day total=%v, want 1", got)
	}
}

func TestGetTaskHistoryInvalidArgument(t *testing.T) {
	f := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, req := range []map[string]any{
		{"status": "bogus"},
		{"limit": 0},
		{"limit": 500},
		{"offset": -2},
		{"userId": 1.5},
		{"startDate": "tomorrow"},
	} {
		_, err := f.client.GetTaskHistory(ctx, mustStruct(t, req))
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("req %v: code=%v err=%v", req, status.Code(err), err)
		}
	}
}

func TestManualCleanupAndStorage(t *testing.T) {
	f := startServer(t, nil)
	seed(t, f.store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := f.client.ManualCleanup(ctx, nil)
	if err != nil {
		t.Fatalf("ManualCleanup: %v", err)
	}
	m := out.AsMap()
	if m["daysToKeep"] != float64(30) || m["affected"] != float64(1) {
		t.Fatalf("cleanup=%v", m)
	}

	storage, err := f.client.GetStorageStats(ctx, nil)
	if err != nil {
		t.Fatalf("GetStorageStats: %v", err)
	}
	sm := storage.AsMap()
	if sm["totalRecords"] != float64(3) || sm["softDeletedRecords"] != float64(1) {
		t.Fatalf("storage=%v", sm)
	}

	_, err = f.client.ManualCleanup(ctx, mustStruct(t, map[string]any{"daysToKeep": 99999}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("out of range days: %v", err)
	}
}

func TestBearerAuth(t *testing.T) {
	f := startServer(t, BearerTokenAuthorizer([][]byte{[]byte("tok")}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.client.GetStatus(ctx, nil)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("missing token: %v", err)
	}
	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer tok")
	if _, err := f.client.GetStatus(authed, nil); err != nil {
		t.Fatalf("with token: %v", err)
	}

	// Health checks stay reachable without credentials.
	if _, err := f.health.Check(ctx, &healthpb.HealthCheckRequest{}); err != nil {
		t.Fatalf("health without token: %v", err)
	}
}

func TestHealthReflectsCapacity(t *testing.T) {
	f := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	waitStatus := func(want healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			resp, err := f.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
			if err == nil && resp.GetStatus() == want {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("health never became %v (last err=%v)", want, err)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	waitStatus(healthpb.HealthCheckResponse_SERVING)
	f.probe.full.Store(true)
	waitStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	f.probe.full.Store(false)
	waitStatus(healthpb.HealthCheckResponse_SERVING)
}

func TestToStructEncodesJSONNames(t *testing.T) {
	st, err := toStruct(history.StorageStats{TotalRecords: 2, OldestRecord: testNow})
	if err != nil {
		t.Fatalf("toStruct: %v", err)
	}
	m := st.AsMap()
	if m["totalRecords"] != float64(2) || m["oldestRecordDate"] != "2026-04-10T09:00:00Z" {
		t.Fatalf("struct=%v", m)
	}
	if _, ok := m["newestRecordDate"]; ok {
		t.Fatalf("zero times must be omitted: %v", m)
	}
	if _, err := toStruct(make(chan int)); status.Code(err) != codes.Internal {
		t.Fatalf("unencodable value: %v", err)
	}
}

package adminrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nuetzliches/queuekeeper/internal/admin"
	"github.com/nuetzliches/queuekeeper/internal/history"
	"github.com/nuetzliches/queuekeeper/internal/retention"
)

const maxRetentionDays = 3650

var _ QueueAdminServer = (*Server)(nil)

// Server implements QueueAdmin over the same sources as the HTTP admin API.
type Server struct {
	Queue     admin.StatusSource
	History   history.Store
	Retention admin.Retention
}

func NewServer(queue admin.StatusSource, store history.Store, ret admin.Retention) *Server {
	return &Server{Queue: queue, History: store, Retention: ret}
}

func (s *Server) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.Queue == nil {
		return nil, status.Error(codes.Unavailable, "queue is unavailable")
	}
	return toStruct(s.Queue.Status())
}

func (s *Server) GetTaskHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.History == nil {
		return nil, status.Error(codes.Unavailable, "history store is unavailable")
	}
	fields := req.AsMap()

	st, ok := history.ParseStatus(stringField(fields, "status"))
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "status must be one of enqueued|started|completed|rejected|failed")
	}
	userID, err := optionalInt64(fields, "userId")
	if err != nil {
		return nil, err
	}
	start, end, err := timeRange(fields)
	if err != nil {
		return nil, err
	}
	limit, present, err := intField(fields, "limit")
	if err != nil {
		return nil, err
	}
	if !present {
		limit = history.DefaultQueryLimit
	}
	if limit < 1 || limit > history.MaxQueryLimit {
		return nil, status.Errorf(codes.InvalidArgument, "limit must be between 1 and %d", history.MaxQueryLimit)
	}
	offset, _, err := intField(fields, "offset")
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, status.Error(codes.InvalidArgument, "offset must be non-negative")
	}

	res, err := s.History.Query(ctx, history.Filter{
		Status:   st,
		UserID:   userID,
		Endpoint: stringField(fields, "endpoint"),
		Method:   stringField(fields, "method"),
		Start:    start,
		End:      end,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, status.Error(codes.Unavailable, "history store is unavailable")
	}
	if res.Records == nil {
		res.Records = []history.Record{}
	}
	return toStruct(map[string]any{
		"records": res.Records,
		"total":   res.Total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) GetTaskStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.History == nil {
		return nil, status.Error(codes.Unavailable, "history store is unavailable")
	}
	fields := req.AsMap()
	userID, err := optionalInt64(fields, "userId")
	if err != nil {
		return nil, err
	}
	start, end, err := timeRange(fields)
	if err != nil {
		return nil, err
	}
	stats, err := s.History.Stats(ctx, history.StatsFilter{Start: start, End: end, UserID: userID})
	if err != nil {
		return nil, status.Error(codes.Unavailable, "history store is unavailable")
	}
	return toStruct(stats)
}

func (s *Server) GetStorageStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.Retention == nil {
		return nil, status.Error(codes.Unavailable, "retention is not configured")
	}
	st, err := s.Retention.StorageStats(ctx)
	if err != nil {
		return nil, status.Error(codes.Unavailable, "history store is unavailable")
	}
	return toStruct(st)
}

func (s *Server) ManualCleanup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.Retention == nil {
		return nil, status.Error(codes.Unavailable, "retention is not configured")
	}
	days, present, err := intField(req.AsMap(), "daysToKeep")
	if err != nil {
		return nil, err
	}
	if !present || days == 0 {
		days = retention.DefaultRetentionDays
	}
	if days < 1 || days > maxRetentionDays {
		return nil, status.Errorf(codes.InvalidArgument, "daysToKeep must be between 1 and %d", maxRetentionDays)
	}
	affected, err := s.Retention.ManualCleanup(ctx, days)
	if err != nil {
		return nil, status.Error(codes.Unavailable, "history store is unavailable")
	}
	return toStruct(map[string]any{
		"message":    fmt.Sprintf("cleanup completed, %d records affected", affected),
		"daysToKeep": days,
		"affected":   affected,
	})
}

// toStruct round-trips v through its JSON encoding so Struct fields match
// the HTTP API field names.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return strings.TrimSpace(v)
}

// Struct numbers are doubles; larger magnitudes lose integer precision.
const maxExactInt = 1 << 53

func intField(fields map[string]any, key string) (int, bool, error) {
	n, present, err := int64Field(fields, key)
	if err != nil || !present {
		return 0, present, err
	}
	if n > math.MaxInt32 || n < math.MinInt32 {
		return 0, true, status.Errorf(codes.InvalidArgument, "%s is out of range", key)
	}
	return int(n), true, nil
}

// int64Field accepts a whole number or a numeric string.
func int64Field(fields map[string]any, key string) (int64, bool, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > maxExactInt {
			return 0, true, status.Errorf(codes.InvalidArgument, "%s must be an integer", key)
		}
		return int64(v), true, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, false, nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, true, status.Errorf(codes.InvalidArgument, "%s must be an integer", key)
		}
		return n, true, nil
	default:
		return 0, true, status.Errorf(codes.InvalidArgument, "%s must be an integer", key)
	}
}

func optionalInt64(fields map[string]any, key string) (*int64, error) {
	n, present, err := int64Field(fields, key)
	if err != nil || !present {
		return nil, err
	}
	return &n, nil
}

func timeRange(fields map[string]any) (time.Time, time.Time, error) {
	start, err := timeField(fields, "startDate", false)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := timeField(fields, "endDate", true)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return time.Time{}, time.Time{}, status.Error(codes.InvalidArgument, "endDate must not be before startDate")
	}
	return start, end, nil
}

// timeField parses RFC3339 or YYYY-MM-DD. With endOfDay a bare date covers
// the whole day.
func timeField(fields map[string]any, key string, endOfDay bool) (time.Time, error) {
	raw := stringField(fields, key)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		if endOfDay {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		return t.UTC(), nil
	}
	return time.Time{}, status.Errorf(codes.InvalidArgument, "%s must be RFC3339 or YYYY-MM-DD", key)
}

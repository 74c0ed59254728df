package adminrpc

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Authorizer decides whether an admin RPC is authorized.
type Authorizer func(ctx context.Context, fullMethod string) bool

// BearerTokenAuthorizer validates gRPC metadata Authorization headers.
// Expected format: "Authorization: Bearer <token>".
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

	return func(ctx context.Context, _ string) bool {
		if len(allowed) == 0 {
			return true
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return false
		}
		for _, raw := range md.Get("authorization") {
			token, ok := parseBearerToken(raw)
			if !ok {
				continue
			}
			gb := []byte(token)
			for _, want := range allowed {
				if subtle.ConstantTimeCompare(gb, want) == 1 {
					return true
				}
			}
		}
		return false
	}
}

// UnaryAuthInterceptor guards QueueAdmin methods. Other services on the
// same server, such as health checks, pass through.
func UnaryAuthInterceptor(authorize Authorizer) grpc.UnaryServerInterceptor {
	prefix := "/" + ServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if authorize != nil && strings.HasPrefix(info.FullMethod, prefix) && !authorize(ctx, info.FullMethod) {
			return nil, status.Error(codes.Unauthenticated, "request is not authorized")
		}
		return handler(ctx, req)
	}
}

func parseBearerToken(raw string) (string, bool) {
	h := strings.TrimSpace(raw)
	if len(h) < 7 {
		return "", false
	}
	if !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	if token == "" {
		return "", false
	}
	return token, true
}

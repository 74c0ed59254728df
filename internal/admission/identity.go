package admission

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller attached to a task's metadata.
type Identity struct {
	UserID   *int64
	UserName string
	UserRole string
}

// Identifier resolves the caller of r. ok=false means anonymous.
type Identifier func(r *http.Request) (Identity, bool)

type tokenClaims struct {
	UserID  any    `json:"id,omitempty"`
	Usuario string `json:"usuario,omitempty"`
	Nombre  string `json:"nombre,omitempty"`
	Name    string `json:"name,omitempty"`
	Rol     string `json:"rol,omitempty"`
	Role    string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTIdentifier verifies an HS256 bearer token against any of secrets.
// Missing, malformed, expired or wrongly signed tokens are anonymous and
// never block the request.
func JWTIdentifier(secrets [][]byte, leeway time.Duration) Identifier {
	keys := cloneSecrets(secrets)
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if leeway > 0 {
		opts = append(opts, jwt.WithLeeway(leeway))
	}
	parser := jwt.NewParser(opts...)

	return func(r *http.Request) (Identity, bool) {
		if len(keys) == 0 || r == nil {
			return Identity{}, false
		}
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			return Identity{}, false
		}
		for _, key := range keys {
			claims := &tokenClaims{}
			tok, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
				return key, nil
			})
			if err != nil || tok == nil || !tok.Valid {
				continue
			}
			return claims.identity(), true
		}
		return Identity{}, false
	}
}

func (c *tokenClaims) identity() Identity {
	id := Identity{
		UserName: firstNonEmpty(c.Usuario, c.Nombre, c.Name),
		UserRole: firstNonEmpty(c.Rol, c.Role),
	}
	if v, ok := parseUserID(c.Subject); ok {
		id.UserID = &v
	} else if v, ok := parseUserID(c.UserID); ok {
		id.UserID = &v
	}
	return id
}

// parseUserID accepts numeric ids encoded either as JSON numbers or strings.
func parseUserID(raw any) (int64, bool) {
	switch v := raw.(type) {
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt64 || v < math.MinInt64 {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}

func cloneSecrets(in [][]byte) [][]byte {
	out := make([][]byte, 0, len(in))
	for _, s := range in {
		if len(s) == 0 {
			continue
		}
		cp := make([]byte, len(s))
		copy(cp, s)
		out = append(out, cp)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

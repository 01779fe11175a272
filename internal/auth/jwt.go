// Package auth verifies the access tokens issued by the account service
// and gates protected routes on them.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
)

// AccessTokenType is the token_type claim carried by access tokens.
const AccessTokenType = "access"

// DefaultCookieName is the cookie access tokens are stored in.
const DefaultCookieName = "access_token"

// Authentication errors
var (
	ErrMissingSecret     = errors.New("JWT secret is required")
	ErrMissingToken      = errors.New("no access token provided")
	ErrMissingAuthHeader = errors.New("authorization header missing")
	ErrInvalidAuthFormat = errors.New("invalid authorization format")
	ErrInvalidToken      = errors.New("invalid or expired token")
	ErrWrongTokenType    = errors.New("token is not an access token")
)

// UserID accepts both numeric and string user_id claims.
type UserID string

func (u *UserID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("user_id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("user_id must be an integer: %w", err)
	}
	*u = UserID(n.String())
	return nil
}

// Claims are the verified contents of an access token.
type Claims struct {
	UserID    UserID `json:"user_id"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// JWTService validates HS256 access tokens.
type JWTService struct {
	secret     []byte
	cookieName string
	parser     *jwt.Parser
}

// NewJWTService creates a verifier. An empty cookieName uses DefaultCookieName.
func NewJWTService(secret []byte, cookieName string) (*JWTService, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &JWTService{
		secret:     secret,
		cookieName: cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// ValidateToken parses and verifies a token string.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	token, err := s.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TokenType != "" && claims.TokenType != AccessTokenType {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// ExtractToken reads the access token from the cookie, falling back to
// an Authorization: Bearer header.
func (s *JWTService) ExtractToken(r *http.Request) (string, error) {
	if c, err := r.Cookie(s.cookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return ExtractTokenFromRequest(r)
}

// ExtractTokenFromRequest reads a bearer token from the Authorization header.
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrInvalidAuthFormat
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrInvalidAuthFormat
	}
	return token, nil
}

type contextKey struct{}

// SetClaimsInContext returns a context carrying claims.
func SetClaimsInContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// GetClaimsFromContext returns the claims stored by the middleware.
func GetClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok
}

// Middleware rejects requests without a valid access token. Failed
// attempts count against the client's rate limit.
func (s *JWTService) Middleware(rl *RateLimiter) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ip := rl.ClientIP(r)
			if wait := rl.RetryAfter(ip); wait > 0 {
				metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second).Seconds())))
				writeError(w, http.StatusTooManyRequests, "Too many failed attempts")
				return
			}

			tokenString, err := s.ExtractToken(r)
			if err != nil {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				writeError(w, http.StatusUnauthorized, "Authentication required")
				return
			}

			claims, err := s.ValidateToken(tokenString)
			if err != nil {
				rl.RecordFailure(ip)
				reason := "invalid_token"
				if errors.Is(err, ErrWrongTokenType) {
					reason = "wrong_token_type"
				}
				metrics.AuthFailures.WithLabelValues(reason).Inc()
				slog.DebugContext(r.Context(), "Rejected access token", "clientIp", ip, "error", err)
				writeError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(SetClaimsInContext(r.Context(), claims)))
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

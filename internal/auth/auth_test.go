package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-that-is-long-enough-for-testing")

// signToken issues a token the way the account service does.
func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(25 * time.Minute).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return token
}

func TestNewJWTService(t *testing.T) {
	tests := []struct {
		name    string
		secret  []byte
		wantErr error
	}{
		{"valid secret", []byte("a-very-long-secret-that-is-at-least-32-chars"), nil},
		{"short secret", []byte("short"), nil}, // Still valid, just not recommended
		{"empty secret", []byte{}, ErrMissingSecret},
		{"nil secret", nil, ErrMissingSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJWTService(tt.secret, "")
			if err != tt.wantErr {
				t.Errorf("NewJWTService() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestJWTService_ValidateToken(t *testing.T) {
	svc, err := NewJWTService(testSecret, "")
	if err != nil {
		t.Fatalf("NewJWTService() error = %v", err)
	}

	tests := []struct {
		name       string
		claims     jwt.MapClaims
		wantUserID UserID
	}{
		{"numeric user id", jwt.MapClaims{"user_id": 42, "token_type": "access"}, "42"},
		{"string user id", jwt.MapClaims{"user_id": "u-7", "token_type": "access"}, "u-7"},
		{"no token type", jwt.MapClaims{"user_id": 1}, "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := svc.ValidateToken(signToken(t, testSecret, tt.claims))
			if err != nil {
				t.Fatalf("ValidateToken() error = %v", err)
			}
			if claims.UserID != tt.wantUserID {
				t.Errorf("claims.UserID = %s, want %s", claims.UserID, tt.wantUserID)
			}
		})
	}
}

func TestJWTService_ValidateToken_Invalid(t *testing.T) {
	svc, _ := NewJWTService(testSecret, "")

	noneToken, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": 1,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"invalid format", "not-a-jwt"},
		{"wrong signature", "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJ1c2VybmFtZSI6InRlc3QifQ.wrong"},
		{"wrong secret", signToken(t, []byte("another-secret-that-is-long-enough"), jwt.MapClaims{"user_id": 1})},
		{"expired", signToken(t, testSecret, jwt.MapClaims{"user_id": 1, "exp": time.Now().Add(-time.Minute).Unix()})},
		{"refresh token", signToken(t, testSecret, jwt.MapClaims{"user_id": 1, "token_type": "refresh"})},
		{"alg none", noneToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateToken(tt.token)
			if err == nil {
				t.Error("ValidateToken() expected error for invalid token")
			}
		})
	}
}

func TestJWTService_ValidateToken_RequiresExpiry(t *testing.T) {
	svc, _ := NewJWTService(testSecret, "")
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": 1}).SignedString(testSecret)

	if _, err := svc.ValidateToken(token); err == nil {
		t.Error("ValidateToken() accepted a token without exp")
	}
}

func TestExtractTokenFromRequest(t *testing.T) {
	tests := []struct {
		name      string
		authValue string
		wantToken string
		wantErr   error
	}{
		{"valid bearer", "Bearer eyJtoken", "eyJtoken", nil},
		{"valid bearer lowercase", "bearer eyJtoken", "eyJtoken", nil},
		{"missing header", "", "", ErrMissingAuthHeader},
		{"invalid format no space", "BearereyJtoken", "", ErrInvalidAuthFormat},
		{"invalid format wrong prefix", "Basic eyJtoken", "", ErrInvalidAuthFormat},
		{"empty token", "Bearer ", "", ErrInvalidAuthFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.authValue != "" {
				req.Header.Set("Authorization", tt.authValue)
			}

			token, err := ExtractTokenFromRequest(req)
			if err != tt.wantErr {
				t.Errorf("ExtractTokenFromRequest() error = %v, want %v", err, tt.wantErr)
			}
			if token != tt.wantToken {
				t.Errorf("ExtractTokenFromRequest() = %s, want %s", token, tt.wantToken)
			}
		})
	}
}

func TestJWTService_ExtractToken_PrefersCookie(t *testing.T) {
	svc, _ := NewJWTService(testSecret, "")

	req := httptest.NewRequest("GET", "/test", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "from-cookie"})
	req.Header.Set("Authorization", "Bearer from-header")

	token, err := svc.ExtractToken(req)
	if err != nil {
		t.Fatalf("ExtractToken() error = %v", err)
	}
	if token != "from-cookie" {
		t.Errorf("ExtractToken() = %s, want from-cookie", token)
	}
}

func TestClaimsContext(t *testing.T) {
	claims := &Claims{UserID: "7"}
	ctx := context.Background()

	// Set claims
	ctx = SetClaimsInContext(ctx, claims)

	// Get claims
	got, ok := GetClaimsFromContext(ctx)
	if !ok {
		t.Fatal("GetClaimsFromContext() ok = false, want true")
	}
	if got.UserID != "7" {
		t.Errorf("GetClaimsFromContext().UserID = %s, want 7", got.UserID)
	}

	// Test missing claims
	_, ok = GetClaimsFromContext(context.Background())
	if ok {
		t.Error("GetClaimsFromContext() ok = true for empty context, want false")
	}
}

func TestRateLimiter_IsLimited(t *testing.T) {
	config := RateLimiterConfig{
		MaxFailedAttempts: 3,
		Window:            time.Minute,
		CleanupInterval:   time.Hour, // Don't cleanup during test
	}
	rl := NewRateLimiter(config)
	defer rl.Stop()

	ip := "192.168.1.1"

	// Should not be limited initially
	if rl.IsLimited(ip) {
		t.Error("IsLimited() = true before any failures")
	}

	// Record failures
	rl.RecordFailure(ip)
	rl.RecordFailure(ip)
	if rl.IsLimited(ip) {
		t.Error("IsLimited() = true after 2 failures (max is 3)")
	}

	// Third failure should trigger limit
	rl.RecordFailure(ip)
	if !rl.IsLimited(ip) {
		t.Error("IsLimited() = false after 3 failures")
	}

	// Reset should clear the limit
	rl.Reset(ip)
	if rl.IsLimited(ip) {
		t.Error("IsLimited() = true after Reset()")
	}
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	config := RateLimiterConfig{
		MaxFailedAttempts: 1,
		Window:            time.Minute,
	}
	rl := NewRateLimiter(config)
	defer rl.Stop()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ip := "192.168.1.1"

	rl.RecordFailure(ip)
	if !rl.IsLimited(ip) {
		t.Error("IsLimited() = false immediately after failure")
	}

	now = now.Add(20 * time.Second)
	if got := rl.RetryAfter(ip); got != 40*time.Second {
		t.Errorf("RetryAfter() = %v, want 40s", got)
	}

	now = now.Add(41 * time.Second)
	if rl.IsLimited(ip) {
		t.Error("IsLimited() = true after window expired")
	}
	if n := rl.prune(); n != 0 {
		t.Errorf("prune() left %d windows, want 0", n)
	}
}

func TestGetClientIP(t *testing.T) {
	trusted := ParseTrustedProxies([]string{"127.0.0.1", "10.0.0.0/8", "bogus"})

	tests := []struct {
		name       string
		xff        string
		xri        string
		remoteAddr string
		want       string
	}{
		{"X-Forwarded-For single", "192.168.1.1", "", "127.0.0.1:8080", "192.168.1.1"},
		{"X-Forwarded-For multiple", "192.168.1.1, 10.0.0.1, 172.16.0.1", "", "127.0.0.1:8080", "192.168.1.1"},
		{"X-Real-IP", "", "192.168.1.1", "10.1.2.3:8080", "192.168.1.1"},
		{"RemoteAddr with port", "", "", "192.168.1.1:12345", "192.168.1.1"},
		{"RemoteAddr without port", "", "", "192.168.1.1", "192.168.1.1"},
		{"X-Forwarded-For takes precedence", "10.0.0.1", "192.168.1.1", "127.0.0.1:8080", "10.0.0.1"},
		{"untrusted peer headers ignored", "1.2.3.4", "5.6.7.8", "203.0.113.9:4000", "203.0.113.9"},
		{"IPv6 peer", "", "", "[2001:db8::1]:443", "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			got := GetClientIP(req, trusted)
			if got != tt.want {
				t.Errorf("GetClientIP() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestJWTService_Middleware(t *testing.T) {
	svc, _ := NewJWTService(testSecret, "")
	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 2,
		Window:            time.Minute,
		CleanupInterval:   time.Hour,
	})
	defer rl.Stop()

	// Create a test handler that checks for claims
	handler := svc.Middleware(rl)(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaimsFromContext(r.Context())
		if !ok {
			t.Error("Claims not found in context")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(claims.UserID))
	})

	token := signToken(t, testSecret, jwt.MapClaims{"user_id": 42, "token_type": "access"})

	t.Run("valid bearer token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("handler returned %d, want %d", rr.Code, http.StatusOK)
		}
		if rr.Body.String() != "42" {
			t.Errorf("handler returned %s, want 42", rr.Body.String())
		}
	})

	t.Run("valid cookie", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.AddCookie(&http.Cookie{Name: "access_token", Value: token})
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("handler returned %d, want %d", rr.Code, http.StatusOK)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("handler returned %d, want %d", rr.Code, http.StatusUnauthorized)
		}
	})

	t.Run("invalid tokens are rate limited", func(t *testing.T) {
		codes := make([]int, 0, 3)
		var last *httptest.ResponseRecorder
		for range 3 {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = "198.51.100.7:1234"
			req.Header.Set("Authorization", "Bearer invalid-token")
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			codes = append(codes, rr.Code)
			last = rr
		}

		want := []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}
		for i := range want {
			if codes[i] != want[i] {
				t.Errorf("request %d returned %d, want %d", i, codes[i], want[i])
			}
		}
		if last.Header().Get("Retry-After") == "" {
			t.Error("rate limited response has no Retry-After header")
		}
	})
}

package auth

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// Rate limiting configuration
const (
	DefaultMaxFailedAttempts = 5
	DefaultRateLimitWindow   = 15 * time.Minute
	DefaultCleanupInterval   = 5 * time.Minute
)

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	MaxFailedAttempts int
	Window            time.Duration
	CleanupInterval   time.Duration
	// TrustedProxies lists addresses or CIDRs whose forwarding headers are honored.
	TrustedProxies []string
}

// DefaultRateLimiterConfig returns the default rate limiter configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		Window:            DefaultRateLimitWindow,
		CleanupInterval:   DefaultCleanupInterval,
	}
}

// failureWindow counts failures since the first one in the current window.
type failureWindow struct {
	count int
	start time.Time
}

func (f *failureWindow) expired(now time.Time, window time.Duration) bool {
	return now.Sub(f.start) > window
}

// RateLimiter counts failed token checks per client address. Delivery
// requests arrive in bursts from players, so only failures are counted.
type RateLimiter struct {
	mu       sync.Mutex
	failures map[string]*failureWindow
	config   RateLimiterConfig
	trusted  []netip.Prefix
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a RateLimiter and starts its cleanup loop.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		failures: make(map[string]*failureWindow),
		config:   config,
		trusted:  ParseTrustedProxies(config.TrustedProxies),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.prune()
		}
	}
}

// prune drops windows that have expired and returns how many remain.
func (rl *RateLimiter) prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, f := range rl.failures {
		if f.expired(now, rl.config.Window) {
			delete(rl.failures, ip)
		}
	}
	return len(rl.failures)
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

// IsLimited reports whether ip has used up its failures for the window.
func (rl *RateLimiter) IsLimited(ip string) bool {
	return rl.RetryAfter(ip) > 0
}

// RetryAfter returns how long ip stays blocked, or zero when it is not.
func (rl *RateLimiter) RetryAfter(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	f, ok := rl.failures[ip]
	if !ok || f.count < rl.config.MaxFailedAttempts {
		return 0
	}
	now := rl.now()
	if f.expired(now, rl.config.Window) {
		return 0
	}
	return f.start.Add(rl.config.Window).Sub(now)
}

// RecordFailure counts a failed token check for ip.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	f, ok := rl.failures[ip]
	if !ok || f.expired(now, rl.config.Window) {
		rl.failures[ip] = &failureWindow{count: 1, start: now}
		return
	}
	f.count++
}

// Reset forgets the failures recorded for ip.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}

// ClientIP returns the client address of r as seen through trusted proxies.
func (rl *RateLimiter) ClientIP(r *http.Request) string {
	return GetClientIP(r, rl.trusted)
}

// ParseTrustedProxies parses addresses and CIDRs, skipping invalid entries.
func ParseTrustedProxies(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}

// GetClientIP extracts the client IP from the request. X-Forwarded-For and
// X-Real-IP are only honored when the direct peer is a trusted proxy, so
// clients cannot pick their own rate limit bucket.
func GetClientIP(r *http.Request, trusted []netip.Prefix) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !isTrusted(remote, trusted) {
		return remote
	}

	// Check X-Forwarded-For header (may contain multiple IPs)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the chain
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return remote
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

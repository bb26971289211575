package api

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"guildgate/internal/observability"
)

const (
	rateLimiterVisitorTTL  = 10 * time.Minute
	minimumCleanupInterval = 30 * time.Second
)

// TrustedProxyConfig lists the proxies whose X-Forwarded-For is believed.
type TrustedProxyConfig struct {
	CIDRs []netip.Prefix
}

// ParseTrustedProxies parses CIDRs or bare addresses. Blank entries are skipped.
func ParseTrustedProxies(entries []string) (*TrustedProxyConfig, error) {
	cfg := &TrustedProxyConfig{}
	for _, raw := range entries {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		prefix, err := parseProxy(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", s, err)
		}
		cfg.CIDRs = append(cfg.CIDRs, prefix)
	}
	return cfg, nil
}

func parseProxy(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// IsTrusted reports whether remoteAddr (host:port) is a trusted proxy.
func (tc *TrustedProxyConfig) IsTrusted(remoteAddr string) bool {
	if tc == nil || len(tc.CIDRs) == 0 {
		return false
	}
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return false
	}
	addr := ap.Addr().Unmap()
	return slices.ContainsFunc(tc.CIDRs, func(p netip.Prefix) bool { return p.Contains(addr) })
}

// clientIP is the rate limit key: the first X-Forwarded-For hop when the
// peer is a trusted proxy, the peer address otherwise.
func clientIP(r *http.Request, proxies *TrustedProxyConfig) string {
	if proxies.IsTrusted(r.RemoteAddr) {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LoginRateLimitConfig configures per-client login rate limiting.
type LoginRateLimitConfig struct {
	AttemptsPerMinute int
	ProxyConfig       *TrustedProxyConfig
	Metrics           *observability.Metrics
}

// LoginRateLimitMiddleware rejects clients that exceed AttemptsPerMinute
// with 429. A non-positive AttemptsPerMinute disables it.
func LoginRateLimitMiddleware(cfg LoginRateLimitConfig) Middleware {
	if cfg.AttemptsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := newLoginLimiter(cfg.AttemptsPerMinute)
	retryAfter := strconv.Itoa((60 + cfg.AttemptsPerMinute - 1) / cfg.AttemptsPerMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientIP(r, cfg.ProxyConfig), time.Now()) {
				cfg.Metrics.RateLimitRejected()
				w.Header().Set("Retry-After", retryAfter)
				writeJSON(w, http.StatusTooManyRequests, apiError{Error: "too many login attempts", Detail: "try again later"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loginLimiter holds one token bucket per client. Idle buckets are swept
// on the request path, at most once per minimumCleanupInterval.
type loginLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*visitor
	swept   time.Time
}

type visitor struct {
	bucket *rate.Limiter
	seen   time.Time
}

func newLoginLimiter(perMinute int) *loginLimiter {
	return &loginLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		clients: make(map[string]*visitor),
	}
}

func (l *loginLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	v, ok := l.clients[key]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = v
	}
	v.seen = now
	if now.Sub(l.swept) > minimumCleanupInterval {
		l.sweep(now)
	}
	l.mu.Unlock()

	return v.bucket.AllowN(now, 1)
}

// sweep drops idle visitors. Caller holds l.mu.
func (l *loginLimiter) sweep(now time.Time) {
	for key, v := range l.clients {
		if now.Sub(v.seen) > rateLimiterVisitorTTL {
			delete(l.clients, key)
		}
	}
	l.swept = now
}

func (l *loginLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

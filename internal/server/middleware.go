package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RequestIDHeader carries the request id in requests and responses
const RequestIDHeader = "X-Request-ID"

// limiterIdleTTL is how long a per-IP limiter is kept after its last request
const limiterIdleTTL = 10 * time.Minute

type clientIPKey struct{}

// ProxyTrust resolves the client address of a request. Forwarding headers
// are only believed when the peer is a trusted proxy; a nil ProxyTrust
// trusts nobody.
type ProxyTrust struct {
	nets []*net.IPNet
}

// NewProxyTrust parses proxies, each an IP address or a CIDR block
func NewProxyTrust(proxies []string) (*ProxyTrust, error) {
	p := &ProxyTrust{}
	for _, raw := range proxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", raw)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			p.nets = append(p.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		p.nets = append(p.nets, ipNet)
	}
	return p, nil
}

func (p *ProxyTrust) trusted(addr string) bool {
	if p == nil {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range p.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the address a request originates from. When the peer is
// a trusted proxy the X-Forwarded-For chain is walked from the right and the
// first untrusted hop wins; X-Real-IP is used when there is no chain.
// Otherwise the peer address is the client.
func (p *ProxyTrust) ClientIP(header http.Header, remoteAddr string) string {
	peer := hostOnly(remoteAddr)
	if !p.trusted(peer) {
		return canonical(peer)
	}

	var hops []string
	for _, hop := range strings.Split(header.Get("X-Forwarded-For"), ",") {
		if hop = strings.TrimSpace(hop); hop != "" {
			hops = append(hops, hop)
		}
	}
	if len(hops) == 0 {
		if ip := strings.TrimSpace(header.Get("X-Real-IP")); ip != "" {
			return canonical(ip)
		}
		return canonical(peer)
	}

	for i := len(hops) - 1; i >= 0; i-- {
		if !p.trusted(hops[i]) {
			return canonical(hops[i])
		}
	}
	return canonical(hops[0])
}

// WithClientIP resolves the client address once per request and stores it
// in the request context
func (p *ProxyTrust) WithClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := p.ClientIP(r.Header, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPKey{}, ip)))
	})
}

// ClientIPFromContext returns the client address stored by WithClientIP
func ClientIPFromContext(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPKey{}).(string)
	return ip, ok
}

// clientIP is the resolved client address, or the peer address when the
// request did not pass through WithClientIP
func clientIP(ctx context.Context, remoteAddr string) string {
	if ip, ok := ClientIPFromContext(ctx); ok {
		return ip
	}
	return canonical(hostOnly(remoteAddr))
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return host
}

func canonical(addr string) string {
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return addr
}

// WithRequestID assigns a request id unless the caller sent one
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WithLogging logs every request handled by next
func WithLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logrus.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  r.Header.Get(RequestIDHeader),
			"ip_address":  clientIP(r.Context(), r.RemoteAddr),
		}).Info("request completed")
	})
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per key, such as a client IP or a
// phone number
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	swept    time.Time
}

// NewRateLimiter allows n requests per key within window, all of which may
// arrive at once. A non-positive n disables limiting.
func NewRateLimiter(n int, window time.Duration) *RateLimiter {
	l := &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Inf,
		burst:    1,
		idleTTL:  limiterIdleTTL,
		swept:    time.Now(),
	}
	if n > 0 {
		l.limit = rate.Every(window / time.Duration(n))
		l.burst = n
	}
	// A bucket must outlive its refill window or dropping it resets the limit
	if window > l.idleTTL {
		l.idleTTL = window
	}
	return l
}

// NewIPRateLimiter allows perMinute requests per IP
func NewIPRateLimiter(perMinute int) *RateLimiter {
	return NewRateLimiter(perMinute, time.Minute)
}

// Allow reports whether key may make a request now
func (l *RateLimiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	if now.Sub(l.swept) > l.idleTTL {
		l.sweep(now)
	}
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// sweep drops buckets idle for longer than idleTTL. Callers hold mu.
func (l *RateLimiter) sweep(now time.Time) {
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.visitors, key)
		}
	}
	l.swept = now
}

// NewRateLimitInterceptor rejects RPCs from an IP that exceeded its rate
func NewRateLimitInterceptor(limiter *RateLimiter) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if req.Spec().IsClient {
				return next(ctx, req)
			}

			ip := clientIP(ctx, req.Peer().Addr)
			if !limiter.Allow(ip) {
				logrus.WithFields(logrus.Fields{
					"ip_address": ip,
					"procedure":  req.Spec().Procedure,
				}).Warn("rate limit exceeded")
				return nil, connect.NewError(connect.CodeResourceExhausted, errors.New("too many requests"))
			}

			return next(ctx, req)
		}
	}
}

package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/time/rate"

	"github.com/settld-labs/settld/pkg/tenants"
)

// Request headers of the tenant surface.
const (
	HeaderTenantID          = "x-proxy-tenant-id"
	HeaderOpsToken          = "x-proxy-ops-token"
	HeaderIdempotencyKey    = "x-idempotency-key"
	HeaderExpectedPrevChain = "x-proxy-expected-prev-chain-hash"
	HeaderProtocol          = "x-settld-protocol"
)

// protocolMajor is the protocol line this server speaks.
const protocolMajor = 1

type principalKey struct{}

// PrincipalFrom returns the authenticated principal stored by the auth
// middleware.
func PrincipalFrom(ctx context.Context) *tenants.Principal {
	p, _ := ctx.Value(principalKey{}).(*tenants.Principal)
	return p
}

// protocolGate rejects requests whose x-settld-protocol is absent, invalid,
// or on a different major line.
func protocolGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(HeaderProtocol)
		if raw == "" {
			WriteError(w, http.StatusBadRequest, CodeProtocolUnsupported,
				HeaderProtocol+" header is required", map[string]any{"supported": "1.x"})
			return
		}
		v, err := semver.NewVersion(raw)
		if err != nil || v.Major() != protocolMajor {
			WriteError(w, http.StatusBadRequest, CodeProtocolUnsupported,
				"unsupported protocol version "+raw, map[string]any{"supported": "1.x"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves tenant or ops credentials and stores the principal
// in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.tenants.Authenticate(
			r.Header.Get(HeaderTenantID),
			r.Header.Get("Authorization"),
			r.Header.Get(HeaderOpsToken))
		if err != nil {
			writeDomainError(w, s.logger, "auth", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// ipRateLimiter caps request rates per client IP.
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(rps, burst int) *ipRateLimiter {
	rl := &ipRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *ipRateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// cleanup drops visitors idle for more than three minutes.
func (rl *ipRateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *ipRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.limiterFor(ip).Allow() {
			WriteError(w, http.StatusTooManyRequests, CodeRateLimited, "request rate exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLog emits one structured line per request.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"tenantId", r.Header.Get(HeaderTenantID),
			"durationMs", time.Since(start).Milliseconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

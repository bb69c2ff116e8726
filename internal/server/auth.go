package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminUser  = "admin"
	totpHeader = "X-TOTP-Code"
	authRealm  = `Basic realm="typentalk-admin"`
)

// RateLimiter counts operator attempts per client address over a sliding
// window.
type RateLimiter struct {
	mu     sync.Mutex
	seen   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		seen:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records an attempt from ip and reports whether it is within the
// limit. Refused attempts are not recorded.
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	recent := slices.DeleteFunc(r.seen[ip], func(t time.Time) bool { return !t.After(cutoff) })

	allowed := len(recent) < r.limit
	if allowed {
		recent = append(recent, now)
	}
	if len(recent) == 0 {
		delete(r.seen, ip)
	} else {
		r.seen[ip] = recent
	}
	return allowed
}

// Reset forgets ip's attempts.
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	delete(r.seen, ip)
	r.mu.Unlock()
}

// AdminAuth checks operator credentials: HTTP basic auth against a bcrypt
// hash, plus a TOTP code header when a secret is configured.
type AdminAuth struct {
	cfg      *Config
	attempts *RateLimiter
}

func NewAdminAuth(cfg *Config) *AdminAuth {
	return &AdminAuth{
		cfg:      cfg,
		attempts: NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
	}
}

type authFailure int

const (
	authOK authFailure = iota
	authThrottled
	authBadCredentials
	authBadTOTP
)

func (a *AdminAuth) authenticate(r *http.Request, ip string) authFailure {
	if !a.attempts.Allow(ip) {
		return authThrottled
	}
	user, password, ok := r.BasicAuth()
	if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(adminUser)) != 1 {
		return authBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(a.cfg.AdminPasswordHash), []byte(password)) != nil {
		return authBadCredentials
	}
	if a.cfg.HasTOTP() && !totp.Validate(r.Header.Get(totpHeader), a.cfg.AdminTOTPSecret) {
		return authBadTOTP
	}
	a.attempts.Reset(ip)
	return authOK
}

// requireAdmin guards operator routes. Without a configured password the
// routes do not exist.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.HasAdmin() {
			http.NotFound(w, r)
			return
		}

		ip := clientIP(r)
		switch s.auth.authenticate(r, ip) {
		case authOK:
			next.ServeHTTP(w, r)
		case authThrottled:
			http.Error(w, "Too many attempts. Please wait.", http.StatusTooManyRequests)
		case authBadCredentials:
			s.log.Warn().Str("ip", ip).Msg("operator login rejected: credentials")
			w.Header().Set("WWW-Authenticate", authRealm)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		case authBadTOTP:
			s.log.Warn().Str("ip", ip).Msg("operator login rejected: TOTP")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		}
	})
}

// clientIP normalizes RemoteAddr by stripping the port. RealIP may already
// have replaced it with a bare address.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

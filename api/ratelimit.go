package api

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// failureLimiter tracks consecutive failures per key and enforces
// exponential backoff once the threshold is reached. Unknown and known
// usernames accumulate failures identically, so a lockout reveals nothing
// about which accounts exist.
type failureLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord

	threshold int
	baseLock  time.Duration
	maxLock   time.Duration
	expiry    time.Duration
	now       func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	usernameMaxFailures = 5
	usernameBaseLockout = 1 * time.Minute
	usernameMaxLockout  = 15 * time.Minute

	ipMaxFailures = 20
	ipBaseLockout = 1 * time.Minute
	ipMaxLockout  = 30 * time.Minute

	// attemptExpiry is how long after the last failure a record is forgotten.
	attemptExpiry = 1 * time.Hour

	sweepInterval = 5 * time.Minute
)

// usernameLimiterKey scopes the per-username counter to one client address,
// so failures from one source cannot lock the account for everyone else.
// Guessing spread across many addresses is bounded by the per-IP limiter.
func usernameLimiterKey(username, clientIP string) string {
	return username + "|" + clientIP
}

func newFailureLimiter(threshold int, baseLock, maxLock time.Duration) *failureLimiter {
	return &failureLimiter{
		attempts:  make(map[string]*attemptRecord),
		threshold: threshold,
		baseLock:  baseLock,
		maxLock:   maxLock,
		expiry:    attemptExpiry,
		now:       time.Now,
	}
}

// check reports whether key is locked out and for how long.
func (rl *failureLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > rl.expiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure counts a failure and, past the threshold, locks the key for
// baseLock * 2^(failures - threshold), capped at maxLock.
func (rl *failureLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= rl.threshold {
		lockout := rl.baseLock
		for i := 0; i < rec.failures-rl.threshold; i++ {
			lockout *= 2
			if lockout >= rl.maxLock {
				lockout = rl.maxLock
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

func (rl *failureLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep removes expired records.
func (rl *failureLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > rl.expiry {
			delete(rl.attempts, key)
		}
	}
}

func (rl *failureLimiter) len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.attempts)
}

// RunMaintenance sweeps expired rate-limit records until ctx is done.
func (a *API) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.usernameLimiter.sweep()
			a.ipLimiter.sweep()
		}
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many failed login attempts; try again later")
}

// extractClientIP returns the client address used for rate limiting.
// X-Forwarded-For and X-Real-IP are honoured only when the direct peer lies
// in one of the trusted proxy ranges.
func (a *API) extractClientIP(r *http.Request) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	if !a.peerTrusted(remoteIP) {
		return remoteIP
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip, ok := parseIPCandidate(part); ok {
				return ip
			}
		}
	}
	if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return remoteIP
}

func (a *API) peerTrusted(remoteIP string) bool {
	if len(a.trustedProxies) == 0 || remoteIP == "" {
		return false
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	for _, prefix := range a.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

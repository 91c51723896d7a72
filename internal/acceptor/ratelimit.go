package acceptor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connRateLimiter admits or rejects accepted sockets before a session is
// ever created for them: a global token bucket guards against aggregate
// connection floods, and a per-IP bucket guards against a single source
// repeatedly reconnecting. Two-level shape matches the donor relay's
// connection rate limiter.
type connRateLimiter struct {
	global *rate.Limiter

	mu       sync.Mutex
	perIP    map[string]*ipEntry
	ipRate   rate.Limit
	ipBurst  int
	ipTTL    time.Duration
	lastSwep time.Time
}

type ipEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// newConnRateLimiter builds a limiter from config-sourced rates. A global
// or per-IP rate of zero disables rate limiting at that level.
func newConnRateLimiter(globalPerSec float64, globalBurst int, ipPerSec float64, ipBurst int) *connRateLimiter {
	globalRate, ipRate := rate.Limit(globalPerSec), rate.Limit(ipPerSec)
	if globalPerSec <= 0 {
		globalRate = rate.Inf
	}
	if ipPerSec <= 0 {
		ipRate = rate.Inf
	}
	return &connRateLimiter{
		global:  rate.NewLimiter(globalRate, globalBurst),
		perIP:   make(map[string]*ipEntry),
		ipRate:  ipRate,
		ipBurst: ipBurst,
		ipTTL:   5 * time.Minute,
	}
}

// allow reports whether a newly accepted socket from ip may proceed.
// Checks the global bucket first so a single hostile IP can't starve the
// per-IP map lookup path for everyone else.
func (l *connRateLimiter) allow(ip string) (ok bool, scope string) {
	if !l.global.Allow() {
		return false, "global"
	}
	if !l.ipLimiter(ip).Allow() {
		return false, "per_ip"
	}
	return true, ""
}

func (l *connRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if e, ok := l.perIP[ip]; ok {
		e.seen = now
		l.maybeSweep(now)
		return e.limiter
	}
	e := &ipEntry{limiter: rate.NewLimiter(l.ipRate, l.ipBurst), seen: now}
	l.perIP[ip] = e
	l.maybeSweep(now)
	return e.limiter
}

// maybeSweep drops stale per-IP entries so the map doesn't grow unbounded
// across long-lived broker processes. Called with mu held.
func (l *connRateLimiter) maybeSweep(now time.Time) {
	if now.Sub(l.lastSwep) < l.ipTTL {
		return
	}
	l.lastSwep = now
	for ip, e := range l.perIP {
		if now.Sub(e.seen) > l.ipTTL {
			delete(l.perIP, ip)
		}
	}
}

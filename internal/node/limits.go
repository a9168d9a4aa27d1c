package node

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	bruteforceLimit = 3
	bruteforceDecay = 3 * time.Second
)

// BruteforceGuard blocks repeated authentication failures per source IP.
// Each failure increments the IP's counter; a timer decrements it after
// the decay interval. An IP with bruteforceLimit or more live failures is
// blocked until the counters decay.
type BruteforceGuard struct {
	mu       sync.Mutex
	attempts map[string]int
	timers   map[*time.Timer]struct{}
	stopped  bool
}

func NewBruteforceGuard() *BruteforceGuard {
	return &BruteforceGuard{
		attempts: make(map[string]int),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// IsBlocked reports whether the IP has exhausted its attempts.
func (g *BruteforceGuard) IsBlocked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts[ip] >= bruteforceLimit
}

// Failed records one failed authentication from the IP.
func (g *BruteforceGuard) Failed(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.attempts[ip]++

	var timer *time.Timer
	timer = time.AfterFunc(bruteforceDecay, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.timers, timer)
		if g.attempts[ip] > 1 {
			g.attempts[ip]--
		} else {
			delete(g.attempts, ip)
		}
	})
	g.timers[timer] = struct{}{}
}

// Stop cancels all pending decay timers. Called on server destroy.
func (g *BruteforceGuard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	for timer := range g.timers {
		timer.Stop()
	}
	g.timers = make(map[*time.Timer]struct{})
}

// AcceptLimiter rate-limits connection accepts before the WebSocket
// upgrade. Two levels: a token bucket per source IP and a global bucket,
// so one flooding IP cannot starve the node and a distributed flood still
// hits a ceiling.
type AcceptLimiter struct {
	mu     sync.Mutex
	perIP  map[string]*ipLimiterEntry
	global *rate.Limiter
	logger zerolog.Logger

	ipBurst int
	ipRate  rate.Limit
	ipTTL   time.Duration
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func NewAcceptLimiter(logger zerolog.Logger) *AcceptLimiter {
	return &AcceptLimiter{
		perIP:   make(map[string]*ipLimiterEntry),
		global:  rate.NewLimiter(rate.Limit(50), 300),
		logger:  logger,
		ipBurst: 10,
		ipRate:  rate.Limit(1),
		ipTTL:   5 * time.Minute,
	}
}

// Allow reports whether a connection from the IP may be accepted now.
func (l *AcceptLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("Global connection rate limit hit")
		return false
	}

	l.mu.Lock()
	entry, ok := l.perIP[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.ipRate, l.ipBurst)}
		l.perIP[ip] = entry
	}
	entry.lastAccess = time.Now()
	l.mu.Unlock()

	if !entry.limiter.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("Per-IP connection rate limit hit")
		return false
	}
	return true
}

// Cleanup drops limiters for IPs idle longer than the TTL.
func (l *AcceptLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.ipTTL)
	for ip, entry := range l.perIP {
		if entry.lastAccess.Before(cutoff) {
			delete(l.perIP, ip)
		}
	}
}

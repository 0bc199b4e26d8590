package driver

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long an idle per-IP limiter entry is kept before
// Cleanup reclaims it.
const staleAfter = 10 * time.Minute

// ConnGuard rate-limits accepted connections per source IP using a
// token-bucket limiter per address, replacing the hand-rolled failure
// counter the SIP stack used for auth attempts with the dedicated
// rate-limiting package already in the dependency graph. A source IP
// that exceeds its budget has its connection closed immediately after
// accept, before a TU is ever constructed — a ResourceExhaustion-class
// defense, not an authentication check.
type ConnGuard struct {
	mu      sync.Mutex
	entries map[string]*guardEntry
	rate    rate.Limit
	burst   int
}

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnGuard creates a guard allowing ratePerSecond sustained accepted
// connections per source IP, with the given burst allowance.
func NewConnGuard(ratePerSecond float64, burst int) *ConnGuard {
	return &ConnGuard{
		entries: make(map[string]*guardEntry),
		rate:    rate.Limit(ratePerSecond),
		burst:   burst,
	}
}

// Allow reports whether a new connection from addr should be accepted.
// addr may be "ip:port" or a bare IP; the port is stripped.
func (g *ConnGuard) Allow(addr string) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[ip]
	if !ok {
		e = &guardEntry{limiter: rate.NewLimiter(g.rate, g.burst)}
		g.entries[ip] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// Cleanup removes limiter entries that have not been touched recently,
// bounding memory use for a long-running process seeing many distinct
// source IPs over time.
func (g *ConnGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	for ip, e := range g.entries {
		if e.lastSeen.Before(cutoff) {
			delete(g.entries, ip)
		}
	}
}

func extractIP(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		if net.ParseIP(addr) != nil {
			return addr
		}
		return ""
	}
	return host
}

// internal/guard/guard.go
package guard

import (
	"sync"
	"time"
)

// Deny reasons. These map 1:1 onto the wire replies the dispatcher sends and
// onto metrics counters; a denial is never an application error.
const (
	DenyConnectionCap = "connection_cap"
	DenyBlacklisted   = "temporarily_blacklisted"
	DenyRateLimit     = "rate_limit"
)

// Guard gates every inbound connection and transaction attempt before any
// cryptographic work happens. All state is in memory; nothing survives a
// restart.
type Guard struct {
	window       time.Duration
	penalty      time.Duration
	maxConnects  int
	maxTx        int
	maxSessions  int
	liveSessions func() int

	mu      sync.Mutex
	devices map[string]*deviceWindow
	now     func() time.Time
}

type deviceWindow struct {
	connects       []time.Time
	transactions   []time.Time
	blacklistUntil time.Time
	blacklistWhy   string
}

// New builds a guard. liveSessions reports the current number of live
// sessions in the registry and is consulted before any rate-limit slot is
// consumed.
func New(window, penalty time.Duration, maxConnects, maxTx, maxSessions int, liveSessions func() int) *Guard {
	return &Guard{
		window:       window,
		penalty:      penalty,
		maxConnects:  maxConnects,
		maxTx:        maxTx,
		maxSessions:  maxSessions,
		liveSessions: liveSessions,
		devices:      make(map[string]*deviceWindow),
		now:          time.Now,
	}
}

// CheckConnection reports whether a new connection from deviceID is
// admitted. The process-wide session cap is checked first and does not
// consume a rate-limit slot.
func (g *Guard) CheckConnection(deviceID string) (bool, string) {
	if g.maxSessions > 0 && g.liveSessions != nil && g.liveSessions() >= g.maxSessions {
		return false, DenyConnectionCap
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check(deviceID, true)
}

func (g *Guard) CheckTransaction(deviceID string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check(deviceID, false)
}

func (g *Guard) check(deviceID string, connection bool) (bool, string) {
	now := g.now()
	dw := g.devices[deviceID]
	if dw == nil {
		dw = &deviceWindow{}
		g.devices[deviceID] = dw
	}
	if !dw.blacklistUntil.IsZero() {
		if now.Before(dw.blacklistUntil) {
			return false, DenyBlacklisted
		}
		dw.blacklistUntil = time.Time{}
		dw.blacklistWhy = ""
	}
	events, limit := &dw.transactions, g.maxTx
	if connection {
		events, limit = &dw.connects, g.maxConnects
	}
	*events = prune(*events, now.Add(-g.window))
	*events = append(*events, now)
	if limit > 0 && len(*events) > limit {
		dw.blacklistUntil = now.Add(g.penalty)
		dw.blacklistWhy = DenyRateLimit
		return false, DenyRateLimit
	}
	return true, ""
}

// BlacklistedUntil reports the active blacklist deadline for a device, if
// any. Read-only; used for retry-after hints in replies.
func (g *Guard) BlacklistedUntil(deviceID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dw := g.devices[deviceID]
	if dw == nil || dw.blacklistUntil.IsZero() || !g.now().Before(dw.blacklistUntil) {
		return time.Time{}, false
	}
	return dw.blacklistUntil, true
}

// Sweep drops per-device windows that have been idle past the window and
// carry no blacklist entry. Called periodically so the map does not grow
// with every address ever seen.
func (g *Guard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-g.window)
	for id, dw := range g.devices {
		dw.connects = prune(dw.connects, cutoff)
		dw.transactions = prune(dw.transactions, cutoff)
		if len(dw.connects) == 0 && len(dw.transactions) == 0 &&
			(dw.blacklistUntil.IsZero() || !g.now().Before(dw.blacklistUntil)) {
			delete(g.devices, id)
		}
	}
}

func prune(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}

package server

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepLen = 1 << 12
	limiterIdle     = time.Minute
)

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterSet holds a token bucket per client address. Once it tracks
// limiterSweepLen addresses, idle entries are dropped at most once per
// limiterIdle.
type limiterSet struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	byAddr    map[netip.Addr]*clientLimiter
	nextSweep time.Time
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limit:  limit,
		burst:  burst,
		byAddr: make(map[netip.Addr]*clientLimiter),
	}
}

func (ls *limiterSet) allow(addr netip.Addr, now time.Time) bool {
	addr = addr.Unmap()

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if len(ls.byAddr) >= limiterSweepLen && !now.Before(ls.nextSweep) {
		ls.sweepLocked(now)
		ls.nextSweep = now.Add(limiterIdle)
	}
	cl, ok := ls.byAddr[addr]
	if !ok {
		cl = &clientLimiter{lim: rate.NewLimiter(ls.limit, ls.burst)}
		ls.byAddr[addr] = cl
	}
	cl.lastSeen = now
	return cl.lim.AllowN(now, 1)
}

func (ls *limiterSet) sweepLocked(now time.Time) {
	for addr, cl := range ls.byAddr {
		if now.Sub(cl.lastSeen) > limiterIdle {
			delete(ls.byAddr, addr)
		}
	}
}

func (ls *limiterSet) len() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.byAddr)
}

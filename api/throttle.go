package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientHeader names the caller when set; otherwise the remote IP does.
const clientHeader = "X-Client-ID"

// clientState tracks the token bucket of one caller.
type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per caller. Buckets idle for longer
// than idle are dropped.
type clientLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientState
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newClientLimiter(limit rate.Limit, burst int, idle time.Duration) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		clients: make(map[string]*clientState),
		limit:   limit,
		burst:   burst,
		idle:    idle,
		now:     time.Now,
	}
}

// reserve takes one token for key. It returns zero when the request may
// proceed, or how long the caller should wait.
func (c *clientLimiter) reserve(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastSweep) > c.idle {
		for k, st := range c.clients {
			if now.Sub(st.lastSeen) > c.idle {
				delete(c.clients, k)
			}
		}
		c.lastSweep = now
	}

	st := c.clients[key]
	if st == nil {
		st = &clientState{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[key] = st
	}
	st.lastSeen = now

	res := st.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Second
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return d
	}
	return 0
}

func (c *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wait := c.reserve(clientKey(r)); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if id := r.Header.Get(clientHeader); id != "" {
		return "client:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

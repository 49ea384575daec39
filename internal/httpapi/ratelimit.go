package httpapi

import (
	"hash/fnv"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sliding-window rate limiting on two dimensions: per (client, endpoint)
// over a one-minute window, plus a global one-second window bounding
// in-flight load across all clients. Each key holds a time-ordered queue
// of request timestamps; stamps older than the window are dropped on
// every check, so capacity replenishes smoothly instead of resetting at
// window boundaries.

const (
	clientWindow = time.Minute
	globalWindow = time.Second
)

// Endpoint keys and their default per-minute limits. Search is cheaper
// to abuse, sync endpoints drive remote I/O, health probes are free.
var defaultEndpointLimits = map[string]int{
	"search": 30,
	"sync":   10,
	"batch":  20,
	"health": 300,
}

// Limits configures the limiter.
type Limits struct {
	Default     int            // per-minute limit per (client, endpoint)
	PerEndpoint map[string]int // overrides by endpoint key
	Global      int            // requests per second across all clients
}

// DefaultLimits returns the stock configuration around a per-minute
// default.
func DefaultLimits(perMinute int) Limits {
	if perMinute <= 0 {
		perMinute = 60
	}
	return Limits{
		Default:     perMinute,
		PerEndpoint: defaultEndpointLimits,
		Global:      100,
	}
}

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds, floor 1; meaningful on reject
	Window     int // seconds
}

// Limiter holds all sliding-window state behind one mutex. The hot path
// is short; contention is negligible next to downstream I/O.
type Limiter struct {
	mu      sync.Mutex
	clients map[string][]time.Time
	global  []time.Time
	limits  Limits
	now     func() time.Time
}

// NewLimiter builds a limiter; the clock is replaceable in tests.
func NewLimiter(limits Limits) *Limiter {
	if limits.Default <= 0 {
		limits.Default = 60
	}
	if limits.Global <= 0 {
		limits.Global = 100
	}
	return &Limiter{
		clients: map[string][]time.Time{},
		limits:  limits,
		now:     time.Now,
	}
}

// limitFor resolves the per-minute limit for an endpoint key.
func (l *Limiter) limitFor(endpoint string) int {
	if n, ok := l.limits.PerEndpoint[endpoint]; ok {
		return n
	}
	return l.limits.Default
}

// Allow checks both dimensions and, when admitted, records the request.
func (l *Limiter) Allow(clientID, endpoint string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	limit := l.limitFor(endpoint)
	key := clientID + "|" + endpoint

	queue := prune(l.clients[key], now.Add(-clientWindow))
	if len(queue) >= limit {
		l.clients[key] = queue
		reset := queue[0].Add(clientWindow)
		return reject(limit, reset, now)
	}

	l.global = prune(l.global, now.Add(-globalWindow))
	if len(l.global) >= l.limits.Global {
		l.clients[key] = queue
		reset := l.global[0].Add(globalWindow)
		return reject(limit, reset, now)
	}

	queue = append(queue, now)
	l.clients[key] = queue
	l.global = append(l.global, now)
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(queue),
		Reset:     queue[0].Add(clientWindow),
		Window:    int(clientWindow.Seconds()),
	}
}

func prune(queue []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(queue) && !queue[i].After(cutoff) {
		i++
	}
	return queue[i:]
}

func reject(limit int, reset, now time.Time) Decision {
	retry := int(reset.Sub(now).Seconds())
	if retry < 1 {
		retry = 1
	}
	return Decision{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		Reset:      reset,
		RetryAfter: retry,
		Window:     int(clientWindow.Seconds()),
	}
}

// clientID combines the forwarded-for (or peer) address with a stable
// hash of the user agent, so unrelated clients behind one NAT get
// separate budgets.
func clientID(r *http.Request) string {
	addr := ""
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		addr = strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	}
	if addr == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		addr = host
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(r.UserAgent()))
	return addr + "#" + strconv.Itoa(int(h.Sum32()%10000))
}

// endpointKey buckets a request path for per-endpoint limits.
func endpointKey(r *http.Request) string {
	p := r.URL.Path
	switch {
	case strings.HasPrefix(p, "/health"):
		return "health"
	case strings.HasPrefix(p, "/api/knowledge/sync/"):
		return "sync"
	case strings.HasPrefix(p, "/api/knowledge/batch/"):
		return "batch"
	case p == "/api/knowledge/search":
		return "search"
	}
	return "knowledge"
}

// RateLimitMiddleware enforces the limiter on every request and stamps
// the rate-limit headers on allowed and rejected responses alike.
func RateLimitMiddleware(limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.Allow(clientID(r), endpointKey(r))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
			w.Header().Set("X-RateLimit-Window", strconv.Itoa(d.Window))

			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
				log.Warn().
					Str("path", r.URL.Path).
					Int("retry_after", d.RetryAfter).
					Msg("rate limit exceeded")
				writeError(w, r, http.StatusTooManyRequests,
					"Rate limit exceeded. Please retry after "+strconv.Itoa(d.RetryAfter)+" seconds.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package rate

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitError is returned by the wrapped transport when a request is refused
// before reaching the network.
type RateLimitError struct {
	API     string
	Reason  string
	RetryAt time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.API, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.API, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type bucket struct {
	capacity float64
	tokens   float64
	last     time.Time
}

func (b *bucket) take(now time.Time, window time.Duration) bool {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.capacity/window.Seconds())
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *bucket) nextToken(window time.Duration) time.Time {
	return b.last.Add(time.Duration((1 - b.tokens) * float64(window) / b.capacity))
}

// Guard keeps outbound vendor calls inside the configured budget and honours
// cooldowns the server asks for.
type Guard struct {
	limits Limits
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[Window]*bucket
	remaining map[Window]int
	cooldown  time.Time
}

func NewGuard(limits Limits, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	if limits.Name == "" {
		limits.Name = "stromer"
	}
	g := &Guard{
		limits:    limits,
		now:       now,
		buckets:   make(map[Window]*bucket),
		remaining: make(map[Window]int),
	}
	start := now()
	for _, w := range []Window{Minute, Day} {
		if limit := limits.forWindow(w); limit > 0 {
			g.buckets[w] = &bucket{capacity: float64(limit), tokens: float64(limit), last: start}
		}
	}
	return g
}

// Allow consumes one request from every bounded window.
func (g *Guard) Allow() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Before(g.cooldown) {
		return Decision{Reason: "cooldown", RetryAt: g.cooldown}
	}
	for w, remaining := range g.remaining {
		if remaining <= 0 {
			return Decision{Reason: w.String() + " quota exhausted", RetryAt: g.cooldown}
		}
	}
	for _, w := range []Window{Minute, Day} {
		b, ok := g.buckets[w]
		if !ok {
			continue
		}
		if !b.take(now, w.Duration()) {
			return Decision{Reason: w.String() + " budget", RetryAt: b.nextToken(w.Duration())}
		}
	}
	for w := range g.remaining {
		g.remaining[w]--
	}
	return Decision{Allowed: true}
}

// Observe records a response's status and rate-limit headers.
func (g *Guard) Observe(status int, h http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	name := g.limits.Name
	lastStatusGauge.WithLabelValues(name).Set(float64(status))

	now := g.now()
	wait := headerSeconds(h, g.limits.Headers.RetryAfter)
	if wait < 0 && (status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable) {
		wait = headerSeconds(h, g.limits.Headers.Reset)
	}
	if wait > 0 {
		g.cooldown = now.Add(time.Duration(wait) * time.Second)
		retryAfterGauge.WithLabelValues(name).Set(float64(wait))
	}

	for w, header := range map[Window]string{Minute: g.limits.Headers.RemainingMinute, Day: g.limits.Headers.RemainingDay} {
		remaining := headerSeconds(h, header)
		if remaining < 0 {
			continue
		}
		g.remaining[w] = remaining
		remainingGauge.WithLabelValues(name, w.String()).Set(float64(remaining))
	}
}

// WrapHTTP returns a copy of base whose transport is gated by g.
func (g *Guard) WrapHTTP(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	next := client.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	client.Transport = &roundTripper{next: next, guard: g}
	return &client
}

type roundTripper struct {
	next  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	decision := rt.guard.Allow()
	if !decision.Allowed {
		if req.Body != nil {
			req.Body.Close()
		}
		blockedTotal.WithLabelValues(rt.guard.limits.Name, decision.Reason).Inc()
		return nil, RateLimitError{API: rt.guard.limits.Name, Reason: decision.Reason, RetryAt: decision.RetryAt}
	}
	resp, err := rt.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	rt.guard.Observe(resp.StatusCode, resp.Header)
	return resp, nil
}

func headerSeconds(h http.Header, key string) int {
	if key == "" {
		return -1
	}
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return -1
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

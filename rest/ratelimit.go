package rest

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitData describes a wait imposed by a bucket or the global limit.
type RateLimitData struct {
	Timeout time.Duration
	Limit   int
	Method  string
	Path    string
	Route   string
	Global  bool
}

type bucket struct {
	limit     int
	remaining int
	reset     time.Time
}

func newBucket() bucket {
	return bucket{
		limit:     -1,
		remaining: -1,
	}
}

func (b *bucket) limited(now time.Time) bool {
	return b.remaining <= 0 && now.Before(b.reset)
}

// globalLimit is shared by every executor of a Manager.
type globalLimit struct {
	mu        sync.Mutex
	limit     int
	remaining int
	reset     time.Time
	delay     chan struct{}
}

func newGlobalLimit(limit int) *globalLimit {
	if limit <= 0 {
		limit = math.MaxInt
	}

	return &globalLimit{
		limit:     limit,
		remaining: limit,
	}
}

func (g *globalLimit) limited(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining <= 0 && now.Before(g.reset)
}

func (g *globalLimit) state() (int, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit, g.reset
}

// consume takes one request from the current one second window, opening a
// new window if the previous one has elapsed.
func (g *globalLimit) consume(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reset.IsZero() || g.reset.Before(now) {
		g.reset = now.Add(time.Second)
		g.remaining = g.limit
	}

	g.remaining--
}

// trip marks the whole API as unavailable for retryAfter.
func (g *globalLimit) trip(now time.Time, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.remaining = 0
	g.reset = now.Add(retryAfter)
}

// delayFor returns a channel closed after timeout. Concurrent callers share
// the in-flight delay rather than each starting their own timer.
func (g *globalLimit) delayFor(timeout time.Duration) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.delay != nil {
		return g.delay
	}

	delay := make(chan struct{})
	g.delay = delay
	time.AfterFunc(timeout, func() {
		g.mu.Lock()
		g.delay = nil
		g.mu.Unlock()
		close(delay)
	})

	return delay
}

type rateLimitHeaders struct {
	limit      string
	remaining  string
	reset      string
	resetAfter string
	global     bool
	retryAfter time.Duration
	date       string
}

func parseRateLimitHeaders(header http.Header) rateLimitHeaders {
	h := rateLimitHeaders{
		limit:      header.Get("x-ratelimit-limit"),
		remaining:  header.Get("x-ratelimit-remaining"),
		reset:      header.Get("x-ratelimit-reset"),
		resetAfter: header.Get("x-ratelimit-reset-after"),
		global:     header.Get("x-ratelimit-global") != "",
		retryAfter: -1,
		date:       header.Get("date"),
	}

	if raw := header.Get("retry-after"); raw != "" {
		if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
			h.retryAfter = seconds2duration(seconds)
		}
	}

	return h
}

func seconds2duration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// apiOffset is how far the server clock is ahead of ours.
func apiOffset(serverDate string, now time.Time) time.Duration {
	if serverDate == "" {
		return 0
	}

	date, err := http.ParseTime(serverDate)
	if err != nil {
		return 0
	}

	return date.Sub(now)
}

// calcReset prefers the relative reset-after value, falling back to the
// absolute reset timestamp corrected for clock skew.
func calcReset(reset, resetAfter, serverDate string, now time.Time) time.Time {
	if resetAfter != "" {
		if seconds, err := strconv.ParseFloat(resetAfter, 64); err == nil {
			return now.Add(seconds2duration(seconds))
		}
	}

	seconds, err := strconv.ParseFloat(reset, 64)
	if err != nil {
		return now
	}

	at := time.Unix(0, int64(seconds*float64(time.Second)))
	return at.Add(-apiOffset(serverDate, now))
}

// apply updates the bucket from response headers, tripping the global limit
// if the server says so. It returns the sublimit wait for non-global 429s.
func (h rateLimitHeaders) apply(b *bucket, global *globalLimit, route string, now time.Time) time.Duration {
	b.limit = math.MaxInt
	if limit, err := strconv.Atoi(h.limit); err == nil {
		b.limit = limit
	}

	b.remaining = 1
	if remaining, err := strconv.Atoi(h.remaining); err == nil {
		b.remaining = remaining
	}

	if h.reset != "" || h.resetAfter != "" {
		b.reset = calcReset(h.reset, h.resetAfter, h.date, now)
	} else {
		b.reset = now
	}

	if h.resetAfter == "" && strings.Contains(route, "reactions") {
		b.reset = now.Add(250 * time.Millisecond)
	}

	var sublimit time.Duration
	if h.retryAfter > 0 {
		if h.global {
			global.trip(now, h.retryAfter)
		} else if !b.limited(now) {
			sublimit = h.retryAfter
		}
	}

	return sublimit
}

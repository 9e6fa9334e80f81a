// Package ratelimit admits or rejects requests per client using a fixed window counter.
//
// State is process-local: each replica enforces its own budget.
package ratelimit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Defaults for the per-client limit.
const (
	DefaultLimit  = 10
	DefaultWindow = 60 * time.Second
)

// ErrRateLimited is reported when a client has exhausted its budget for the current window.
var ErrRateLimited = errors.New("rate limit exceeded")

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is the time until the client's window resets. Zero when allowed.
	RetryAfter time.Duration
}

type window struct {
	start time.Time
	count int
}

// FixedWindow counts requests per key in fixed windows that start at the key's first request.
type FixedWindow struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
}

// NewFixedWindow creates a limiter admitting limit requests per period per key.
// Non-positive values use DefaultLimit and DefaultWindow.
func NewFixedWindow(limit int, period time.Duration) *FixedWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if period <= 0 {
		period = DefaultWindow
	}
	return &FixedWindow{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

// Limit returns the number of requests admitted per window.
func (f *FixedWindow) Limit() int { return f.limit }

// Window returns the window length.
func (f *FixedWindow) Window() time.Duration { return f.period }

// Allow records a request for key and reports whether it is admitted. Rejected requests do not
// consume budget.
func (f *FixedWindow) Allow(key string) Decision {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.windows[key]
	if !ok || !now.Before(w.start.Add(f.period)) {
		w = &window{start: now}
		f.windows[key] = w
	}

	if w.count >= f.limit {
		return Decision{
			Allowed:    false,
			Limit:      f.limit,
			Remaining:  0,
			RetryAfter: w.start.Add(f.period).Sub(now),
		}
	}

	w.count++
	return Decision{
		Allowed:   true,
		Limit:     f.limit,
		Remaining: f.limit - w.count,
	}
}

// Cleanup removes windows that have ended.
func (f *FixedWindow) Cleanup() {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	for k, w := range f.windows {
		if !now.Before(w.start.Add(f.period)) {
			delete(f.windows, k)
		}
	}
}

// size returns the number of tracked keys.
func (f *FixedWindow) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

// StartJanitor runs Cleanup every interval until ctx is done. A non-positive interval uses the
// window length.
func (f *FixedWindow) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = f.period
	}

	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				f.Cleanup()
			}
		}
	}()
}

// KeyFunc extracts the client identity from a request.
type KeyFunc func(r *http.Request) string

// ClientKeyFunc keys clients by the host part of RemoteAddr. When trustXFF is set, the first
// X-Forwarded-For entry wins; only enable it behind a proxy that overwrites the header.
func ClientKeyFunc(trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

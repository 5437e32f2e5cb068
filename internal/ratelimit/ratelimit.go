// Package ratelimit implements the fixed-window, per-client request limit
// applied at the edge of the HTTP server.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/blinktest/blinktest/internal/metrics"
)

const (
	DefaultMax           = 120
	DefaultWindow        = time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

type window struct {
	count int
	reset time.Time
}

// Limiter counts requests per key in fixed windows. A key's window starts
// with its first request and the request that pushes the count past max is
// rejected, as is every later one until the window resets.
type Limiter struct {
	clock  clockwork.Clock
	max    int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*window

	stop chan struct{}
	done chan struct{}
}

func New(max int, win time.Duration, clock clockwork.Clock) *Limiter {
	if max <= 0 {
		max = DefaultMax
	}
	if win <= 0 {
		win = DefaultWindow
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		clock:   clock,
		max:     max,
		window:  win,
		windows: make(map[string]*window),
	}
}

// Allow records a request for key. When the request is over the limit it
// returns false and how long until the window resets.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.reset) {
		l.windows[key] = &window{count: 1, reset: now.Add(l.window)}
		return true, 0
	}

	w.count++
	if w.count > l.max {
		return false, w.reset.Sub(now)
	}
	return true, 0
}

// Sweep drops windows that have already reset.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if now.After(w.reset) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Start sweeps every interval until Stop is called.
func (l *Limiter) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	ticker := l.clock.NewTicker(interval)
	go func() {
		defer close(l.done)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.Chan():
				if n := l.Sweep(); n > 0 {
					log.Debug().Int("count", n).Msg("swept rate limit windows")
				}
			}
		}
	}()
}

func (l *Limiter) Stop() {
	if l.stop == nil {
		return
	}
	close(l.stop)
	<-l.done
	l.stop = nil
}

// ClientIP picks the client address: the first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// RetryAfterSeconds rounds d up to whole seconds, at least 1.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Middleware rejects over-limit requests with 429. Requests for which
// exempt returns true are neither counted nor limited.
func (l *Limiter) Middleware(exempt func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt != nil && exempt(r) {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r)
			ok, retry := l.Allow(ip)
			if !ok {
				metrics.RateLimited.Inc()
				log.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("rate limited")
				w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(retry)))
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte("Too Many Requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

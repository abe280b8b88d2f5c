package main

import (
	"context"
	"log"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// clientWindow is the per-caller counting state for the current fixed
// window. Windows are created lazily on first request and reset in place
// when their boundary passes.
type clientWindow struct {
	count   int
	resetAt time.Time
}

// rateLimiter is a fixed-window admission gate. Fixed, not sliding: a
// caller can burst up to 2x the ceiling across a window boundary. That is
// accepted behavior, traded for a single map lookup per request.
//
// The window store is owned by this struct and handed to the pipeline at
// construction time; nothing else mutates it.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*clientWindow

	maxRequests int
	window      time.Duration
	clock       quartz.Clock
}

func newRateLimiter(maxRequests int, window time.Duration, clock quartz.Clock) *rateLimiter {
	return &rateLimiter{
		windows:     make(map[string]*clientWindow),
		maxRequests: maxRequests,
		window:      window,
		clock:       clock,
	}
}

// admit records one request for the client key and reports whether it is
// allowed. When rejected, retryAfter carries whole seconds until the
// window resets, rounded up and never below one.
func (rl *rateLimiter) admit(key string) (bool, int) {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	win, ok := rl.windows[key]
	if !ok {
		rl.windows[key] = &clientWindow{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}

	if now.After(win.resetAt) {
		win.count = 1
		win.resetAt = now.Add(rl.window)
		return true, 0
	}

	win.count++
	if win.count > rl.maxRequests {
		retryAfter := int(math.Ceil(win.resetAt.Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}

	return true, 0
}

// reap drops windows whose reset time passed more than one full window
// ago. Eviction never changes an admission decision: an expired window is
// reset on its next touch anyway. It only bounds the map.
func (rl *rateLimiter) reap() int {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, win := range rl.windows {
		if now.Sub(win.resetAt) > rl.window {
			delete(rl.windows, key)
			evicted++
		}
	}
	return evicted
}

// startReaper evicts stale client windows once per window length until
// the context is canceled.
func (rl *rateLimiter) startReaper(ctx context.Context) {
	rl.clock.TickerFunc(ctx, rl.window, func() error {
		if evicted := rl.reap(); evicted > 0 {
			log.Println("rate limiter: evicted stale windows:", evicted)
		}
		return nil
	}, "reaper")
}

// windowCount reports the current count for a client key. Zero when no
// window exists.
func (rl *rateLimiter) windowCount(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if win, ok := rl.windows[key]; ok {
		return win.count
	}
	return 0
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// clientKey resolves the admission key: explicit client id header, else
// the caller's network address, else the literal "unknown".
func clientKey(r *http.Request) string {
	if id := r.Header.Get("X-Client-Id"); id != "" {
		return id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// Copyright (c) 2026 Apflow Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit throttles inbound webhook traffic with a sliding
// window backed by the row store, so the limit holds across replicas.
package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// WindowStore persists per-window hit counters.
type WindowStore interface {
	IncrementRateWindow(ctx context.Context, key string, windowStart int64) (int64, error)
	GetRateWindow(ctx context.Context, key string, windowStart int64) (int64, error)
}

// Pruner deletes window counter rows older than a cutoff.
type Pruner interface {
	PruneRateWindows(ctx context.Context, cutoff int64) error
}

// Limiter enforces at most `limit` hits per `window` per key, using the
// standard two-bucket sliding-window approximation: the previous
// window's count is weighted by the fraction of it still inside the
// sliding window.
type Limiter struct {
	store  WindowStore
	limit  int64
	window time.Duration
	now    func() time.Time
}

// New creates a limiter. limit <= 0 disables it (Allow always true).
func New(store WindowStore, limit int64, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{store: store, limit: limit, window: window, now: time.Now}
}

// Allow records one hit for key and reports whether it is within the
// limit. Store errors fail open: an unreachable database must not take
// the webhook down with it.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l.limit <= 0 {
		return true
	}

	now := l.now()
	winNanos := l.window.Nanoseconds()
	cur := now.UnixNano() / winNanos * winNanos
	prev := cur - winNanos

	curHits, err := l.store.IncrementRateWindow(ctx, key, cur)
	if err != nil {
		slog.Warn("rate limiter store unavailable, failing open", "error", err)
		return true
	}
	prevHits, err := l.store.GetRateWindow(ctx, key, prev)
	if err != nil {
		slog.Warn("rate limiter store unavailable, failing open", "error", err)
		return true
	}

	elapsed := float64(now.UnixNano()-cur) / float64(winNanos)
	weighted := float64(curHits) + float64(prevHits)*(1-elapsed)
	return weighted <= float64(l.limit)
}

// Middleware rejects over-limit requests with 429. The key is the
// client IP, so one noisy caller cannot starve the provider's
// notification delivery.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.Context(), clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Prune deletes window counters too old to influence the sliding
// window: everything before the previous window.
func (l *Limiter) Prune(ctx context.Context, pruner Pruner) error {
	winNanos := l.window.Nanoseconds()
	cur := l.now().UnixNano() / winNanos * winNanos
	return pruner.PruneRateWindows(ctx, cur-winNanos)
}

// PruneLoop runs Prune on a schedule until ctx is cancelled, keeping
// the counter table from growing without bound.
func (l *Limiter) PruneLoop(ctx context.Context, pruner Pruner, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Prune(ctx, pruner); err != nil {
				slog.Warn("rate window prune failed", "error", err)
			}
		}
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client.
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyfuzz.
//
// go-keyfuzz is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package ratelimit throttles dispatches per device target with token
// buckets from golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// ErrInvalidConfig is returned by New for negative rates or bursts.
var ErrInvalidConfig = errors.New("ratelimit: invalid config")

// Config holds rate limiter configuration.
type Config struct {
	// PerSecond is the sustained dispatch rate per target. Zero disables
	// limiting.
	PerSecond float64

	// Burst allows short bursts above the sustained rate. Defaults to 1.
	Burst int
}

// Limiter tracks one token bucket per target name.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	enabled  bool
}

// New creates a limiter. A nil config yields a disabled limiter.
func New(config *Config) (*Limiter, error) {
	if config == nil {
		config = &Config{}
	}
	if config.PerSecond < 0 || math.IsNaN(config.PerSecond) || math.IsInf(config.PerSecond, 0) || config.Burst < 0 {
		return nil, fmt.Errorf("%w: rate %v burst %d", ErrInvalidConfig, config.PerSecond, config.Burst)
	}
	burst := config.Burst
	if burst == 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(config.PerSecond),
		burst:    burst,
		enabled:  config.PerSecond > 0,
	}, nil
}

func (l *Limiter) getLimiter(target string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[target]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[target] = limiter
	}
	return limiter
}

// Allow reports whether a dispatch to target may proceed now, consuming
// a token if so.
func (l *Limiter) Allow(target string) bool {
	if !l.enabled {
		return true
	}
	return l.getLimiter(target).Allow()
}

// Wait blocks until target has a token or ctx is done.
func (l *Limiter) Wait(ctx context.Context, target string) error {
	if !l.enabled {
		return ctx.Err()
	}
	return l.getLimiter(target).Wait(ctx)
}

// IsEnabled reports whether limiting is active.
func (l *Limiter) IsEnabled() bool {
	return l.enabled
}

// Stats returns current rate limiter statistics.
func (l *Limiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]any{
		"enabled":        l.enabled,
		"active_targets": len(l.limiters),
		"rate_per_sec":   float64(l.rate),
		"burst":          l.burst,
	}
}

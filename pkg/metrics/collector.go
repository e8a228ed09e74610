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

package metrics

import (
	"context"
	"runtime"
	"time"
)

// ResourceCollector periodically samples process resource usage into the
// Goroutines, MemoryAllocBytes and Uptime gauges.
type ResourceCollector struct {
	interval time.Duration
	started  time.Time
	done     chan struct{}
}

// StartResourceCollector samples once immediately and then every interval
// until ctx is cancelled. Wait blocks until the sampling goroutine exits.
func StartResourceCollector(ctx context.Context, interval time.Duration) *ResourceCollector {
	rc := &ResourceCollector{
		interval: interval,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	rc.collect()
	go rc.run(ctx)
	return rc
}

func (rc *ResourceCollector) run(ctx context.Context) {
	defer close(rc.done)
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.collect()
		}
	}
}

// Wait blocks until the collector has stopped.
func (rc *ResourceCollector) Wait() {
	<-rc.done
}

func (rc *ResourceCollector) collect() {
	if !IsEnabled() {
		return
	}
	Goroutines.Set(float64(runtime.NumGoroutine()))

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	MemoryAllocBytes.Set(float64(ms.Alloc))

	Uptime.Set(time.Since(rc.started).Seconds())
}

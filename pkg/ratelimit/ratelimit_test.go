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

package ratelimit

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	limiter, err := New(&Config{PerSecond: 10, Burst: 5})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !limiter.IsEnabled() {
		t.Error("Expected limiter to be enabled")
	}

	stats := limiter.Stats()
	if stats["enabled"] != true {
		t.Error("Expected enabled to be true in stats")
	}
	if stats["burst"] != 5 {
		t.Errorf("Expected burst 5, got %v", stats["burst"])
	}
}

func TestNewInvalid(t *testing.T) {
	for _, cfg := range []*Config{
		{PerSecond: -1},
		{PerSecond: math.NaN()},
		{PerSecond: math.Inf(1)},
		{PerSecond: 1, Burst: -1},
	} {
		if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Expected ErrInvalidConfig for %+v, got %v", cfg, err)
		}
	}
}

func TestAllow(t *testing.T) {
	limiter, err := New(&Config{PerSecond: 1, Burst: 3})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if !limiter.Allow("tee") {
			t.Errorf("Dispatch %d should be allowed (burst)", i+1)
		}
	}
	if limiter.Allow("tee") {
		t.Error("Dispatch should be denied after burst exhausted")
	}

	// Targets are tracked independently.
	if !limiter.Allow("strongbox") {
		t.Error("Second target should have its own bucket")
	}
	if got := limiter.Stats()["active_targets"]; got != 2 {
		t.Errorf("Expected 2 active targets, got %v", got)
	}
}

func TestDisabledLimiter(t *testing.T) {
	limiter, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if limiter.IsEnabled() {
		t.Error("Expected limiter to be disabled")
	}
	for i := 0; i < 1000; i++ {
		if !limiter.Allow("tee") {
			t.Fatal("Disabled limiter should allow all dispatches")
		}
		if err := limiter.Wait(context.Background(), "tee"); err != nil {
			t.Fatalf("Disabled limiter Wait failed: %v", err)
		}
	}
}

func TestWait(t *testing.T) {
	limiter, err := New(&Config{PerSecond: 50, Burst: 1})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(context.Background(), "tee"); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Expected throttling, three waits took %v", elapsed)
	}
}

func TestWaitCancelled(t *testing.T) {
	limiter, err := New(&Config{PerSecond: 0.001, Burst: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !limiter.Allow("tee") {
		t.Fatal("First dispatch should be allowed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := limiter.Wait(ctx, "tee"); err == nil {
		t.Error("Expected error from cancelled context")
	}

	disabled, _ := New(nil)
	if err := disabled.Wait(ctx, "tee"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled from disabled limiter, got %v", err)
	}
}

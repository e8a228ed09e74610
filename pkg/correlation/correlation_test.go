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

package correlation

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestWithRunID(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-1")
	if got := RunID(ctx); got != "run-1" {
		t.Errorf("RunID() = %q, want run-1", got)
	}
	if got := RunID(context.Background()); got != "" {
		t.Errorf("RunID() on empty context = %q", got)
	}
	//nolint:staticcheck // nil context is handled explicitly
	if got := RunID(nil); got != "" {
		t.Errorf("RunID(nil) = %q", got)
	}
}

func TestEnsureRunID(t *testing.T) {
	ctx, id := EnsureRunID(context.Background())
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("generated run ID %q is not a UUID: %v", id, err)
	}
	if RunID(ctx) != id {
		t.Error("generated run ID not attached to context")
	}

	again, same := EnsureRunID(ctx)
	if same != id || RunID(again) != id {
		t.Errorf("EnsureRunID replaced existing ID %q with %q", id, same)
	}
}

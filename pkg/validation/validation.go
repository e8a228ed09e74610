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

// Package validation checks operator-supplied names before they reach
// file paths, metric labels or log lines.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxTargetNameLength bounds target names.
const MaxTargetNameLength = 64

// maxLogLength bounds sanitized log values.
const maxLogLength = 1000

// ErrInvalidName is wrapped by every validation failure.
var ErrInvalidName = errors.New("validation: invalid name")

// targetPattern matches safe target names (lowercase alphanumeric, hyphen
// and underscore, not starting with a separator)
var targetPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]*$`)

// ValidateTargetName validates a device target name. Target names become
// storage directory names and metric label values.
func ValidateTargetName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: target name cannot be empty", ErrInvalidName)
	}

	// Check length before other validations (prevent ReDoS)
	if len(name) > MaxTargetNameLength {
		return fmt.Errorf("%w: target name too long (max %d characters)", ErrInvalidName, MaxTargetNameLength)
	}

	if containsControl(name) {
		return fmt.Errorf("%w: target name contains control characters", ErrInvalidName)
	}

	if !targetPattern.MatchString(name) {
		return fmt.Errorf("%w: target name %q contains invalid characters (allowed: a-z, 0-9, -, _)", ErrInvalidName, name)
	}
	return nil
}

// SanitizeForLog strips control characters and truncates s. Functions
// files may hold arbitrary bytes, and this keeps one name on one log line.
func SanitizeForLog(s string) string {
	if containsControl(s) {
		s = strings.Map(func(r rune) rune {
			if r < 32 || r == 127 {
				return -1
			}
			return r
		}, s)
	}
	if len(s) > maxLogLength {
		s = s[:maxLogLength] + "...[truncated]"
	}
	return s
}

func containsControl(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}

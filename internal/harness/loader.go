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

package harness

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrOpenFile is returned when a functions or input file cannot be read.
	ErrOpenFile = errors.New("harness: failed to open input file")

	// ErrEmptyFile is returned when a functions or input file has no content.
	ErrEmptyFile = errors.New("harness: input file is empty")
)

// LoadError reports a setup failure for one input path.
type LoadError struct {
	Path  string
	Err   error
	Cause error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %s: %v", e.Err, e.Path, e.Cause)
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Path)
}

func (e *LoadError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

// Diagnostic returns the one-line message printed before exiting.
func (e *LoadError) Diagnostic() string {
	if errors.Is(e.Err, ErrEmptyFile) {
		return "Input file is empty: " + e.Path
	}
	return "Failed to open input file: " + e.Path
}

func readInput(path string) ([]byte, error) {
	// #nosec G304 - input paths are supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: ErrOpenFile, Cause: err}
	}
	if len(data) == 0 {
		return nil, &LoadError{Path: path, Err: ErrEmptyFile}
	}
	return data, nil
}

// LoadCommands reads the operation names in path, one per line, in file
// order. Duplicates and blank lines are kept; a trailing carriage return is
// stripped from each line. Names are not validated.
func LoadCommands(path string) ([]string, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSuffix(string(data), "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines, nil
}

// LoadPayload reads path whole as the fuzz buffer.
func LoadPayload(path string) ([]byte, error) {
	return readInput(path)
}

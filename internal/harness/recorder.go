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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/natefinch/atomic"
)

// Response is the outcome of one operation dispatched to one target.
type Response struct {
	Seq        int    `json:"seq"`
	Operation  string `json:"operation"`
	Target     string `json:"target"`
	Status     int32  `json:"status"`
	StatusName string `json:"status_name"`
	Output     []byte `json:"output,omitempty"`
}

// OK reports whether the device returned OK.
func (r Response) OK() bool {
	return r.Status == 0
}

// Recorder collects responses for the combined output artifact. A
// disabled recorder drops every response and writes an empty file.
type Recorder struct {
	mu        sync.Mutex
	enabled   bool
	responses []Response
}

// NewRecorder returns a recorder that keeps responses when enabled is set.
func NewRecorder(enabled bool) *Recorder {
	return &Recorder{enabled: enabled}
}

// Enabled reports whether responses are kept.
func (r *Recorder) Enabled() bool {
	return r != nil && r.enabled
}

// Record keeps resp if recording is enabled.
func (r *Recorder) Record(resp Response) {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	r.responses = append(r.responses, resp)
	r.mu.Unlock()
}

// Responses returns a copy of the recorded responses in dispatch order.
func (r *Recorder) Responses() []Response {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Response, len(r.responses))
	copy(out, r.responses)
	return out
}

// WriteTo writes the recorded responses as JSON lines.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	enc := json.NewEncoder(cw)
	for _, resp := range r.Responses() {
		if err := enc.Encode(resp); err != nil {
			return cw.n, err
		}
	}
	return cw.n, nil
}

// WriteFile atomically replaces path with the combined output.
func (r *Recorder) WriteFile(path string) error {
	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		return fmt.Errorf("harness: encode combined output: %w", err)
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("harness: write combined output %s: %w", path, err)
	}
	return nil
}

// ReadResponses parses JSON lines written by WriteTo. Blank lines are
// skipped.
func ReadResponses(rd io.Reader) ([]Response, error) {
	var out []Response
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(text, &resp); err != nil {
			return nil, fmt.Errorf("harness: combined output line %d: %w", line, err)
		}
		out = append(out, resp)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("harness: read combined output: %w", err)
	}
	return out, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

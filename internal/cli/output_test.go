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

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyfuzz/internal/compare"
	"github.com/jeremyhahn/go-keyfuzz/internal/harness"
)

func divergentReport() *compare.Report {
	responses := []harness.Response{
		{Seq: 0, Operation: "get_hardware_info", Target: "tee", StatusName: "OK", Output: []byte("a")},
		{Seq: 0, Operation: "get_hardware_info", Target: "strongbox", StatusName: "OK", Output: []byte("ab")},
	}
	return compare.Compare(responses, compare.DefaultRules())
}

func TestPrinter_PrintReport(t *testing.T) {
	report := divergentReport()
	require.Equal(t, 1, report.Divergent)

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewPrinter("text", &buf).PrintReport(report))
		assert.Contains(t, buf.String(), "Divergent: 1")
		assert.Contains(t, buf.String(), "#0 get_hardware_info (format)")
	})

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewPrinter("table", &buf).PrintReport(report))
		assert.Contains(t, buf.String(), "OPERATION")
		assert.Contains(t, buf.String(), "1 compared, 1 divergent, 0 skipped")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewPrinter("json", &buf).PrintReport(report))
		var got map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.EqualValues(t, 1, got["divergent"])
	})
}

func TestPrinter_PrintError(t *testing.T) {
	loadErr := &harness.LoadError{Path: "functions.txt", Err: harness.ErrEmptyFile}

	var buf bytes.Buffer
	require.NoError(t, NewPrinter("text", &buf).PrintError(loadErr))
	assert.Equal(t, "Error: Input file is empty: functions.txt\n", buf.String())

	buf.Reset()
	require.NoError(t, NewPrinter("json", &buf).PrintError(errors.New("boom")))
	assert.JSONEq(t, `{"status":"error","error":"boom"}`, buf.String())
}

func TestPrinter_UnknownFormat(t *testing.T) {
	p := NewPrinter("yaml", &bytes.Buffer{})
	assert.Error(t, p.PrintOperations([]string{"generate_key"}))
	assert.Error(t, p.PrintSuccess("ok"))
	assert.False(t, validFormat("yaml"))
}

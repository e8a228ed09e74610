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
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeremyhahn/go-keyfuzz/internal/campaign"
	"github.com/jeremyhahn/go-keyfuzz/internal/compare"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText  OutputFormat = "text"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// validFormat reports whether format is one the Printer understands.
func validFormat(format string) bool {
	switch OutputFormat(format) {
	case OutputFormatText, OutputFormatJSON, OutputFormatTable:
		return true
	}
	return false
}

// PrintOperations prints the operation vocabulary
func (p *Printer) PrintOperations(names []string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"operations": names,
		})
	case OutputFormatTable:
		fmt.Fprintf(p.writer, "%-4s %-28s\n", "#", "OPERATION")
		fmt.Fprintln(p.writer, strings.Repeat("-", 33))
		for i, name := range names {
			fmt.Fprintf(p.writer, "%-4d %-28s\n", i+1, name)
		}
		return nil
	case OutputFormatText:
		for _, name := range names {
			fmt.Fprintln(p.writer, name)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintReport prints a comparison report
func (p *Printer) PrintReport(report *compare.Report) error {
	divergences := report.Divergences()
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"compared":    report.Compared,
			"divergent":   report.Divergent,
			"skipped":     report.Skipped,
			"divergences": divergences,
		})
	case OutputFormatTable:
		fmt.Fprintf(p.writer, "%-6s %-28s %-8s %-30s\n", "SEQ", "OPERATION", "RULE", "STATUSES")
		fmt.Fprintln(p.writer, strings.Repeat("-", 75))
		for _, r := range divergences {
			fmt.Fprintf(p.writer, "%-6d %-28s %-8s %-30s\n", r.Seq, r.Operation, r.Rule, observations(r))
		}
		fmt.Fprintf(p.writer, "\n%d compared, %d divergent, %d skipped\n",
			report.Compared, report.Divergent, report.Skipped)
		return nil
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Compared:  %d\n", report.Compared)
		fmt.Fprintf(p.writer, "Divergent: %d\n", report.Divergent)
		fmt.Fprintf(p.writer, "Skipped:   %d\n", report.Skipped)
		for _, r := range divergences {
			fmt.Fprintf(p.writer, "  - #%d %s (%s): %s\n", r.Seq, r.Operation, r.Rule, observations(r))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintCampaign prints a campaign summary
func (p *Printer) PrintCampaign(sum *campaign.Summary) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(sum)
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintf(p.writer, "Run ID:      %s\n", sum.RunID)
		fmt.Fprintf(p.writer, "Rounds:      %d\n", sum.Rounds)
		fmt.Fprintf(p.writer, "Divergent:   %d\n", len(sum.DivergentRounds))
		fmt.Fprintf(p.writer, "Disallowed:  %d\n", sum.Disallowed)
		fmt.Fprintf(p.writer, "Interesting: %d\n", sum.Interesting)
		if sum.Cancelled {
			fmt.Fprintln(p.writer, "Cancelled:   true")
		}
		for _, r := range sum.DivergentRounds {
			fmt.Fprintf(p.writer, "  - round %d: %s\n", r.Index, strings.Join(r.DivergentOperations, ", "))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintFiles prints the paths written by a command
func (p *Printer) PrintFiles(paths []string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"files": paths,
		})
	case OutputFormatTable, OutputFormatText:
		for _, path := range paths {
			fmt.Fprintln(p.writer, path)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status":  "success",
			"message": message,
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message. Input file failures print their
// one-line diagnostic.
func (p *Printer) PrintError(err error) error {
	msg := err.Error()
	if d, ok := diagnostic(err); ok {
		msg = d
	}
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  msg,
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintf(p.writer, "Error: %s\n", msg)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

func observations(r compare.Result) string {
	parts := make([]string, len(r.Observations))
	for i, o := range r.Observations {
		parts[i] = fmt.Sprintf("%s=%s/%d", o.Target, o.Status, o.OutputLen)
	}
	return strings.Join(parts, " ")
}

func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

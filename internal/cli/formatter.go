// =============================================================================
// CLI OUTPUT FORMATTING
// =============================================================================
//
// Human output is aligned tables; --output json switches every command to
// machine-readable JSON so the CLI composes with jq and scripts.
//
// =============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// OutputFormat selects how results render.
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch s {
	case "", "table":
		return OutputTable, nil
	case "json":
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table or json)", s)
	}
}

// Formatter renders command results.
type Formatter struct {
	format OutputFormat
	out    io.Writer
}

// NewFormatter creates a formatter writing to stdout.
func NewFormatter(format OutputFormat) *Formatter {
	return &Formatter{format: format, out: os.Stdout}
}

// SetWriter redirects output, for tests.
func (f *Formatter) SetWriter(w io.Writer) {
	f.out = w
}

// JSON reports whether the formatter is in JSON mode.
func (f *Formatter) JSON() bool {
	return f.format == OutputJSON
}

// PrintJSON renders any value as indented JSON.
func (f *Formatter) PrintJSON(v any) error {
	enc := json.NewEncoder(f.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table starts an aligned table.
func (f *Formatter) Table(headers ...string) *Table {
	t := &Table{w: tabwriter.NewWriter(f.out, 0, 4, 2, ' ', 0)}
	if len(headers) > 0 {
		t.Row(toAny(headers)...)
	}
	return t
}

// Table writes aligned rows.
type Table struct {
	w *tabwriter.Writer
}

// Row appends one row.
func (t *Table) Row(values ...any) {
	for i, v := range values {
		if i > 0 {
			fmt.Fprint(t.w, "\t")
		}
		fmt.Fprint(t.w, v)
	}
	fmt.Fprintln(t.w)
}

// Flush renders the table.
func (t *Table) Flush() error {
	return t.w.Flush()
}

// Printf writes plain output, for single-value results in table mode.
func (f *Formatter) Printf(format string, args ...any) {
	fmt.Fprintf(f.out, format, args...)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

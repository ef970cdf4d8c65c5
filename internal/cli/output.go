package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

// OutputFormat selects how command results are printed.
type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
	OutputYAML OutputFormat = "yaml"
)

func parseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case OutputText, OutputJSON, OutputYAML:
		return f, nil
	case "":
		return OutputText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
	}
}

// render prints v as JSON or YAML, or calls text for the text format.
func render(w io.Writer, format string, v any, text func(io.Writer) error) error {
	f, err := parseOutputFormat(format)
	if err != nil {
		return err
	}
	switch f {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case OutputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(w)
	}
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// rowLabel names a row by key when the diff is keyed, else by 1-based position.
func rowLabel(r core.RowRef) string {
	switch {
	case r.Key != "":
		return "key " + r.Key
	case r.ToIndex != nil:
		return fmt.Sprintf("row %d", *r.ToIndex+1)
	case r.FromIndex != nil:
		return fmt.Sprintf("row %d", *r.FromIndex+1)
	default:
		return "row ?"
	}
}

func locationLabel(l core.Location) string {
	var parts []string
	switch {
	case l.RowKey != "":
		parts = append(parts, "key "+l.RowKey)
	case l.RowIndex != nil:
		parts = append(parts, fmt.Sprintf("row %d", *l.RowIndex+1))
	}
	if l.Column != "" {
		parts = append(parts, "column "+l.Column)
	}
	if l.Marker != "" {
		parts = append(parts, l.Marker)
	}
	if len(parts) == 0 {
		return "sheet"
	}
	return strings.Join(parts, ", ")
}

// cellText quotes values so empty strings and nulls stay distinguishable.
func cellText(v core.Value) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%q", core.ValueText(v))
}

func writeDiffText(w io.Writer, d *core.Diff) error {
	if d.IsEmpty() {
		_, err := fmt.Fprintln(w, "no differences")
		return err
	}

	tw := newTable(w)
	for _, c := range d.AddedColumns {
		fmt.Fprintf(tw, "+\tcolumn %s\t\n", c)
	}
	for _, c := range d.RemovedColumns {
		fmt.Fprintf(tw, "-\tcolumn %s\t\n", c)
	}
	for _, r := range d.AddedRows {
		fmt.Fprintf(tw, "+\t%s\t\n", rowLabel(r))
	}
	for _, r := range d.RemovedRows {
		fmt.Fprintf(tw, "-\t%s\t\n", rowLabel(r))
	}
	for _, c := range d.CellChanges {
		fmt.Fprintf(tw, "~\t%s, column %s\t%s -> %s\n", rowLabel(c.Row), c.Column, cellText(c.OldValue), cellText(c.NewValue))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := d.Stats
	_, err := fmt.Fprintf(w, "\n%d rows added, %d removed, %d changed (%d cells); %d columns added, %d removed [%s]\n",
		s.AddedRows, s.RemovedRows, s.ChangedRows, s.ChangedCells, s.AddedColumns, s.RemovedColumns, d.Alignment)
	return err
}

func writeConflictsText(w io.Writer, conflicts []*core.Conflict) error {
	if len(conflicts) == 0 {
		_, err := fmt.Fprintln(w, "no conflicts")
		return err
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "TYPE\tLOCATION\tBASE\tA\tB\tAUTO")
	for _, c := range conflicts {
		auto := "no"
		if c.AutoResolvable {
			auto = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Type, locationLabel(c.Location), cellText(c.BaseValue), cellText(c.ValueA), cellText(c.ValueB), auto)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d conflicts\n", len(conflicts))
	return err
}

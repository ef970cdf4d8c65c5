package core

import (
	"encoding/csv"
	"io"
)

// WriteCSV writes a grid as CSV: the header row, then one record per row.
// Null cells become empty fields, so a round trip through ParseGrid yields
// the same canonical grid for string-valued sheets.
func WriteCSV(w io.Writer, g *Grid) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(g.Headers); err != nil {
		return err
	}
	record := make([]string, len(g.Headers))
	for _, row := range g.Rows {
		for i, v := range row {
			record[i] = ValueText(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

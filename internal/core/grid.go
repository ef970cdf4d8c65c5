package core

// grid.go turns uploaded payloads into grids and produces the canonical
// byte form that content hashes are computed over.
//
// Canonical form:
//   - BOM stripped, decoded to UTF-8 with invalid bytes as U+FFFD (CSV goes through WrapForStreaming)
//   - header names trimmed, every string cell NFC-normalized
//   - empty CSV cells become null
//   - deterministic JSON {"headers":[...],"rows":[[...],...]} in row-major order

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Payload formats accepted by ParseGrid.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// DetectFormat picks a payload format from a content type and, failing that,
// a file name extension. An empty content type with no extension means CSV.
func DetectFormat(contentType, fileName string) (string, error) {
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			switch mediaType {
			case "text/csv", "application/csv", "text/plain":
				return FormatCSV, nil
			case "application/json":
				return FormatJSON, nil
			case "application/octet-stream", "multipart/form-data":
				// fall through to the extension
			default:
				return "", UnsupportedFormat("content type %q is not supported", mediaType)
			}
		}
	}

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv", ".txt", "":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", UnsupportedFormat("file extension %q is not supported", filepath.Ext(fileName))
	}
}

// ParseGrid parses a payload into a canonical rectangular grid.
func ParseGrid(payload []byte, format string) (*Grid, error) {
	var (
		g   *Grid
		err error
	)
	switch format {
	case FormatCSV, "":
		g, err = parseCSVGrid(payload)
	case FormatJSON:
		g, err = parseJSONGrid(payload)
	default:
		return nil, UnsupportedFormat("format %q is not supported", format)
	}
	if err != nil {
		return nil, err
	}
	return Canonicalize(g)
}

func parseCSVGrid(payload []byte) (*Grid, error) {
	r := csv.NewReader(WrapForStreaming(bytes.NewReader(payload), int64(len(payload))))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, UnsupportedFormat("csv has no header row")
	}
	if err != nil {
		return nil, UnsupportedFormat("invalid csv: %v", err)
	}

	g := &Grid{Headers: header, Rows: [][]Value{}}
	line := 1
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, UnsupportedFormat("invalid csv: %v", err)
		}
		line++
		if len(rec) != len(header) {
			return nil, UnsupportedFormat("row %d has %d cells, header has %d", line, len(rec), len(header))
		}
		row := make([]Value, len(rec))
		for i, cell := range rec {
			if cell != "" {
				row[i] = cell
			}
		}
		g.Rows = append(g.Rows, row)
	}
	return g, nil
}

type jsonGrid struct {
	Headers []string  `json:"headers"`
	Rows    [][]Value `json:"rows"`
}

func parseJSONGrid(payload []byte) (*Grid, error) {
	var jg jsonGrid
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&jg); err != nil {
		return nil, UnsupportedFormat("invalid json grid: %v", err)
	}
	if jg.Headers == nil {
		return nil, UnsupportedFormat("json grid has no headers")
	}
	for i, row := range jg.Rows {
		if len(row) != len(jg.Headers) {
			return nil, UnsupportedFormat("row %d has %d cells, header has %d", i+1, len(row), len(jg.Headers))
		}
		for j, v := range row {
			switch v.(type) {
			case nil, string, float64, bool:
			default:
				return nil, UnsupportedFormat("row %d column %q holds a nested value", i+1, jg.Headers[j])
			}
		}
	}
	if jg.Rows == nil {
		jg.Rows = [][]Value{}
	}
	return &Grid{Headers: jg.Headers, Rows: jg.Rows}, nil
}

// Canonicalize validates a grid and returns its canonical copy.
// The input is not modified.
func Canonicalize(g *Grid) (*Grid, error) {
	if g == nil || len(g.Headers) == 0 {
		return nil, UnsupportedFormat("grid has no columns")
	}

	out := &Grid{
		Headers: make([]string, len(g.Headers)),
		Rows:    make([][]Value, len(g.Rows)),
	}
	seen := make(map[string]bool, len(g.Headers))
	for i, h := range g.Headers {
		h = norm.NFC.String(strings.TrimSpace(h))
		if h == "" {
			return nil, UnsupportedFormat("column %d has an empty header", i+1)
		}
		if seen[h] {
			return nil, UnsupportedFormat("duplicate column %q", h)
		}
		seen[h] = true
		out.Headers[i] = h
	}

	for i, row := range g.Rows {
		if len(row) != len(g.Headers) {
			return nil, UnsupportedFormat("row %d has %d cells, header has %d", i+1, len(row), len(g.Headers))
		}
		cr := make([]Value, len(row))
		for j, v := range row {
			switch tv := v.(type) {
			case nil, float64, bool:
				cr[j] = tv
			case string:
				cr[j] = norm.NFC.String(tv)
			case int:
				cr[j] = float64(tv)
			case int64:
				cr[j] = float64(tv)
			default:
				return nil, UnsupportedFormat("row %d column %q has unsupported value type %T", i+1, out.Headers[j], v)
			}
		}
		out.Rows[i] = cr
	}
	return out, nil
}

// CanonicalBytes serializes a canonical grid. Equal grids always produce equal bytes.
func CanonicalBytes(g *Grid) ([]byte, error) {
	jg := jsonGrid{Headers: g.Headers, Rows: g.Rows}
	if jg.Rows == nil {
		jg.Rows = [][]Value{}
	}
	return json.Marshal(jg)
}

// DecodeCanonical reverses CanonicalBytes.
func DecodeCanonical(b []byte) (*Grid, error) {
	var jg jsonGrid
	if err := json.Unmarshal(b, &jg); err != nil {
		return nil, err
	}
	if jg.Rows == nil {
		jg.Rows = [][]Value{}
	}
	return &Grid{Headers: jg.Headers, Rows: jg.Rows}, nil
}

// HashBytes returns the hex SHA-256 of canonical grid bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashGrid canonicalizes and hashes a grid.
func HashGrid(g *Grid) (string, []byte, error) {
	cg, err := Canonicalize(g)
	if err != nil {
		return "", nil, err
	}
	b, err := CanonicalBytes(cg)
	if err != nil {
		return "", nil, err
	}
	return HashBytes(b), b, nil
}

// ColumnIndex returns the position of a header, or -1.
func (g *Grid) ColumnIndex(name string) int {
	for i, h := range g.Headers {
		if h == name {
			return i
		}
	}
	return -1
}

// RowCount returns the number of data rows.
func (g *Grid) RowCount() int { return len(g.Rows) }

// ColumnCount returns the number of columns.
func (g *Grid) ColumnCount() int { return len(g.Headers) }

// RowMap returns row i keyed by header.
func (g *Grid) RowMap(i int) map[string]Value {
	m := make(map[string]Value, len(g.Headers))
	for j, h := range g.Headers {
		m[h] = g.Rows[i][j]
	}
	return m
}

// Column returns every value of the named column.
func (g *Grid) Column(name string) []Value {
	idx := g.ColumnIndex(name)
	if idx < 0 {
		return nil
	}
	out := make([]Value, len(g.Rows))
	for i, row := range g.Rows {
		out[i] = row[idx]
	}
	return out
}

// ValueText renders a cell value as text. Null renders as "".
func ValueText(v Value) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(tv)
	default:
		b, _ := json.Marshal(tv)
		return string(b)
	}
}

// ValuesEqual compares two raw values by their text form.
func ValuesEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return ValueText(a) == ValueText(b)
}

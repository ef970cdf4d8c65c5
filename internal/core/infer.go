package core

// infer.go infers a column type from its cell values. The inferred type is
// used only to detect columns added on two branches with incompatible
// content; cell comparison itself is always textual.

import (
	"regexp"
	"strings"
	"time"
)

// ColumnType is the inferred type of a column.
type ColumnType string

const (
	TypeEmpty   ColumnType = "empty"
	TypeText    ColumnType = "text"
	TypeNumber  ColumnType = "number"
	TypeBoolean ColumnType = "boolean"
	TypeDate    ColumnType = "date"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
// Matches integers, decimals, and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

var dateLayouts = []string{
	"2006-01-02", "2006/01/02", "2006.01.02",
	"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006",
	"Jan 2, 2006", "2 Jan 2006",
	time.RFC3339,
}

var boolWords = map[string]bool{
	"true": true, "false": true, "yes": true, "no": true,
}

// InferValueType classifies a single cell value.
func InferValueType(v Value) ColumnType {
	switch tv := v.(type) {
	case nil:
		return TypeEmpty
	case float64:
		return TypeNumber
	case bool:
		return TypeBoolean
	case string:
		return inferStringType(tv)
	default:
		return TypeText
	}
}

func inferStringType(s string) ColumnType {
	s = strings.TrimSpace(s)
	if s == "" {
		return TypeEmpty
	}
	if boolWords[strings.ToLower(s)] {
		return TypeBoolean
	}
	if isNumeric(s) {
		return TypeNumber
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return TypeDate
		}
	}
	return TypeText
}

// isNumeric accepts currency symbols, thousands separators and the accounting
// format for negatives, e.g. "(1,234.50)".
func isNumeric(s string) bool {
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, "€", "") // Euro
	s = strings.ReplaceAll(s, "£", "") // Pound
	s = strings.ReplaceAll(s, ",", "")
	return numericRegex.MatchString(strings.TrimSpace(s))
}

// InferColumnType returns the common type of all non-empty values.
// Mixed columns are text; a column with no values is empty.
func InferColumnType(values []Value) ColumnType {
	result := TypeEmpty
	for _, v := range values {
		t := InferValueType(v)
		if t == TypeEmpty {
			continue
		}
		if result == TypeEmpty {
			result = t
			continue
		}
		if result != t {
			return TypeText
		}
	}
	return result
}

// TypesCompatible reports whether two inferred column types may be merged.
// An empty column is compatible with anything.
func TypesCompatible(a, b ColumnType) bool {
	return a == b || a == TypeEmpty || b == TypeEmpty
}

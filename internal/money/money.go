// Package money normalizes financial telemetry values.
//
// Remote clients report balances in whatever shape their scripting runtime
// produces: raw numbers, JSON numbers, or display strings like "$1,234.56".
// Every ingestion boundary goes through Normalize so raw strings are never
// compared directly.
package money

import (
	"encoding/json"
	"strconv"
	"strings"
)

// stripped from string values before parsing
const symbols = "$£€¥¤R"

// Normalize converts a telemetry balance value to a float64.
// Absent or unparseable values normalize to 0.
func Normalize(v any) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		return parseString(n)
	default:
		return 0
	}
}

func parseString(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(symbols, r) || r == ',' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	f, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0
	}
	return f
}

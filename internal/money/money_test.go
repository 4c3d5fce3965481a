package money

import (
	"encoding/json"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want float64
	}{
		{"plain float", 150.0, 150},
		{"int", 42, 42},
		{"json number", json.Number("99.5"), 99.5},
		{"dollar string", "$100", 100},
		{"dollar with cents", "$1,234.56", 1234.56},
		{"pound", "£50", 50},
		{"euro with spaces", "€ 2 000", 2000},
		{"bare numeric string", "120", 120},
		{"negative", "-5", -5},
		{"nil", nil, 0},
		{"empty string", "", 0},
		{"garbage", "lots of money", 0},
		{"bool", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidatePrecision(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"zero", "0", false},
		{"whole", "100", false},
		{"one decimal place", "1.5", false},
		{"two decimal places", "148.50", false},
		{"small amount", "0.01", false},
		{"negative value", "-50.25", false},
		{"trailing zeros", "1.100", false},
		{"three decimal places", "1.234", true},
		{"many decimal places", "0.001", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePrecision(decimal.RequireFromString(tt.input), MoneyPlaces)
			if tt.wantErr && err == nil {
				t.Errorf("ValidatePrecision(%s) expected error, got nil", tt.input)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidatePrecision(%s) unexpected error: %v", tt.input, err)
			}
		})
	}
}

func TestNotional(t *testing.T) {
	got := Notional(decimal.RequireFromString("148.50"), 3)
	if !got.Equal(decimal.RequireFromString("445.50")) {
		t.Errorf("Notional = %s, want 445.50", got)
	}
}

func TestDeviation(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		current  string
		want     string
	}{
		{"equal", "100", "100", "0"},
		{"above", "102", "100", "0.02"},
		{"below", "95", "100", "0.05"},
		{"zero current", "100", "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Deviation(decimal.RequireFromString(tt.expected), decimal.RequireFromString(tt.current))
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("Deviation(%s, %s) = %s, want %s", tt.expected, tt.current, got, tt.want)
			}
		})
	}
}

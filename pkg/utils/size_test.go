package utils

import (
	"testing"
)

func TestParseStorage(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		// Bare numbers are megabytes
		{"0", 0, false},
		{"1", 1048576, false},
		{"100", 104857600, false},

		// Bytes with unit
		{"0B", 0, false},
		{"1024B", 1024, false},

		// Decimal units
		{"1KB", 1000, false},
		{"1.5MB", 1500000, false},
		{"1GB", 1000000000, false},

		// Binary units
		{"1K", 1024, false},
		{"1.5KiB", 1536, false},
		{"1MiB", 1048576, false},
		{"2M", 2097152, false},
		{"1GiB", 1073741824, false},

		// Whitespace and case
		{" 512 mib ", 536870912, false},
		{"10 kb", 10000, false},

		// Invalid
		{"", 0, true},
		{"abc", 0, true},
		{"10XB", 0, true},
		{"-5", 0, true},
		{"1.2.3MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStorage(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStorage(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.expected {
				t.Errorf("ParseStorage(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"500", 512000, false},
		{"1MiB/s", 1048576, false},
		{"64KiB/s", 65536, false},
		{"2M", 2097152, false},
		{"fast", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRate(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.expected {
				t.Errorf("ParseRate(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{-1, "invalid"},
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{1048576, "1 MB"},
		{1073741824, "1 GB"},
		{1099511627776, "1 TB"},
		{1181116006, "1.10 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := FormatDataSize(tt.bytes); got != tt.expected {
				t.Errorf("FormatDataSize(%d) = %q, want %q", tt.bytes, got, tt.expected)
			}
		})
	}
}

func TestWholeUnits(t *testing.T) {
	if got := WholeMB(2*MegaByte + 1); got != 2 {
		t.Errorf("WholeMB = %d, want 2", got)
	}
	if got := WholeKB(500 * KiloByte); got != 500 {
		t.Errorf("WholeKB = %d, want 500", got)
	}
	if got := FormatRate(0); got != "unlimited" {
		t.Errorf("FormatRate(0) = %q", got)
	}
	if got := FormatRate(512000); got != "500 KB/s" {
		t.Errorf("FormatRate(512000) = %q", got)
	}
}

func TestRoundUp(t *testing.T) {
	tests := []struct {
		bytes, unit, want int64
	}{
		{0, MegaByte, 0},
		{1000000, MegaByte, MegaByte},
		{MegaByte, MegaByte, MegaByte},
		{MegaByte + 1, MegaByte, 2 * MegaByte},
		{100, KiloByte, KiloByte},
		{500 * KiloByte, KiloByte, 500 * KiloByte},
	}
	for _, tt := range tests {
		if got := RoundUp(tt.bytes, tt.unit); got != tt.want {
			t.Errorf("RoundUp(%d, %d) = %d, want %d", tt.bytes, tt.unit, got, tt.want)
		}
	}
}

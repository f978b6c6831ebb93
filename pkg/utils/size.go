package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Common size constants for convenience
const (
	Byte     int64 = 1
	KiloByte int64 = 1024
	MegaByte int64 = 1024 * 1024
	GigaByte int64 = 1024 * 1024 * 1024
	TeraByte int64 = 1024 * 1024 * 1024 * 1024
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// unitMultipliers holds decimal (KB, MB...) and binary (K, KiB, M, MiB...)
// units, keyed by upper-case spelling.
var unitMultipliers = map[string]int64{
	"B": 1, "BYTE": 1, "BYTES": 1,
	"KB": 1000, "MB": 1000 * 1000, "GB": 1000 * 1000 * 1000, "TB": 1000 * 1000 * 1000 * 1000,
	"K": KiloByte, "KIB": KiloByte,
	"M": MegaByte, "MIB": MegaByte,
	"G": GigaByte, "GIB": GigaByte,
	"T": TeraByte, "TIB": TeraByte,
}

// ParseDataSize parses sizes like "1GB", "1.5TiB", "512M" into bytes.
// A bare number is multiplied by plainUnit, which lets callers keep the
// historical meaning of numeric flags (MB for storage, KB/s for rates).
func ParseDataSize(sizeStr string, plainUnit int64) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("negative size: %s", sizeStr)
		}
		return val * plainUnit, nil
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '1GB', '512MiB', '100')", sizeStr)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier, ok := unitMultipliers[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, TB, KiB, MiB, GiB, TiB)", matches[2])
	}

	bytes := int64(value * float64(multiplier))
	if bytes < 0 {
		return 0, fmt.Errorf("size overflow or negative value")
	}
	return bytes, nil
}

// ParseStorage parses a storage quota; bare numbers are megabytes.
func ParseStorage(s string) (int64, error) {
	return ParseDataSize(s, MegaByte)
}

// ParseRate parses a per-second bandwidth; bare numbers are KB/s.
// "0" disables throttling.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "/s")
	return ParseDataSize(s, KiloByte)
}

// WholeMB truncates a byte count to whole megabytes, the unit storage is
// reported in on the wire.
func WholeMB(bytes int64) int64 {
	return bytes / MegaByte
}

// WholeKB truncates a byte rate to whole KB/s, the unit rates are reported
// in on the wire.
func WholeKB(bytes int64) int64 {
	return bytes / KiloByte
}

// RoundUp rounds a byte count up to a whole multiple of unit, so a value
// that only fits the wire as a fraction is never truncated to less.
func RoundUp(bytes, unit int64) int64 {
	if rem := bytes % unit; rem != 0 {
		return bytes + unit - rem
	}
	return bytes
}

// FormatDataSize formats bytes into human-readable binary units.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < KiloByte {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB"}
	value := float64(bytes) / float64(KiloByte)
	exp := 0
	for value >= 1024 && exp < len(units)-1 {
		value /= 1024
		exp++
	}

	switch {
	case value == float64(int64(value)):
		return fmt.Sprintf("%.0f %s", value, units[exp])
	case value*10 == float64(int64(value*10)):
		return fmt.Sprintf("%.1f %s", value, units[exp])
	}
	return fmt.Sprintf("%.2f %s", value, units[exp])
}

// FormatRate formats a bytes-per-second rate; 0 is unlimited.
func FormatRate(bytesPerSec int64) string {
	if bytesPerSec == 0 {
		return "unlimited"
	}
	return FormatDataSize(bytesPerSec) + "/s"
}

package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize is a size value that supports human-readable parsing.
// It extends raw byte counts with support for units like KB, MB, GB
// (binary, 1024-based; case-insensitive; KiB/MiB forms accepted).
//
// Examples:
//   - "5MB" = 5 * 1024 * 1024 bytes
//   - "1.5 GB" = 1.5 * 1024^3 bytes
//   - "52428800" = 52428800 bytes (raw number still works)
//
// This type implements encoding.TextUnmarshaler for Viper/YAML support
// and json.Unmarshaler for JSON configuration files.
type ByteSize int64

// Byte size constants using binary (1024) base.
const (
	unitB  ByteSize = 1
	unitKB ByteSize = 1024
	unitMB ByteSize = 1024 * unitKB
	unitGB ByteSize = 1024 * unitMB
	unitTB ByteSize = 1024 * unitGB
)

// byteUnits maps unit names to their byte multiplier.
var byteUnits = map[string]ByteSize{
	"b": unitB, "byte": unitB, "bytes": unitB,
	"k": unitKB, "kb": unitKB, "kib": unitKB,
	"m": unitMB, "mb": unitMB, "mib": unitMB,
	"g": unitGB, "gb": unitGB, "gib": unitGB,
	"t": unitTB, "tb": unitTB, "tib": unitTB,
}

// byteSizePattern matches a number (int or float) followed by an optional unit.
var byteSizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// ParseByteSize parses a human-readable byte size string.
// If no unit is specified, bytes are assumed.
func ParseByteSize(s string) (ByteSize, error) {
	if s == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	matches := byteSizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("bytesize: invalid format %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", matches[1], err)
	}

	multiplier := unitB
	if unit := strings.ToLower(matches[2]); unit != "" {
		var ok bool
		multiplier, ok = byteUnits[unit]
		if !ok {
			return 0, fmt.Errorf("bytesize: unknown unit %q", unit)
		}
	}

	return ByteSize(value * float64(multiplier)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Try as a number (bytes) for backwards compatibility
		var raw int64
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*b = ByteSize(raw)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size in bytes as int64.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String returns a human-readable string representation.
// Uses the largest unit that results in a value >= 1.
func (b ByteSize) String() string {
	if b == 0 {
		return "0B"
	}

	negative := b < 0
	if negative {
		b = -b
	}

	var result string
	switch {
	case b >= unitTB:
		result = formatByteFloat(float64(b)/float64(unitTB), "TB")
	case b >= unitGB:
		result = formatByteFloat(float64(b)/float64(unitGB), "GB")
	case b >= unitMB:
		result = formatByteFloat(float64(b)/float64(unitMB), "MB")
	case b >= unitKB:
		result = formatByteFloat(float64(b)/float64(unitKB), "KB")
	default:
		result = fmt.Sprintf("%dB", int64(b))
	}

	if negative {
		return "-" + result
	}
	return result
}

// formatByteFloat formats a float with appropriate precision.
func formatByteFloat(value float64, unit string) string {
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d%s", int64(value), unit)
	}
	formatted := fmt.Sprintf("%.2f", value)
	formatted = strings.TrimRight(formatted, "0")
	formatted = strings.TrimRight(formatted, ".")
	return formatted + unit
}

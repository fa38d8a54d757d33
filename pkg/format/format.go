// Package format renders values for humans: log lines, CLI output, and
// the display fields of API payloads. Machine-readable fields should stay
// numeric; these helpers are for the string beside them.
package format

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Binary size units. Segment files and guide downloads are reported in
// these, so the scale stops at TB.
var byteUnits = [...]string{"KB", "MB", "GB", "TB"}

// Bytes renders a byte count with a binary (1024-based) unit.
// Example: Bytes(1536) => "1.5 KB".
func Bytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	value := float64(n)
	idx := -1
	for value >= unit && idx < len(byteUnits)-1 {
		value /= unit
		idx++
	}
	return fmt.Sprintf("%.1f %s", value, byteUnits[idx])
}

var countPrinter = message.NewPrinter(language.English)

// Count renders an integer with thousands separators.
// Example: Count(1234567) => "1,234,567".
func Count(n int) string {
	return countPrinter.Sprintf("%d", n)
}

package util

import (
	"fmt"
	"math"
	"time"
)

func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	// Use integer arithmetic to avoid floating-point precision issues
	exp := int(math.Log(float64(size)) / math.Log(unit))
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}

	// Handle cases with very large units
	if exp >= len(units) {
		exp = len(units) - 1
	}

	// Calculate the value using integer division
	div := int64(math.Pow(unit, float64(exp)))
	value := size / div

	// Special case: omit decimals for integer values
	if size%div == 0 {
		return fmt.Sprintf("%d %s", value, units[exp])
	}

	// Calculate the decimal part (avoiding floating-point arithmetic)
	remainder := size % div
	decimal := (remainder * 1000) / div // Calculate three decimal places

	// Determine precision based on the decimal part
	switch {
	case decimal%10 != 0:
		return fmt.Sprintf("%d.%03d %s", value, decimal, units[exp])
	case decimal%100 != 0:
		return fmt.Sprintf("%d.%02d %s", value, decimal/10, units[exp])
	default:
		return fmt.Sprintf("%d.%d %s", value, decimal/100, units[exp])
	}
}

// FormatRate renders a transfer rate in bytes per second.
func FormatRate(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "-- B/s"
	}
	return FormatSize(int64(bytesPerSecond)) + "/s"
}

// FormatETA renders a remaining duration as m:ss or h:mm:ss. Unknown
// estimates render as "--:--".
func FormatETA(d time.Duration) string {
	if d < 0 {
		return "--:--"
	}
	secs := int64(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, secs%3600/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

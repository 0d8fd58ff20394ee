package util

import "github.com/mattn/go-runewidth"

// FitWidth pads text with spaces to exactly width terminal cells, cutting it
// with an ellipsis when it is wider. A redrawn line padded this way covers
// whatever the previous draw left behind.
func FitWidth(text string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.FillRight(runewidth.Truncate(text, width, "..."), width)
}

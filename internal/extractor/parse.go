package extractor

import (
	"regexp"
	"strconv"

	"golang.org/x/text/width"
)

var (
	numberPattern    = regexp.MustCompile(`\d+(?:\.\d+)?`)
	thousandsPattern = regexp.MustCompile(`(\d),(\d{3})`)
)

// parsePrice returns the first integer or decimal number in text.
// Full-width digits (１７２．３円) are folded to ASCII and thousands
// separators between digits are dropped before matching.
func parsePrice(text string) (float64, bool) {
	s := width.Fold.String(text)
	s = thousandsPattern.ReplaceAllString(s, "$1$2")
	m := numberPattern.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

package extractor

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// Strategy is one lookup attempt against the parsed page: a CSS selector whose
// first match supplies the text for a field.
type Strategy struct {
	Name     string
	Selector string
}

// Selector builds a Strategy named after its selector.
func Selector(sel string) Strategy {
	return Strategy{Name: sel, Selector: sel}
}

// Selectors builds one Strategy per selector, preserving order.
func Selectors(sels ...string) []Strategy {
	out := make([]Strategy, 0, len(sels))
	for _, s := range sels {
		out = append(out, Selector(s))
	}
	return out
}

// lookup returns the trimmed text of the first element matching the selector.
// ok is false when nothing matched or the element has no text.
func (s Strategy) lookup(doc *goquery.Document) (string, bool) {
	sel := doc.Find(s.Selector).First()
	if sel.Length() == 0 {
		return "", false
	}
	text := strings.TrimSpace(sel.Text())
	return text, text != ""
}

// ValidateSelector reports whether sel is a CSS selector goquery can evaluate.
// goquery silently matches nothing for invalid selectors, so configuration is
// checked up front.
func ValidateSelector(sel string) error {
	if strings.TrimSpace(sel) == "" {
		return fmt.Errorf("empty selector")
	}
	if _, err := cascadia.Compile(sel); err != nil {
		return fmt.Errorf("selector %q: %w", sel, err)
	}
	return nil
}

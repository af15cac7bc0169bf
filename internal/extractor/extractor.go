package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kjstillabower/fuel-price-service/internal/models"
)

// Field names a price in the quote. Values double as metric labels and config keys.
type Field string

const (
	FieldRegular    Field = "regular"
	FieldHighOctane Field = "high_octane"
	FieldDiesel     Field = "diesel"
	FieldKerosene   Field = "kerosene"
)

// Fields lists the price fields in quote order.
var Fields = []Field{FieldRegular, FieldHighOctane, FieldDiesel, FieldKerosene}

// Default prices (yen per litre) used when a field cannot be scraped.
const (
	DefaultRegular    = 168.5
	DefaultHighOctane = 179.3
	DefaultDiesel     = 148.2
	DefaultKerosene   = 110.5
)

var (
	// ErrNoMatch means no strategy for the field matched an element with text.
	ErrNoMatch = errors.New("no selector matched")
	// ErrNoNumber means at least one strategy matched but none of the texts held a number.
	ErrNoNumber = errors.New("no number in matched text")
)

// Source records where a value came from.
type Source string

const (
	SourceScraped Source = "scraped"
	SourceDefault Source = "default"
)

// FieldSpec describes how to find one price: ordered strategies, first hit wins,
// Default when none yields a number.
type FieldSpec struct {
	Field      Field
	Strategies []Strategy
	Default    float64
}

// FieldOutcome is the extraction result for one field.
type FieldOutcome struct {
	Value    float64
	Source   Source
	Strategy string // name of the strategy that produced Value; empty for defaults
	Err      error  // ErrNoMatch, ErrNoNumber, a parse error, or the fetch error
}

// Result is the quote plus how each part of it was obtained.
type Result struct {
	Quote            models.PriceQuote
	Fields           map[Field]FieldOutcome
	ObservedAtSource Source
	// FetchErr is set when the page could not be fetched; every field is then a default.
	FetchErr error
}

// Fallbacks returns the fields that were filled with defaults, in quote order.
func (r Result) Fallbacks() []Field {
	var out []Field
	for _, f := range Fields {
		if o, ok := r.Fields[f]; ok && o.Source == SourceDefault {
			out = append(out, f)
		}
	}
	return out
}

// FullyScraped reports whether every price came from the page.
func (r Result) FullyScraped() bool {
	return r.FetchErr == nil && len(r.Fallbacks()) == 0
}

// DefaultFieldSpecs returns the built-in lookup chains. The selectors are best
// guesses at the upstream layout; override them through configuration when the
// site changes.
func DefaultFieldSpecs() []FieldSpec {
	return []FieldSpec{
		{
			Field:      FieldRegular,
			Strategies: Selectors("div#regular-price", "span.regular-price", ".gasoline-price.regular"),
			Default:    DefaultRegular,
		},
		{
			Field:      FieldHighOctane,
			Strategies: Selectors("div#highoctane-price", "span.highoctane-price", ".gasoline-price.high-octane"),
			Default:    DefaultHighOctane,
		},
		{
			Field:      FieldDiesel,
			Strategies: Selectors("div#diesel-price", "span.diesel-price"),
			Default:    DefaultDiesel,
		},
		{
			Field:      FieldKerosene,
			Strategies: Selectors("div#kerosene-price", "span.kerosene-price"),
			Default:    DefaultKerosene,
		},
	}
}

// DefaultObservedAtStrategies locate the page's "last updated" text.
func DefaultObservedAtStrategies() []Strategy {
	return Selectors("span.update-date", "div.last-update")
}

// Extractor turns upstream markup into a PriceQuote. It is safe for concurrent use.
type Extractor struct {
	fields     []FieldSpec
	observedAt []Strategy
	now        func() time.Time
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithClock sets the time source used for observed_at when the page has none.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSelectors replaces the strategy chain of the given fields. Fields absent
// from the map keep their defaults; empty slices are ignored.
func WithSelectors(selectors map[Field][]string) Option {
	return func(e *Extractor) {
		for i := range e.fields {
			if sels := selectors[e.fields[i].Field]; len(sels) > 0 {
				e.fields[i].Strategies = Selectors(sels...)
			}
		}
	}
}

// WithObservedAtSelectors replaces the "last updated" strategy chain.
func WithObservedAtSelectors(selectors []string) Option {
	return func(e *Extractor) {
		if len(selectors) > 0 {
			e.observedAt = Selectors(selectors...)
		}
	}
}

// New returns an Extractor using DefaultFieldSpecs, adjusted by opts.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		fields:     DefaultFieldSpecs(),
		observedAt: DefaultObservedAtStrategies(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract parses markup and fills every field, falling back per field to its
// default. It never fails: empty or malformed markup yields the default quote.
func (e *Extractor) Extract(markup []byte, region string) Result {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return e.defaults(region, nil, fmt.Errorf("parse document: %w", err))
	}

	res := Result{
		Fields: make(map[Field]FieldOutcome, len(e.fields)),
	}
	for _, spec := range e.fields {
		res.Fields[spec.Field] = lookupField(doc, spec)
	}

	observedAt := ""
	for _, s := range e.observedAt {
		if text, ok := s.lookup(doc); ok {
			observedAt = text
			break
		}
	}
	res.ObservedAtSource = SourceScraped
	if observedAt == "" {
		observedAt = e.now().Format(time.RFC3339)
		res.ObservedAtSource = SourceDefault
	}

	res.Quote = e.quote(res.Fields, region, observedAt)
	return res
}

// ExtractFailure builds the all-defaults result for a failed fetch.
func (e *Extractor) ExtractFailure(region string, fetchErr error) Result {
	return e.defaults(region, fetchErr, fetchErr)
}

func (e *Extractor) defaults(region string, fetchErr, fieldErr error) Result {
	res := Result{
		Fields:           make(map[Field]FieldOutcome, len(e.fields)),
		ObservedAtSource: SourceDefault,
		FetchErr:         fetchErr,
	}
	for _, spec := range e.fields {
		res.Fields[spec.Field] = FieldOutcome{Value: spec.Default, Source: SourceDefault, Err: fieldErr}
	}
	res.Quote = e.quote(res.Fields, region, e.now().Format(time.RFC3339))
	return res
}

func (e *Extractor) quote(fields map[Field]FieldOutcome, region, observedAt string) models.PriceQuote {
	if region == "" {
		region = models.NationalAverage
	}
	return models.PriceQuote{
		Regular:    fields[FieldRegular].Value,
		HighOctane: fields[FieldHighOctane].Value,
		Diesel:     fields[FieldDiesel].Value,
		Kerosene:   fields[FieldKerosene].Value,
		Region:     region,
		ObservedAt: observedAt,
	}
}

// lookupField walks the strategy chain. A strategy whose text holds no number
// does not stop the chain; the next strategy is tried.
func lookupField(doc *goquery.Document, spec FieldSpec) FieldOutcome {
	matched := false
	for _, s := range spec.Strategies {
		text, ok := s.lookup(doc)
		if !ok {
			continue
		}
		matched = true
		if v, ok := parsePrice(text); ok {
			return FieldOutcome{Value: v, Source: SourceScraped, Strategy: s.Name}
		}
	}
	err := ErrNoMatch
	if matched {
		err = ErrNoNumber
	}
	return FieldOutcome{Value: spec.Default, Source: SourceDefault, Err: err}
}

// Package domextract reads a frequency from rendered Wordstat HTML when no
// API response was intercepted for the phrase.
package domextract

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNotFound is reported when no extraction path yields a value.
var ErrNotFound = errors.New("frequency not found")

// Source names the path that produced a value.
type Source string

const (
	SourceAnchor Source = "anchor"
	SourceClass  Source = "class"
	SourceText   Source = "text"
)

// Selectors are the CSS paths tried before the text regex.
type Selectors struct {
	Anchor string
	Class  string
}

// DefaultSelectors match the current Wordstat layout.
var DefaultSelectors = Selectors{
	Anchor: `[data-auto="phrase-count-total"]`,
	Class:  `.wordstat__search-result-count, .b-word-statistics__info-wrapper, [class*="search-result-count"]`,
}

// Extractor applies Selectors to page HTML.
type Extractor struct {
	sel Selectors
}

// New returns an extractor. Empty selector fields take the defaults.
func New(sel Selectors) *Extractor {
	if sel.Anchor == "" {
		sel.Anchor = DefaultSelectors.Anchor
	}
	if sel.Class == "" {
		sel.Class = DefaultSelectors.Class
	}
	return &Extractor{sel: sel}
}

// Extract returns the total for query from html, trying the anchor, the
// class selector and a body-text regex anchored to query, in that order.
func (x *Extractor) Extract(html, query string) (int64, Source, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, "", err
	}

	if n, ok := firstCount(doc.Find(x.sel.Anchor)); ok {
		return n, SourceAnchor, nil
	}
	if n, ok := firstCount(doc.Find(x.sel.Class)); ok {
		return n, SourceClass, nil
	}
	if n, ok := textCount(doc.Find("body").Text(), query); ok {
		return n, SourceText, nil
	}
	return 0, "", ErrNotFound
}

// Extract uses DefaultSelectors.
func Extract(html, query string) (int64, Source, error) {
	return New(Selectors{}).Extract(html, query)
}

func firstCount(sel *goquery.Selection) (int64, bool) {
	var (
		n     int64
		found bool
	)
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		n, found = ParseCount(s.Text())
		return !found
	})
	return n, found
}

var digitRun = regexp.MustCompile(`\d+`)

// ParseCount strips non-breaking spaces, spaces and commas and returns the
// first contiguous digit run.
func ParseCount(s string) (int64, bool) {
	clean := stripSeparators(s)
	m := digitRun.FindString(clean)
	if m == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func textCount(text, query string) (int64, bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		return 0, false
	}
	text = strings.NewReplacer("\u00a0", " ", "\u202f", " ").Replace(text)
	re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(query) + `[:\s]+(\d[\d\s]+\d{3})`)
	if err != nil {
		return 0, false
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	return ParseCount(m[1])
}

func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\t', ',':
			return -1
		}
		return r
	}, s)
}

// Package phrase normalizes keyword masks and builds the Wordstat query text
// and navigation URL for each query variant.
package phrase

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// WordstatBase is the Wordstat application root.
const WordstatBase = "https://wordstat.yandex.ru/"

// Variant selects how a mask is sent to Wordstat. Each variant of the same
// mask is stored as its own row.
type Variant string

const (
	Broad  Variant = "broad"
	Quoted Variant = "quoted"
	Exact  Variant = "exact"
)

// ParseVariant accepts "broad", "quoted" or "exact" (case-insensitive).
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case Broad, Quoted, Exact:
		return v, nil
	}
	return "", fmt.Errorf("phrase: unknown variant %q", s)
}

var lower = cases.Lower(language.Russian)

// Normalize returns the canonical mask: NFC, lower-cased, whitespace
// collapsed to single spaces and trimmed. Wordstat operators are kept.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = lower.String(s)
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// Words returns the bare tokens of a mask with operator characters removed.
func Words(mask string) []string {
	var out []string
	for _, w := range strings.Fields(mask) {
		w = strings.Trim(w, `"!+`)
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// Query renders the query text for a variant: the mask itself, the mask in
// double quotes, or every word prefixed with '!'.
func Query(mask string, v Variant) string {
	switch v {
	case Quoted:
		return `"` + strings.Join(Words(mask), " ") + `"`
	case Exact:
		words := Words(mask)
		for i, w := range words {
			words[i] = "!" + w
		}
		return strings.Join(words, " ")
	default:
		return mask
	}
}

// URL builds the Wordstat navigation URL for a query text and region.
func URL(query string, region int) string {
	return WordstatBase + "?words=" + url.QueryEscape(query) + "&regions=" + strconv.Itoa(region)
}

// SameQuery reports whether an intercepted search value refers to query.
func SameQuery(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Package intercept watches a page's network traffic for Wordstat API
// responses and turns them into (query, total) events.
//
// Matching is deliberately loose: any response whose URL contains
// PathSegment, with a 2xx status and a JSON content type, is parsed. The
// total is looked up at data.totalValue, then totalValue, then anywhere in
// the tree. Parse failures are dropped silently; the DOM extractor covers
// the phrase instead.
package intercept

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PathSegment identifies Wordstat data endpoints.
const PathSegment = "/wordstat/api"

// Event is one observation published to a tab.
type Event struct {
	Query       string // searchValue as sent, quotes and ! included; empty if unknown
	Total       int64
	RateLimited bool // 429 or 5xx from a Wordstat endpoint; Total is meaningless
	Status      int
	URL         string
	At          time.Time
}

// Match reports whether a response should be parsed for a total.
func Match(rawURL string, status int, mimeType string) bool {
	if !strings.Contains(rawURL, PathSegment) {
		return false
	}
	if status < 200 || status > 299 {
		return false
	}
	return strings.Contains(strings.ToLower(mimeType), "json")
}

// IsRateLimit reports whether a response is a rate-limit signal.
func IsRateLimit(rawURL string, status int) bool {
	if !strings.Contains(rawURL, PathSegment) {
		return false
	}
	return status == 429 || status >= 500
}

// ParseSearchValue recovers the searched phrase from a request body. JSON
// bodies are searched recursively for "searchValue"; form-encoded bodies
// and query strings are read by key.
func ParseSearchValue(body string) (string, bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", false
	}
	if body[0] == '{' || body[0] == '[' {
		var v any
		if err := json.Unmarshal([]byte(body), &v); err == nil {
			if s, ok := findString(v, "searchValue"); ok {
				return s, true
			}
		}
		return "", false
	}
	if i := strings.IndexByte(body, '?'); i >= 0 {
		body = body[i+1:]
	}
	q, err := url.ParseQuery(body)
	if err != nil {
		return "", false
	}
	for _, key := range []string{"searchValue", "words"} {
		if s := q.Get(key); s != "" {
			return s, true
		}
	}
	return "", false
}

// ParseTotal extracts totalValue from a JSON response body.
func ParseTotal(body []byte) (int64, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return 0, false
	}
	if obj, ok := root.(map[string]any); ok {
		if data, ok := obj["data"].(map[string]any); ok {
			if n, ok := toInt(data["totalValue"]); ok {
				return n, true
			}
		}
		if n, ok := toInt(obj["totalValue"]); ok {
			return n, true
		}
	}
	return findTotal(root)
}

func findTotal(v any) (int64, bool) {
	switch t := v.(type) {
	case map[string]any:
		if n, ok := toInt(t["totalValue"]); ok {
			return n, true
		}
		for _, child := range t {
			if n, ok := findTotal(child); ok {
				return n, true
			}
		}
	case []any:
		for _, child := range t {
			if n, ok := findTotal(child); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func findString(v any, key string) (string, bool) {
	switch t := v.(type) {
	case map[string]any:
		if s, ok := t[key].(string); ok && s != "" {
			return s, true
		}
		for _, child := range t {
			if s, ok := findString(child, key); ok {
				return s, true
			}
		}
	case []any:
		for _, child := range t {
			if s, ok := findString(child, key); ok {
				return s, true
			}
		}
	}
	return "", false
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil && n >= 0 {
			return n, true
		}
		if f, err := t.Float64(); err == nil && f >= 0 {
			return int64(f), true
		}
	case float64:
		if t >= 0 {
			return int64(t), true
		}
	case string:
		clean := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\u00a0', '\u202f', ',':
				return -1
			}
			return r
		}, t)
		if n, err := strconv.ParseInt(clean, 10, 64); err == nil && n >= 0 {
			return n, true
		}
	}
	return 0, false
}

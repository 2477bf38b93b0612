package domextract

import (
	"errors"
	"testing"
)

func TestParseCount(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"12 345", 12345, true},
		{"1 234 567 показов", 1234567, true},
		{"Всего: 9,876", 9876, true},
		{"нет данных", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseCount(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("ParseCount(%q) = %d, %v", c.in, got, ok)
		}
	}
}

func TestExtractOrder(t *testing.T) {
	anchor := `<html><body>
		<div class="wordstat__search-result-count">Показов: 5 000</div>
		<span data-auto="phrase-count-total">Число запросов 12&nbsp;345</span>
		</body></html>`
	n, src, err := Extract(anchor, "купить телефон")
	if err != nil || n != 12345 || src != SourceAnchor {
		t.Fatalf("anchor: %d %s %v", n, src, err)
	}

	class := `<html><body><div class="wordstat__search-result-count">Показов: 5 000</div></body></html>`
	n, src, err = Extract(class, "купить телефон")
	if err != nil || n != 5000 || src != SourceClass {
		t.Fatalf("class: %d %s %v", n, src, err)
	}

	text := `<html><body><p>Результаты: купить телефон: 1 234 567 показов в месяц</p></body></html>`
	n, src, err = Extract(text, "купить телефон")
	if err != nil || n != 1234567 || src != SourceText {
		t.Fatalf("text: %d %s %v", n, src, err)
	}
}

func TestExtractQuotedQuery(t *testing.T) {
	html := `<html><body>"a b" 12 000</body></html>`
	n, _, err := Extract(html, `"a b"`)
	if err != nil || n != 12000 {
		t.Fatalf("got %d %v", n, err)
	}
}

func TestExtractNotFound(t *testing.T) {
	_, _, err := Extract(`<html><body><p>ничего</p><span data-auto="phrase-count-total"></span></body></html>`, "x")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err.Error() != "frequency not found" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestCustomSelectors(t *testing.T) {
	x := New(Selectors{Anchor: "#total"})
	n, src, err := x.Extract(`<div id="total">42</div>`, "q")
	if err != nil || n != 42 || src != SourceAnchor {
		t.Fatalf("got %d %s %v", n, src, err)
	}
}

package exclusion

import (
	"errors"
	"testing"
)

func TestDefaultPatternsExcludeAdminAndPreview(t *testing.T) {
	m := MustCompile(DefaultPatterns)

	cases := []struct {
		url  string
		want bool
	}{
		{"https://blog.example/wp-admin/x", true},
		{"https://blog.example/wp-login.php", true},
		{"https://blog.example/?p=12&preview=true", true},
		{"https://blog.example/page", false},
		{"https://blog.example/wp-content/uploads/a.png", false},
	}
	for _, tc := range cases {
		if got := m.IsExcluded(tc.url); got != tc.want {
			t.Errorf("IsExcluded(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestLiteralFlagsAndPlainRegex(t *testing.T) {
	m := MustCompile([]string{`/\/CART/i`, `^https://[^/]+/api/v1`, ""})
	if m.Len() != 2 {
		t.Fatalf("blank patterns should be ignored, got %d", m.Len())
	}
	if !m.IsExcluded("https://shop.example/cart/") {
		t.Fatalf("case-insensitive flag should apply")
	}
	if !m.IsExcluded("https://shop.example/api/v1/items") {
		t.Fatalf("plain regex should match")
	}
	if m.IsExcluded("https://shop.example/api/v2/items") {
		t.Fatalf("v2 should not be excluded")
	}
}

func TestPathRegexEndingInFlagLettersStaysPlain(t *testing.T) {
	m := MustCompile([]string{"/docs/ms"})
	if m.IsExcluded("https://site.example/docs/intro") {
		t.Fatalf("/docs/ms must not be read as (?ms)docs")
	}
	if m.IsExcluded("https://site.example/api/docs") {
		t.Fatalf("/docs/ms must not match a bare docs segment")
	}
	if !m.IsExcluded("https://site.example/docs/ms/guide") {
		t.Fatalf("plain path regex should match its own path")
	}

	dup := MustCompile([]string{`/\/cart/ii`})
	if dup.IsExcluded("https://site.example/CART") {
		t.Fatalf("duplicate flags are not a literal, pattern should stay plain")
	}
}

func TestOrderDoesNotMatter(t *testing.T) {
	urls := []string{"https://a.example/wp-admin", "https://a.example/x?preview=true", "https://a.example/"}
	forward := MustCompile([]string{`/\/wp-admin/`, `/preview=true/`})
	backward := MustCompile([]string{`/preview=true/`, `/\/wp-admin/`})
	for _, u := range urls {
		if forward.IsExcluded(u) != backward.IsExcluded(u) {
			t.Fatalf("pattern order changed outcome for %s", u)
		}
	}
}

func TestCompileRejectsMalformedPattern(t *testing.T) {
	_, err := Compile([]string{`/\/ok/`, `/(unclosed/`})
	if err == nil {
		t.Fatalf("expected compile error")
	}
	var perr *PatternError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PatternError, got %T", err)
	}
	if perr.Index != 1 {
		t.Fatalf("expected failing index 1, got %d", perr.Index)
	}
}

func TestNilMatcherExcludesNothing(t *testing.T) {
	var m *Matcher
	if m.IsExcluded("https://a.example/wp-admin") {
		t.Fatalf("nil matcher must not exclude")
	}
	if m.Patterns() != nil {
		t.Fatalf("nil matcher has no patterns")
	}
}

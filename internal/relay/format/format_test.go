package format

import (
	"strings"
	"testing"
)

func TestFormatEmptySpansIsIdentity(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "plain", "Hello <b>", "emoji 😀 text"} {
		if got := Format(in, nil); got != in {
			t.Fatalf("Format(%q, nil) = %q", in, got)
		}
		if got := Format(in, []Span{}); got != in {
			t.Fatalf("Format(%q, []) = %q", in, got)
		}
	}
}

func TestFormatSingleSpanWholeText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		span Span
		want string
	}{
		{name: "bold", span: NewBold(0, 5), want: "<b>hello</b>"},
		{name: "italic", span: NewItalic(0, 5), want: "<i>hello</i>"},
		{name: "code", span: NewCode(0, 5), want: "<code>hello</code>"},
		{name: "pre", span: NewPre(0, 5), want: "<pre>hello</pre>"},
		{name: "text url", span: NewTextURL(0, 5, "https://example.com"), want: `<a href="https://example.com">hello</a>`},
		{name: "unknown passes through", span: Span{Offset: 0, Length: 5}, want: "hello"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Format("hello", []Span{tt.span}); got != tt.want {
				t.Fatalf("Format = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatAutoLinkUsesSpanText(t *testing.T) {
	t.Parallel()
	got := Format("see https://go.dev now", []Span{NewURL(4, 14)})
	want := `see <a href="https://go.dev">https://go.dev</a> now`
	if got != want {
		t.Fatalf("Format = %q, want %q", got, want)
	}
}

func TestFormatAutoLinkStackedOverStyle(t *testing.T) {
	t.Parallel()
	got := Format("https://go.dev", []Span{NewBold(0, 14), NewURL(0, 14)})
	want := `<a href="https://go.dev"><b>https://go.dev</b></a>`
	if got != want {
		t.Fatalf("Format = %q, want %q", got, want)
	}
}

func TestFormatDifferentRangeOverlapRendersBucketsIndependently(t *testing.T) {
	t.Parallel()
	// The overlapping "cd" is emitted by both buckets; nesting is not repaired.
	got := Format("abcdef", []Span{NewBold(0, 4), NewItalic(2, 4)})
	want := "<b>abcd</b><i>cdef</i>"
	if got != want {
		t.Fatalf("Format = %q, want %q", got, want)
	}
}

func TestFormatSameRangeStacksLaterOutside(t *testing.T) {
	t.Parallel()
	got := Format("abc", []Span{NewBold(0, 3), NewItalic(0, 3)})
	if got != "<i><b>abc</b></i>" {
		t.Fatalf("Format = %q, want B wrapped by I", got)
	}

	got = Format("abc", []Span{NewItalic(0, 3), NewBold(0, 3)})
	if got != "<b><i>abc</i></b>" {
		t.Fatalf("Format = %q, want I wrapped by B", got)
	}
}

func TestFormatPreservesTextOutsideSpans(t *testing.T) {
	t.Parallel()
	text := "before MIDDLE after"
	got := Format(text, []Span{NewBold(7, 6)})
	if !strings.HasPrefix(got, "before ") || !strings.HasSuffix(got, " after") {
		t.Fatalf("outside regions changed: %q", got)
	}
	stripped := strings.NewReplacer("<b>", "", "</b>", "").Replace(got)
	if stripped != text {
		t.Fatalf("regions do not reconstruct text: %q", stripped)
	}
}

func TestFormatUnsortedSpans(t *testing.T) {
	t.Parallel()
	got := Format("one two three", []Span{NewItalic(8, 5), NewBold(0, 3)})
	want := "<b>one</b> two <i>three</i>"
	if got != want {
		t.Fatalf("Format = %q, want %q", got, want)
	}
}

func TestFormatCountsUTF16Units(t *testing.T) {
	t.Parallel()
	// 😀 is a surrogate pair: two UTF-16 code units.
	text := "😀 hi"
	got := Format(text, []Span{NewBold(3, 2)})
	if got != "😀 <b>hi</b>" {
		t.Fatalf("Format = %q", got)
	}
}

func TestFormatClampsOutOfRangeSpans(t *testing.T) {
	t.Parallel()
	got := Format("short", []Span{NewBold(2, 100)})
	if got != "sh<b>ort</b>" {
		t.Fatalf("Format = %q", got)
	}
	got = Format("short", []Span{NewBold(50, 3)})
	if got != "short<b></b>" {
		t.Fatalf("Format = %q", got)
	}
}

func TestFormatDoesNotEscapeBody(t *testing.T) {
	t.Parallel()
	got := Format("a < b & c", []Span{NewCode(0, 1)})
	if got != "<code>a</code> < b & c" {
		t.Fatalf("Format = %q", got)
	}
}

func TestKindStringRoundTrip(t *testing.T) {
	t.Parallel()
	for _, k := range []Kind{Bold, Italic, Code, Pre, TextURL, URL} {
		if got := KindFromString(k.String()); got != k {
			t.Fatalf("KindFromString(%q) = %v, want %v", k.String(), got, k)
		}
	}
	if KindFromString("spoiler") != Unknown {
		t.Fatal("expected Unknown for unsupported kind")
	}
}

// Package format renders Telegram message entities as HTML.
//
// Spans that share the exact same range are stacked: each later span wraps the
// markup produced by the earlier ones. Spans that overlap with different
// ranges are processed as independent buckets, so their output may repeat text
// or leave markup unbalanced. Telegram clients rarely produce such input and
// the renderer deliberately does not try to re-nest it.
package format

import (
	"sort"
	"strings"
	"unicode/utf16"

	"tgrelay/pkg/tghtml"
)

type rangeKey struct {
	offset int
	length int
}

type bucket struct {
	rangeKey
	spans []Span
}

// Format applies spans to text and returns Telegram HTML.
//
// Text outside of spans is copied verbatim. Nothing is escaped here: the
// caller decides whether the raw text needs escaping.
func Format(text string, spans []Span) string {
	if len(spans) == 0 {
		return text
	}

	units := utf16.Encode([]rune(text))

	sorted := append([]Span(nil), spans...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var b strings.Builder
	b.Grow(len(text) + 16*len(spans))

	cursor := 0
	for _, bk := range groupByRange(sorted) {
		start, end := clamp(bk.offset, bk.length, len(units))
		if start > cursor {
			b.WriteString(decode(units[cursor:start]))
		}
		raw := decode(units[start:end])
		inner := tghtml.Raw(raw)
		for _, s := range bk.spans {
			inner = render(s, inner, raw)
		}
		b.WriteString(inner.String())
		cursor = end
	}
	if cursor < len(units) {
		b.WriteString(decode(units[cursor:]))
	}
	return b.String()
}

// groupByRange buckets spans by exact (offset, length), keeping first-seen order.
func groupByRange(spans []Span) []bucket {
	idx := make(map[rangeKey]int, len(spans))
	out := make([]bucket, 0, len(spans))
	for _, s := range spans {
		k := rangeKey{offset: s.Offset, length: s.Length}
		if i, ok := idx[k]; ok {
			out[i].spans = append(out[i].spans, s)
			continue
		}
		idx[k] = len(out)
		out = append(out, bucket{rangeKey: k, spans: []Span{s}})
	}
	return out
}

// render wraps inner in the markup for s. raw is the span's own text, the
// target of an auto-detected link whatever styles already wrap it.
func render(s Span, inner tghtml.H, raw string) tghtml.H {
	switch s.Kind {
	case Bold:
		return tghtml.B(inner)
	case Italic:
		return tghtml.I(inner)
	case Code:
		return tghtml.Code(inner)
	case Pre:
		return tghtml.Pre(inner)
	case TextURL:
		return tghtml.Link(inner, s.URL)
	case URL:
		return tghtml.Link(inner, raw)
	default:
		return inner
	}
}

func clamp(offset, length, n int) (int, int) {
	start := offset
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	end := offset + length
	if end < start {
		end = start
	}
	if end > n {
		end = n
	}
	return start, end
}

func decode(u []uint16) string {
	return string(utf16.Decode(u))
}

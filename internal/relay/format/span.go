package format

import "strings"

// Kind is the style a Span applies.
type Kind int

const (
	Unknown Kind = iota
	Bold
	Italic
	Code
	Pre
	// TextURL links the span text to Span.URL.
	TextURL
	// URL is an auto-detected link; the span text is its own target.
	URL
)

func (k Kind) String() string {
	switch k {
	case Bold:
		return "bold"
	case Italic:
		return "italic"
	case Code:
		return "code"
	case Pre:
		return "pre"
	case TextURL:
		return "text_url"
	case URL:
		return "url"
	default:
		return "unknown"
	}
}

// KindFromString is the inverse of Kind.String. Unrecognized names map to Unknown.
func KindFromString(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bold":
		return Bold
	case "italic":
		return Italic
	case "code":
		return Code
	case "pre":
		return Pre
	case "text_url", "texturl":
		return TextURL
	case "url":
		return URL
	default:
		return Unknown
	}
}

// Span is one styled range. Offset and Length count UTF-16 code units,
// which is how Telegram addresses message entities.
type Span struct {
	Offset int
	Length int
	Kind   Kind
	URL    string // TextURL only
}

func NewBold(offset, length int) Span   { return Span{Offset: offset, Length: length, Kind: Bold} }
func NewItalic(offset, length int) Span { return Span{Offset: offset, Length: length, Kind: Italic} }
func NewCode(offset, length int) Span   { return Span{Offset: offset, Length: length, Kind: Code} }
func NewPre(offset, length int) Span    { return Span{Offset: offset, Length: length, Kind: Pre} }
func NewURL(offset, length int) Span    { return Span{Offset: offset, Length: length, Kind: URL} }

func NewTextURL(offset, length int, url string) Span {
	return Span{Offset: offset, Length: length, Kind: TextURL, URL: url}
}

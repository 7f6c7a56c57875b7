package tghtml

import "strings"

// H represents HTML that is safe to pass to Telegram when ParseMode="HTML".
// Values of type H should be treated as already-escaped.
type H string

func (h H) String() string { return string(h) }

var nameEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Esc escapes the three characters Telegram's HTML parser treats specially.
// Quotes are left alone so display names round-trip unchanged.
func Esc(s string) H { return H(nameEscaper.Replace(s)) }

// Raw marks a string as already-safe HTML.
// Use sparingly.
func Raw(s string) H { return H(s) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(inner H) H    { return wrap("b", inner) }
func I(inner H) H    { return wrap("i", inner) }
func Code(inner H) H { return wrap("code", inner) }
func Pre(inner H) H  { return wrap("pre", inner) }

// Link wraps inner in an anchor. The href is attribute-escaped.
func Link(inner H, url string) H {
	href := strings.ReplaceAll(nameEscaper.Replace(url), `"`, "&quot;")
	return H(`<a href="` + href + `">` + inner.String() + `</a>`)
}

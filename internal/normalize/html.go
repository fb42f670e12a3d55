package normalize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	xhtml "golang.org/x/net/html"
)

var sanitizePolicy = bluemonday.UGCPolicy()

// SanitizeHTML strips scripts and unsafe markup from a provider-supplied
// HTML body before it is stored.
func SanitizeHTML(s string) string {
	return sanitizePolicy.Sanitize(s)
}

// HTMLToText renders an HTML body as plain text, used when a message has
// no text/plain part.
func HTMLToText(s string) string {
	tok := xhtml.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skipDepth := 0
	for {
		switch tok.Next() {
		case xhtml.ErrorToken:
			return strings.TrimSpace(b.String())
		case xhtml.StartTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "script", "style", "head":
				skipDepth++
			case "br", "p", "div", "tr", "li":
				b.WriteByte('\n')
			}
		case xhtml.EndTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "script", "style", "head":
				if skipDepth > 0 {
					skipDepth--
				}
			}
		case xhtml.TextToken:
			if skipDepth == 0 {
				b.Write(tok.Text())
			}
		}
	}
}

// TextToHTML wraps a plain-text body in minimal HTML so consumers can
// always render the HTML field.
func TextToHTML(s string) string {
	escaped := html.EscapeString(s)
	return "<div>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</div>"
}

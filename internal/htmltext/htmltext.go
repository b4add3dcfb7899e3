// Package htmltext flattens HTML into readable text for prompt embedding.
package htmltext

import (
	"strings"

	"golang.org/x/net/html"
)

// Extract returns the visible text of an HTML document, with script and
// style subtrees dropped and runs of whitespace collapsed. Input that is not
// HTML comes back essentially unchanged, since the tokenizer treats it as one
// text node.
func Extract(src string) string {
	tok := html.NewTokenizer(strings.NewReader(src))
	var b strings.Builder
	skipDepth := 0
	for {
		switch tok.Next() {
		case html.ErrorToken:
			return collapse(b.String())
		case html.StartTagToken:
			name, _ := tok.TagName()
			if isSkipped(string(name)) {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tok.TagName()
			if isSkipped(string(name)) && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.TrimSpace(string(tok.Text()))
			if text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(text)
		}
	}
}

func isSkipped(tag string) bool {
	switch tag {
	case "script", "style", "noscript":
		return true
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

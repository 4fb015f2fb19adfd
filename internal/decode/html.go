package decode

import (
	"strings"

	"golang.org/x/net/html"
)

// htmlToText renders an HTML body down to plain text. Script and style
// subtrees are dropped entirely. The extracted text is then normalized:
// lines are trimmed, double-space runs inside a line act as further
// separators, and empty fragments are dropped before rejoining with
// single newlines.
func htmlToText(src string) string {
	if src == "" {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return ""
	}

	var sb strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style":
				return
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(doc)

	var chunks []string
	for _, line := range strings.Split(sb.String(), "\n") {
		for _, phrase := range strings.Split(strings.TrimSpace(line), "  ") {
			if phrase = strings.TrimSpace(phrase); phrase != "" {
				chunks = append(chunks, phrase)
			}
		}
	}
	return strings.Join(chunks, "\n")
}

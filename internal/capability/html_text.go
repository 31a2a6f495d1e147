package capability

import (
	"context"
	"strings"

	"golang.org/x/net/html"

	"github.com/eferist/weft/internal/invoke"
)

type htmlToText struct {
	name string
}

// NewHTMLToText returns a capability that strips an HTML document, given as
// its request, down to readable text. Script, style and noscript subtrees
// are dropped; block elements become line breaks.
func NewHTMLToText(name string) invoke.Capability {
	return &htmlToText{name: name}
}

func (h *htmlToText) Name() string { return h.name }

func (h *htmlToText) Invoke(ctx context.Context, request string) (string, error) {
	if strings.TrimSpace(request) == "" {
		return "", nil
	}
	node, err := html.Parse(strings.NewReader(request))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	extractText(node, &b, false)
	return strings.TrimSpace(compactWhitespace(b.String())), nil
}

func extractText(n *html.Node, b *strings.Builder, inHidden bool) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript":
			inHidden = true
		case "br", "p", "div", "li", "tr":
			b.WriteString("\n")
		}
	}
	if !inHidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, b, inHidden)
	}
}

func compactWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		lines[i] = strings.Join(strings.Fields(ln), " ")
	}
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		if strings.TrimSpace(ln) != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}

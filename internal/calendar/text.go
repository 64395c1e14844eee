package calendar

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements that end a line of text.
var blockElements = map[atom.Atom]bool{
	atom.Br:  true,
	atom.P:   true,
	atom.Div: true,
	atom.Li:  true,
	atom.Tr:  true,
	atom.H1:  true,
	atom.H2:  true,
	atom.H3:  true,
}

var skipElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Head:   true,
}

// PlainText flattens an event description to text. Many calendar
// clients store descriptions as HTML; plain text passes through.
func PlainText(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}

	var b strings.Builder
	walkText(doc, &b)

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func walkText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if skipElements[n.DataAtom] {
			return
		}
		if n.DataAtom == atom.A {
			defer func() {
				for _, a := range n.Attr {
					if a.Key == "href" && !strings.HasPrefix(a.Val, "#") {
						b.WriteString(" (" + a.Val + ")")
					}
				}
			}()
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, b)
	}
	if n.Type == html.ElementNode && blockElements[n.DataAtom] {
		b.WriteByte('\n')
	}
}

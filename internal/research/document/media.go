package document

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"creatorevolve/internal/research/model"
)

// MediaRef addresses one embedded media fragment by kind and its zero-based
// position among fragments of the same kind.
type MediaRef struct {
	Kind  model.MediaKind `json:"kind"`
	Index int             `json:"index"`
	Src   string          `json:"src,omitempty"`
}

// ListMedia returns image refs followed by video refs, each in document order.
func ListMedia(text string) []MediaRef {
	root, err := parseBody(text)
	if err != nil {
		return nil
	}
	var refs []MediaRef
	for _, kind := range []model.MediaKind{model.MediaImage, model.MediaVideo} {
		for i, n := range elementsByClass(root, string(kind)) {
			refs = append(refs, MediaRef{Kind: kind, Index: i, Src: mediaSource(n, kind)})
		}
	}
	return refs
}

// CountMedia returns how many fragments of kind the text holds.
func CountMedia(text string, kind model.MediaKind) int {
	root, err := parseBody(text)
	if err != nil {
		return 0
	}
	return len(elementsByClass(root, string(kind)))
}

func removeMedia(text string, kind model.MediaKind, index int) (string, bool) {
	if !kind.Valid() || index < 0 {
		return text, false
	}
	root, err := parseBody(text)
	if err != nil {
		return text, false
	}
	matches := elementsByClass(root, string(kind))
	if index >= len(matches) {
		return text, false
	}
	target := matches[index]
	target.Parent.RemoveChild(target)

	var buf bytes.Buffer
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return text, false
		}
	}
	return buf.String(), true
}

// parseBody parses text as the content of a <body> element and hangs the
// resulting nodes under a detached body node.
func parseBody(text string) (*html.Node, error) {
	root := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(text), root)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}

func elementsByClass(root *html.Node, class string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && hasClass(c, class) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(root)
	return out
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, f := range strings.Fields(a.Val) {
			if f == class {
				return true
			}
		}
	}
	return false
}

func mediaSource(n *html.Node, kind model.MediaKind) string {
	if kind == model.MediaImage {
		return attr(n, "src")
	}
	// video cards carry the link on their anchor
	var href string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil && href == ""; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.A {
				href = attr(c, "href")
				return
			}
			walk(c)
		}
	}
	walk(n)
	return href
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

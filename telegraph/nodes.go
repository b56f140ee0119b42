package telegraph

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Node is an element of Telegraph's content tree. Children hold either
// strings or Nodes.
type Node struct {
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Children []any             `json:"children,omitempty"`
}

var allowedTags = map[string]bool{
	"a": true, "aside": true, "b": true, "blockquote": true, "br": true, "code": true,
	"em": true, "figcaption": true, "figure": true, "h3": true, "h4": true, "hr": true,
	"i": true, "iframe": true, "img": true, "li": true, "ol": true, "p": true, "pre": true,
	"s": true, "strong": true, "u": true, "ul": true, "video": true,
}

var renamedTags = map[string]string{"h1": "h3", "h2": "h3", "h5": "h4", "h6": "h4", "del": "s", "strike": "s"}

var wrapperRe = regexp.MustCompile(`(?i)</?(html|body)(\s[^>]*)?>`)

// StripWrappers removes html and body tags, keeping their content.
func StripWrappers(s string) string {
	return strings.TrimSpace(wrapperRe.ReplaceAllString(s, ""))
}

// HTMLToNodes parses an HTML fragment into Telegraph nodes. Tags Telegraph
// does not accept are unwrapped; only href and src attributes survive.
func HTMLToNodes(s string) ([]any, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	parsed, err := html.ParseFragment(strings.NewReader(s), ctx)
	if err != nil {
		return nil, err
	}
	var out []any
	for _, n := range parsed {
		out = append(out, convert(n)...)
	}
	return out, nil
}

func convert(n *html.Node) []any {
	switch n.Type {
	case html.TextNode:
		if strings.TrimSpace(n.Data) == "" && strings.Contains(n.Data, "\n") {
			return nil
		}
		return []any{n.Data}
	case html.ElementNode:
		var children []any
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			children = append(children, convert(c)...)
		}
		tag := n.Data
		if r, ok := renamedTags[tag]; ok {
			tag = r
		}
		if !allowedTags[tag] {
			return children
		}
		node := Node{Tag: tag, Children: children}
		for _, a := range n.Attr {
			if a.Key == "href" || a.Key == "src" {
				if node.Attrs == nil {
					node.Attrs = map[string]string{}
				}
				node.Attrs[a.Key] = a.Val
			}
		}
		return []any{node}
	default:
		return nil
	}
}

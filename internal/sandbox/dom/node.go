package dom

import (
	"errors"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrHierarchy is returned when an insertion would create a cycle.
var ErrHierarchy = errors.New("the new child element contains the parent")

// NewElement creates a detached element.
func NewElement(tag string) *html.Node {
	tag = strings.ToLower(tag)
	return &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
	}
}

// NewText creates a detached text node.
func NewText(text string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: text}
}

// Attr returns the attribute value or "" when absent.
func Attr(n *html.Node, name string) string {
	v, _ := LookupAttr(n, name)
	return v
}

func LookupAttr(n *html.Node, name string) (string, bool) {
	if n == nil {
		return "", false
	}
	name = strings.ToLower(name)
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func SetAttr(n *html.Node, name, value string) {
	name = strings.ToLower(name)
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func RemoveAttr(n *html.Node, name string) {
	name = strings.ToLower(name)
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

// Text concatenates all descendant text.
func Text(n *html.Node) string {
	var b strings.Builder
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

// InnerHTML renders the children of n.
func InnerHTML(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&b, c)
	}
	return b.String()
}

// OuterHTML renders n itself.
func OuterHTML(n *html.Node) string {
	var b strings.Builder
	_ = html.Render(&b, n)
	return b.String()
}

// Contains reports whether other is n or one of its descendants.
func Contains(n, other *html.Node) bool {
	for c := other; c != nil; c = c.Parent {
		if c == n {
			return true
		}
	}
	return false
}

// Connected reports whether n is attached to the document tree.
func (d *Document) Connected(n *html.Node) bool {
	return Contains(d.Root, n)
}

// AppendChild moves child under parent.
func (d *Document) AppendChild(parent, child *html.Node) error {
	return d.InsertBefore(parent, child, nil)
}

// InsertBefore moves child under parent ahead of ref, or last when ref is
// nil or not a child of parent.
func (d *Document) InsertBefore(parent, child, ref *html.Node) error {
	if Contains(child, parent) {
		return ErrHierarchy
	}
	if child.Parent != nil {
		child.Parent.RemoveChild(child)
	}
	if ref != nil && ref.Parent == parent {
		parent.InsertBefore(child, ref)
	} else {
		parent.AppendChild(child)
	}
	d.inserted(child)
	return nil
}

// Remove detaches n from its parent.
func (d *Document) Remove(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// SetInnerHTML replaces the children of n with parsed markup and returns
// the new top-level nodes.
func (d *Document) SetInnerHTML(n *html.Node, markup string) ([]*html.Node, error) {
	nodes, err := ParseFragment(n, markup)
	if err != nil {
		return nil, err
	}
	for c := n.FirstChild; c != nil; c = n.FirstChild {
		n.RemoveChild(c)
	}
	for _, c := range nodes {
		n.AppendChild(c)
		d.inserted(c)
	}
	return nodes, nil
}

// ParseFragment parses markup in the context of n.
func ParseFragment(n *html.Node, markup string) ([]*html.Node, error) {
	context := n
	if context == nil || context.Type != html.ElementNode {
		context = NewElement("body")
	}
	return html.ParseFragment(strings.NewReader(markup), context)
}

// SetText replaces the children of n with a single text node.
func SetText(n *html.Node, text string) {
	for c := n.FirstChild; c != nil; c = n.FirstChild {
		n.RemoveChild(c)
	}
	if text != "" {
		n.AppendChild(NewText(text))
	}
}

func (d *Document) inserted(n *html.Node) {
	if d.OnInsert != nil && d.Connected(n) {
		d.OnInsert(n)
	}
}

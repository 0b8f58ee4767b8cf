package dom

import (
	"bytes"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

const blankPage = "<!DOCTYPE html><html><head></head><body></body></html>"

// Document is a mutable HTML tree. It is not safe for concurrent use; the
// owning session serializes all access on its event loop.
type Document struct {
	Root *html.Node
	URL  *url.URL

	// OnInsert is called for every node attached under the document.
	OnInsert func(n *html.Node)
}

// Blank returns an empty document at about:blank.
func Blank() *Document {
	doc, _ := Parse([]byte(blankPage), "text/html; charset=utf-8", nil)
	return doc
}

// Parse decodes data to UTF-8 and parses it. The charset comes from the
// content type when it names one, otherwise it is sniffed.
func Parse(data []byte, contentType string, base *url.URL) (*Document, error) {
	r, err := charset.NewReader(bytes.NewReader(data), withCharset(data, contentType))
	if err != nil {
		r = bytes.NewReader(data)
	}

	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if base == nil {
		base = &url.URL{Scheme: "about", Opaque: "blank"}
	}
	return &Document{Root: root, URL: base}, nil
}

// DetectCharset returns the most likely charset of data, defaulting to utf-8.
func DetectCharset(data []byte) string {
	result, err := chardet.NewTextDetector().DetectBest(data)
	if err != nil || result == nil {
		return "utf-8"
	}
	return strings.ToLower(result.Charset)
}

func withCharset(data []byte, contentType string) string {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil && params["charset"] != "" {
		return contentType
	}
	if err != nil || mediaType == "" {
		mediaType = "text/html"
	}
	return mediaType + "; charset=" + DetectCharset(data)
}

func (d *Document) DocumentElement() *html.Node {
	return firstChild(d.Root, atom.Html)
}

func (d *Document) Head() *html.Node {
	return firstChild(d.DocumentElement(), atom.Head)
}

// Body returns the body element, creating one if the page has none.
func (d *Document) Body() *html.Node {
	root := d.DocumentElement()
	if root == nil {
		return nil
	}
	if body := firstChild(root, atom.Body); body != nil {
		return body
	}
	body := NewElement("body")
	root.AppendChild(body)
	return body
}

// Resolve makes ref absolute against the document URL. Unparseable
// references are returned unchanged.
func (d *Document) Resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if d.URL == nil {
		return u.String()
	}
	return d.URL.ResolveReference(u).String()
}

// Query returns matching elements in document order. Selectors starting
// with "/" are XPath, everything else is CSS.
func (d *Document) Query(selector string) ([]*html.Node, error) {
	return QueryFrom(d.Root, selector)
}

// QueryFrom runs selector against the subtree under n.
func QueryFrom(n *html.Node, selector string) ([]*html.Node, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, fmt.Errorf("empty selector")
	}

	if strings.HasPrefix(selector, "/") {
		nodes, err := htmlquery.QueryAll(n, selector)
		if err != nil {
			return nil, fmt.Errorf("xpath %q: %w", selector, err)
		}
		out := nodes[:0]
		for _, node := range nodes {
			if node.Type == html.ElementNode {
				out = append(out, node)
			}
		}
		return out, nil
	}

	return goquery.NewDocumentFromNode(n).Find(selector).Nodes, nil
}

// ByID finds the first element with the given id.
func (d *Document) ByID(id string) *html.Node {
	var found *html.Node
	Walk(d.Root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && Attr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// ByTag lists elements with the given tag under n, "*" matching all.
func ByTag(n *html.Node, tag string) []*html.Node {
	tag = strings.ToLower(tag)
	var out []*html.Node
	Walk(n, func(c *html.Node) bool {
		if c != n && c.Type == html.ElementNode && (tag == "*" || c.Data == tag) {
			out = append(out, c)
		}
		return true
	})
	return out
}

// Walk visits n and its descendants depth first until fn returns false.
func Walk(n *html.Node, fn func(*html.Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !Walk(c, fn) {
			return false
		}
	}
	return true
}

func firstChild(n *html.Node, a atom.Atom) *html.Node {
	if n == nil {
		return nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
	}
	return nil
}

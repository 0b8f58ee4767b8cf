package sandbox

import (
	"errors"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/html"

	"github.com/GriffinCanCode/malsmug/internal/sandbox/dom"
)

var errNotAChild = errors.New("NotFoundError: the node to be removed is not a child of this node")

// urlAttrs are reflected as absolute URLs, like browsers do.
var urlAttrs = map[string]bool{"src": true, "href": true, "action": true, "data": true}

// wrap returns the JS object for n, creating it once per node.
func (s *Session) wrap(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if obj, ok := s.objects[n]; ok {
		return obj
	}
	obj := s.vm.CreateObject(s.elementProto)
	s.objects[n] = obj
	s.nodes[obj] = n
	return obj
}

func (s *Session) wrapAll(nodes []*html.Node) *goja.Object {
	items := make([]any, len(nodes))
	for i, n := range nodes {
		items[i] = s.wrap(n)
	}
	return s.vm.NewArray(items...)
}

// nodeOf resolves a JS value back to its node or throws.
func (s *Session) nodeOf(v goja.Value) *html.Node {
	if obj, ok := v.(*goja.Object); ok {
		if n, ok := s.nodes[obj]; ok {
			return n
		}
		if obj == s.document {
			return s.doc.Root
		}
	}
	s.throwType("Illegal invocation")
	return nil
}

func (s *Session) newElementPrototype() *goja.Object {
	proto := s.vm.NewObject()
	this := func(call goja.FunctionCall) *html.Node { return s.nodeOf(call.This) }
	str := func(v string) goja.Value { return s.vm.ToValue(v) }

	s.accessor(proto, "tagName", func(call goja.FunctionCall) goja.Value {
		return str(strings.ToUpper(this(call).Data))
	}, nil)
	s.accessor(proto, "nodeName", func(call goja.FunctionCall) goja.Value {
		n := this(call)
		if n.Type == html.TextNode {
			return str("#text")
		}
		return str(strings.ToUpper(n.Data))
	}, nil)
	s.accessor(proto, "nodeType", func(call goja.FunctionCall) goja.Value {
		if this(call).Type == html.TextNode {
			return s.vm.ToValue(3)
		}
		return s.vm.ToValue(1)
	}, nil)

	for _, name := range []string{"id", "name", "type", "method", "rel", "target", "className"} {
		attr := name
		if name == "className" {
			attr = "class"
		}
		s.accessor(proto, name, func(call goja.FunctionCall) goja.Value {
			return str(dom.Attr(this(call), attr))
		}, func(call goja.FunctionCall) goja.Value {
			dom.SetAttr(this(call), attr, call.Argument(0).String())
			return goja.Undefined()
		})
	}
	s.accessor(proto, "value", func(call goja.FunctionCall) goja.Value {
		n := this(call)
		if n.Data == "textarea" {
			return str(dom.Text(n))
		}
		return str(dom.Attr(n, "value"))
	}, func(call goja.FunctionCall) goja.Value {
		s.setValue(this(call), call.Argument(0).String())
		return goja.Undefined()
	})
	for name := range urlAttrs {
		attr := name
		s.accessor(proto, attr, func(call goja.FunctionCall) goja.Value {
			v, ok := dom.LookupAttr(this(call), attr)
			if !ok {
				return str("")
			}
			return str(s.resolve(v))
		}, func(call goja.FunctionCall) goja.Value {
			dom.SetAttr(this(call), attr, call.Argument(0).String())
			return goja.Undefined()
		})
	}

	textGet := func(call goja.FunctionCall) goja.Value { return str(dom.Text(this(call))) }
	textSet := func(call goja.FunctionCall) goja.Value {
		n := this(call)
		if n.Type == html.TextNode {
			n.Data = call.Argument(0).String()
		} else {
			dom.SetText(n, call.Argument(0).String())
		}
		return goja.Undefined()
	}
	s.accessor(proto, "textContent", textGet, textSet)
	s.accessor(proto, "innerText", textGet, textSet)
	s.accessor(proto, "text", textGet, textSet)

	s.accessor(proto, "innerHTML", func(call goja.FunctionCall) goja.Value {
		return str(dom.InnerHTML(this(call)))
	}, func(call goja.FunctionCall) goja.Value {
		nodes, err := s.doc.SetInnerHTML(this(call), call.Argument(0).String())
		if err != nil {
			panic(s.vm.NewGoError(err))
		}
		// scripts inserted through innerHTML never run
		for _, n := range nodes {
			s.markInert(n)
		}
		return goja.Undefined()
	})
	s.accessor(proto, "outerHTML", func(call goja.FunctionCall) goja.Value {
		return str(dom.OuterHTML(this(call)))
	}, nil)

	s.accessor(proto, "parentNode", func(call goja.FunctionCall) goja.Value {
		return s.parentValue(this(call))
	}, nil)
	s.accessor(proto, "parentElement", func(call goja.FunctionCall) goja.Value {
		p := this(call).Parent
		if p == nil || p.Type != html.ElementNode {
			return goja.Null()
		}
		return s.wrap(p)
	}, nil)
	s.accessor(proto, "children", func(call goja.FunctionCall) goja.Value {
		var kids []*html.Node
		for c := this(call).FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				kids = append(kids, c)
			}
		}
		return s.wrapAll(kids)
	}, nil)
	s.accessor(proto, "childNodes", func(call goja.FunctionCall) goja.Value {
		var kids []*html.Node
		for c := this(call).FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode || c.Type == html.TextNode {
				kids = append(kids, c)
			}
		}
		return s.wrapAll(kids)
	}, nil)
	s.accessor(proto, "firstChild", func(call goja.FunctionCall) goja.Value {
		return s.wrap(this(call).FirstChild)
	}, nil)
	s.accessor(proto, "isConnected", func(call goja.FunctionCall) goja.Value {
		return s.vm.ToValue(s.doc.Connected(this(call)))
	}, nil)
	s.accessor(proto, "style", func(call goja.FunctionCall) goja.Value {
		n := this(call)
		st, ok := s.styles[n]
		if !ok {
			st = s.vm.NewObject()
			s.styles[n] = st
		}
		return st
	}, nil)

	s.method(proto, "getAttribute", func(call goja.FunctionCall) goja.Value {
		v, ok := dom.LookupAttr(this(call), call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return str(v)
	})
	s.method(proto, "setAttribute", func(call goja.FunctionCall) goja.Value {
		dom.SetAttr(this(call), call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	s.method(proto, "removeAttribute", func(call goja.FunctionCall) goja.Value {
		dom.RemoveAttr(this(call), call.Argument(0).String())
		return goja.Undefined()
	})
	s.method(proto, "hasAttribute", func(call goja.FunctionCall) goja.Value {
		_, ok := dom.LookupAttr(this(call), call.Argument(0).String())
		return s.vm.ToValue(ok)
	})

	s.method(proto, "appendChild", func(call goja.FunctionCall) goja.Value {
		child := s.nodeOf(call.Argument(0))
		s.insert(this(call), child, nil)
		return call.Argument(0)
	})
	s.method(proto, "insertBefore", func(call goja.FunctionCall) goja.Value {
		child := s.nodeOf(call.Argument(0))
		var ref *html.Node
		if r := call.Argument(1); !goja.IsNull(r) && !goja.IsUndefined(r) {
			ref = s.nodeOf(r)
		}
		s.insert(this(call), child, ref)
		return call.Argument(0)
	})
	s.method(proto, "removeChild", func(call goja.FunctionCall) goja.Value {
		child := s.nodeOf(call.Argument(0))
		if child.Parent != this(call) {
			panic(s.vm.NewGoError(errNotAChild))
		}
		s.doc.Remove(child)
		return call.Argument(0)
	})
	s.method(proto, "remove", func(call goja.FunctionCall) goja.Value {
		s.doc.Remove(this(call))
		return goja.Undefined()
	})
	s.method(proto, "querySelector", func(call goja.FunctionCall) goja.Value {
		nodes := s.query(this(call), call.Argument(0).String())
		if len(nodes) == 0 {
			return goja.Null()
		}
		return s.wrap(nodes[0])
	})
	s.method(proto, "querySelectorAll", func(call goja.FunctionCall) goja.Value {
		return s.wrapAll(s.query(this(call), call.Argument(0).String()))
	})
	s.method(proto, "getElementsByTagName", func(call goja.FunctionCall) goja.Value {
		return s.wrapAll(dom.ByTag(this(call), call.Argument(0).String()))
	})

	s.method(proto, "addEventListener", func(call goja.FunctionCall) goja.Value {
		n := this(call)
		s.addEventListener(n.Data, n, call.This, call)
		return goja.Undefined()
	})
	s.method(proto, "removeEventListener", func(call goja.FunctionCall) goja.Value {
		s.removeNodeListener(this(call), call)
		return goja.Undefined()
	})
	s.method(proto, "dispatchEvent", func(call goja.FunctionCall) goja.Value {
		evt, _ := call.Argument(0).(*goja.Object)
		if evt == nil {
			s.throwType("parameter 1 is not of type 'Event'")
		}
		prevented := s.dispatch(this(call), evt.Get("type").String(), true)
		return s.vm.ToValue(!prevented)
	})
	s.method(proto, "click", func(call goja.FunctionCall) goja.Value {
		s.dispatch(this(call), "click", true)
		return goja.Undefined()
	})
	s.method(proto, "focus", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	s.method(proto, "blur", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	s.method(proto, "submit", func(call goja.FunctionCall) goja.Value {
		n := this(call)
		if n.Data != "form" {
			s.throwType("submit is not a function")
		}
		s.submitForm(n)
		return goja.Undefined()
	})

	return proto
}

func (s *Session) setValue(n *html.Node, v string) {
	if n.Data == "textarea" {
		dom.SetText(n, v)
		return
	}
	dom.SetAttr(n, "value", v)
}

func (s *Session) parentValue(n *html.Node) goja.Value {
	p := n.Parent
	switch {
	case p == nil:
		return goja.Null()
	case p == s.doc.Root:
		return s.document
	default:
		return s.wrap(p)
	}
}

func (s *Session) insert(parent, child, ref *html.Node) {
	if err := s.doc.InsertBefore(parent, child, ref); err != nil {
		panic(s.vm.NewGoError(err))
	}
}

func (s *Session) query(root *html.Node, selector string) []*html.Node {
	nodes, err := dom.QueryFrom(root, selector)
	if err != nil {
		panic(s.vm.NewGoError(err))
	}
	return nodes
}

func (s *Session) markInert(n *html.Node) {
	dom.Walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && c.Data == "script" {
			s.inert[c] = true
		}
		return true
	})
}

func (s *Session) newDocument() *goja.Object {
	d := s.vm.NewObject()
	str := func(v string) goja.Value { return s.vm.ToValue(v) }

	s.accessor(d, "cookie", func(goja.FunctionCall) goja.Value {
		return str(s.Capabilities().Cookies.Cookie())
	}, func(call goja.FunctionCall) goja.Value {
		s.Capabilities().Cookies.SetCookie(call.Argument(0).String())
		return goja.Undefined()
	})

	s.method(d, "write", func(call goja.FunctionCall) goja.Value {
		s.Capabilities().Scripting.Write(joinArgs(call.Arguments, ""))
		return goja.Undefined()
	})
	s.method(d, "writeln", func(call goja.FunctionCall) goja.Value {
		s.Capabilities().Scripting.Write(joinArgs(call.Arguments, "") + "\n")
		return goja.Undefined()
	})
	s.method(d, "addEventListener", func(call goja.FunctionCall) goja.Value {
		s.addEventListener("document", nil, s.document, call)
		return goja.Undefined()
	})
	s.method(d, "removeEventListener", func(call goja.FunctionCall) goja.Value {
		s.removeListener("document", call)
		return goja.Undefined()
	})

	s.method(d, "createElement", func(call goja.FunctionCall) goja.Value {
		return s.wrap(dom.NewElement(call.Argument(0).String()))
	})
	s.method(d, "createTextNode", func(call goja.FunctionCall) goja.Value {
		return s.wrap(dom.NewText(call.Argument(0).String()))
	})
	s.method(d, "getElementById", func(call goja.FunctionCall) goja.Value {
		return s.wrap(s.doc.ByID(call.Argument(0).String()))
	})
	s.method(d, "getElementsByTagName", func(call goja.FunctionCall) goja.Value {
		return s.wrapAll(dom.ByTag(s.doc.Root, call.Argument(0).String()))
	})
	s.method(d, "getElementsByClassName", func(call goja.FunctionCall) goja.Value {
		var out []*html.Node
		want := strings.Fields(call.Argument(0).String())
		dom.Walk(s.doc.Root, func(n *html.Node) bool {
			if n.Type == html.ElementNode && hasClasses(dom.Attr(n, "class"), want) {
				out = append(out, n)
			}
			return true
		})
		return s.wrapAll(out)
	})
	s.method(d, "querySelector", func(call goja.FunctionCall) goja.Value {
		nodes := s.query(s.doc.Root, call.Argument(0).String())
		if len(nodes) == 0 {
			return goja.Null()
		}
		return s.wrap(nodes[0])
	})
	s.method(d, "querySelectorAll", func(call goja.FunctionCall) goja.Value {
		return s.wrapAll(s.query(s.doc.Root, call.Argument(0).String()))
	})

	s.accessor(d, "documentElement", func(goja.FunctionCall) goja.Value {
		return s.wrap(s.doc.DocumentElement())
	}, nil)
	s.accessor(d, "head", func(goja.FunctionCall) goja.Value {
		return s.wrap(s.doc.Head())
	}, nil)
	s.accessor(d, "body", func(goja.FunctionCall) goja.Value {
		return s.wrap(s.doc.Body())
	}, nil)
	s.accessor(d, "forms", func(goja.FunctionCall) goja.Value {
		return s.wrapAll(dom.ByTag(s.doc.Root, "form"))
	}, nil)
	s.accessor(d, "title", func(goja.FunctionCall) goja.Value {
		titles := dom.ByTag(s.doc.Root, "title")
		if len(titles) == 0 {
			return str("")
		}
		return str(strings.TrimSpace(dom.Text(titles[0])))
	}, nil)
	s.accessor(d, "URL", func(goja.FunctionCall) goja.Value { return str(s.doc.URL.String()) }, nil)
	s.accessor(d, "domain", func(goja.FunctionCall) goja.Value { return str(s.doc.URL.Hostname()) }, nil)
	s.accessor(d, "location", func(goja.FunctionCall) goja.Value { return s.location }, nil)
	s.accessor(d, "defaultView", func(goja.FunctionCall) goja.Value { return s.vm.GlobalObject() }, nil)
	_ = d.Set("readyState", "complete")
	_ = d.Set("referrer", "")
	_ = d.Set("nodeType", 9)
	return d
}

func hasClasses(attr string, want []string) bool {
	if len(want) == 0 {
		return false
	}
	have := strings.Fields(attr)
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

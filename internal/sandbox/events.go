package sandbox

import (
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// addEventListener builds the registration and hands it to the Events
// capability. node is nil for window and document.
func (s *Session) addEventListener(target string, node *html.Node, this goja.Value, call goja.FunctionCall) {
	fn := call.Argument(1)
	if goja.IsUndefined(fn) || goja.IsNull(fn) {
		return
	}
	s.Capabilities().Events.AddEventListener(&Listener{
		Target: target,
		Type:   call.Argument(0).String(),
		node:   node,
		fn:     fn,
		this:   this,
	})
}

func listenerKey(target string, node *html.Node) any {
	if node != nil {
		return node
	}
	return target
}

func (s *Session) addListener(l *Listener) {
	key := listenerKey(l.Target, l.node)
	for _, existing := range s.listeners[key] {
		if existing.Type == l.Type && existing.fn.StrictEquals(l.fn) {
			return
		}
	}
	s.listeners[key] = append(s.listeners[key], l)
}

func (s *Session) removeListener(target string, call goja.FunctionCall) {
	s.removeNodeListener(listenerKey(target, nil), call)
}

func (s *Session) removeNodeListener(key any, call goja.FunctionCall) {
	typ := call.Argument(0).String()
	fn := call.Argument(1)
	ls := s.listeners[key]
	for i, l := range ls {
		if l.Type == typ && l.fn.StrictEquals(fn) {
			s.listeners[key] = append(ls[:i], ls[i+1:]...)
			return
		}
	}
}

// dispatch fires a bubbling event at node and returns whether a listener
// called preventDefault.
func (s *Session) dispatch(node *html.Node, typ string, cancelable bool) bool {
	event := s.vm.NewObject()
	prevented := false
	stopped := false
	_ = event.Set("type", typ)
	_ = event.Set("bubbles", true)
	_ = event.Set("cancelable", cancelable)
	_ = event.Set("isTrusted", true)
	_ = event.Set("target", s.wrap(node))
	s.method(event, "preventDefault", func(goja.FunctionCall) goja.Value {
		if cancelable {
			prevented = true
			_ = event.Set("defaultPrevented", true)
		}
		return goja.Undefined()
	})
	s.method(event, "stopPropagation", func(goja.FunctionCall) goja.Value {
		stopped = true
		return goja.Undefined()
	})
	s.method(event, "stopImmediatePropagation", func(goja.FunctionCall) goja.Value {
		stopped = true
		return goja.Undefined()
	})
	_ = event.Set("defaultPrevented", false)

	type hop struct {
		key  any
		this goja.Value
	}
	var path []hop
	for n := node; n != nil; n = n.Parent {
		if n.Type == html.ElementNode {
			path = append(path, hop{key: n, this: s.wrap(n)})
		}
	}
	path = append(path,
		hop{key: "document", this: s.document},
		hop{key: "window", this: s.vm.GlobalObject()},
	)

	for _, h := range path {
		_ = event.Set("currentTarget", h.this)
		s.invokeHandlerProperty(h.this, typ, event)
		for _, l := range append([]*Listener(nil), s.listeners[h.key]...) {
			if l.Type != typ {
				continue
			}
			s.invoke(l.fn, l.this, event)
		}
		if stopped {
			break
		}
	}
	return prevented
}

// invokeHandlerProperty calls inline handlers such as form.onsubmit.
func (s *Session) invokeHandlerProperty(this goja.Value, typ string, event *goja.Object) {
	obj, ok := this.(*goja.Object)
	if !ok {
		return
	}
	handler := obj.Get("on" + strings.ToLower(typ))
	if handler == nil {
		return
	}
	s.invoke(handler, this, event)
}

func (s *Session) invoke(fn goja.Value, this goja.Value, args ...goja.Value) {
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		if obj, isObj := fn.(*goja.Object); isObj {
			callable, ok = goja.AssertFunction(obj.Get("handleEvent"))
			this = obj
		}
		if !ok {
			return
		}
	}
	if _, err := callable(this, args...); err != nil {
		s.log.Debug("event listener threw", zap.Error(s.scriptError(err)))
	}
}

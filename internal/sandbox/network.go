package sandbox

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/GriffinCanCode/malsmug/internal/sandbox/dom"
	"github.com/GriffinCanCode/malsmug/internal/sandbox/netclient"
)

var errXHRNotOpened = errors.New("InvalidStateError: the object's state must be OPENED")

// subresourceAttrs lists the attribute each loading element fetches.
var subresourceAttrs = map[string]string{
	"img":    "src",
	"iframe": "src",
	"frame":  "src",
	"embed":  "src",
	"object": "data",
	"audio":  "src",
	"video":  "src",
	"source": "src",
	"track":  "src",
}

func parseURL(raw string) (*url.URL, error) {
	return url.Parse(raw)
}

// fetch implements window.fetch(input, init).
func (s *Session) fetch(call goja.FunctionCall) goja.Value {
	promise, resolve, reject := s.vm.NewPromise()

	req := &netclient.Request{Method: http.MethodGet, Header: http.Header{}}
	input := call.Argument(0)
	if obj, ok := input.(*goja.Object); ok && obj.Get("url") != nil {
		req.URL = s.resolve(obj.Get("url").String())
	} else {
		req.URL = s.resolve(input.String())
	}
	if init, ok := call.Argument(1).(*goja.Object); ok {
		if m := init.Get("method"); m != nil && !goja.IsUndefined(m) {
			req.Method = strings.ToUpper(m.String())
		}
		if h, ok := init.Get("headers").(*goja.Object); ok {
			for _, k := range h.Keys() {
				req.Header.Set(k, h.Get(k).String())
			}
		}
		if b := init.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
			req.Body = []byte(b.String())
		}
	}

	s.Capabilities().Network.Fetch(req, func(resp *netclient.Response, err error) {
		if err != nil {
			_ = reject(s.vm.NewTypeError("Failed to fetch"))
			return
		}
		_ = resolve(s.newFetchResponse(resp))
	})
	return s.vm.ToValue(promise)
}

func (s *Session) newFetchResponse(resp *netclient.Response) *goja.Object {
	r := s.vm.NewObject()
	_ = r.Set("ok", resp.Status >= 200 && resp.Status < 300)
	_ = r.Set("status", resp.Status)
	_ = r.Set("statusText", resp.StatusText)
	_ = r.Set("url", resp.URL)
	_ = r.Set("redirected", false)
	_ = r.Set("headers", s.newHeaders(resp.Header))

	body := string(resp.Body)
	settled := func(v any, rejected bool) goja.Value {
		p, resolve, reject := s.vm.NewPromise()
		if rejected {
			_ = reject(v)
		} else {
			_ = resolve(v)
		}
		return s.vm.ToValue(p)
	}
	s.method(r, "text", func(goja.FunctionCall) goja.Value { return settled(body, false) })
	s.method(r, "json", func(goja.FunctionCall) goja.Value {
		parse, _ := goja.AssertFunction(s.vm.Get("JSON").ToObject(s.vm).Get("parse"))
		v, err := parse(goja.Undefined(), s.vm.ToValue(body))
		if err != nil {
			if exc, ok := err.(*goja.Exception); ok {
				return settled(exc.Value(), true)
			}
			return settled(s.vm.NewGoError(err), true)
		}
		return settled(v, false)
	})
	s.method(r, "clone", func(goja.FunctionCall) goja.Value { return s.newFetchResponse(resp) })
	return r
}

func (s *Session) newHeaders(h http.Header) *goja.Object {
	obj := s.vm.NewObject()
	s.method(obj, "get", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if vs := h.Values(name); len(vs) > 0 {
			return s.vm.ToValue(strings.Join(vs, ", "))
		}
		return goja.Null()
	})
	s.method(obj, "has", func(call goja.FunctionCall) goja.Value {
		return s.vm.ToValue(len(h.Values(call.Argument(0).String())) > 0)
	})
	return obj
}

// xhrBinding joins a JS XMLHttpRequest to its request state.
type xhrBinding struct {
	obj       *goja.Object
	xhr       *XHR
	resp      *netclient.Response
	listeners map[string][]goja.Value
}

func (s *Session) newXHRConstructor() goja.Value {
	ctor := s.vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		b := &xhrBinding{obj: call.This, listeners: make(map[string][]goja.Value)}
		b.xhr = &XHR{done: func(resp *netclient.Response, err error) { s.completeXHR(b, resp, err) }}
		s.xhrs[call.This] = b
		s.resetXHR(b, 0)
		return nil
	}).(*goja.Object)
	proto := ctor.Get("prototype").ToObject(s.vm)

	this := func(call goja.FunctionCall) *xhrBinding {
		if obj, ok := call.This.(*goja.Object); ok {
			if b, ok := s.xhrs[obj]; ok {
				return b
			}
		}
		s.throwType("Illegal invocation")
		return nil
	}

	s.method(proto, "open", func(call goja.FunctionCall) goja.Value {
		b := this(call)
		s.Capabilities().Network.Open(b.xhr, call.Argument(0).String(), call.Argument(1).String())
		b.resp = nil
		s.resetXHR(b, 1)
		s.fireXHR(b, "readystatechange")
		return goja.Undefined()
	})
	s.method(proto, "setRequestHeader", func(call goja.FunctionCall) goja.Value {
		b := this(call)
		if b.xhr.Header == nil {
			panic(s.vm.NewGoError(errXHRNotOpened))
		}
		b.xhr.Header.Add(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	s.method(proto, "send", func(call goja.FunctionCall) goja.Value {
		b := this(call)
		if b.xhr.Header == nil {
			panic(s.vm.NewGoError(errXHRNotOpened))
		}
		body := ""
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			body = arg.String()
		}
		s.Capabilities().Network.Send(b.xhr, body)
		return goja.Undefined()
	})
	s.method(proto, "abort", func(call goja.FunctionCall) goja.Value {
		b := this(call)
		b.xhr.Header = nil
		s.resetXHR(b, 0)
		return goja.Undefined()
	})
	s.method(proto, "getResponseHeader", func(call goja.FunctionCall) goja.Value {
		b := this(call)
		if b.resp == nil {
			return goja.Null()
		}
		vs := b.resp.Header.Values(call.Argument(0).String())
		if len(vs) == 0 {
			return goja.Null()
		}
		return s.vm.ToValue(strings.Join(vs, ", "))
	})
	s.method(proto, "getAllResponseHeaders", func(call goja.FunctionCall) goja.Value {
		b := this(call)
		if b.resp == nil {
			return s.vm.ToValue("")
		}
		names := make([]string, 0, len(b.resp.Header))
		for k := range b.resp.Header {
			names = append(names, k)
		}
		sort.Strings(names)
		var sb strings.Builder
		for _, k := range names {
			sb.WriteString(strings.ToLower(k) + ": " + strings.Join(b.resp.Header[k], ", ") + "\r\n")
		}
		return s.vm.ToValue(sb.String())
	})
	s.method(proto, "overrideMimeType", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	s.method(proto, "addEventListener", func(call goja.FunctionCall) goja.Value {
		b := this(call)
		typ := call.Argument(0).String()
		b.listeners[typ] = append(b.listeners[typ], call.Argument(1))
		return goja.Undefined()
	})

	for name, v := range map[string]int{"UNSENT": 0, "OPENED": 1, "HEADERS_RECEIVED": 2, "LOADING": 3, "DONE": 4} {
		_ = ctor.Set(name, v)
		_ = proto.Set(name, v)
	}
	return ctor
}

func (s *Session) resetXHR(b *xhrBinding, state int) {
	_ = b.obj.Set("readyState", state)
	_ = b.obj.Set("status", 0)
	_ = b.obj.Set("statusText", "")
	_ = b.obj.Set("responseText", "")
	_ = b.obj.Set("response", "")
	_ = b.obj.Set("responseURL", "")
}

func (s *Session) completeXHR(b *xhrBinding, resp *netclient.Response, err error) {
	if b.xhr.Header == nil {
		// aborted
		return
	}
	_ = b.obj.Set("readyState", 4)
	if err != nil {
		s.fireXHR(b, "readystatechange")
		s.fireXHR(b, "error")
		s.fireXHR(b, "loadend")
		return
	}
	b.resp = resp
	_ = b.obj.Set("status", resp.Status)
	_ = b.obj.Set("statusText", resp.StatusText)
	_ = b.obj.Set("responseText", string(resp.Body))
	_ = b.obj.Set("response", string(resp.Body))
	_ = b.obj.Set("responseURL", resp.URL)
	s.fireXHR(b, "readystatechange")
	s.fireXHR(b, "load")
	s.fireXHR(b, "loadend")
}

func (s *Session) fireXHR(b *xhrBinding, typ string) {
	event := s.vm.NewObject()
	_ = event.Set("type", typ)
	_ = event.Set("target", b.obj)
	s.invokeHandlerProperty(b.obj, typ, event)
	for _, fn := range b.listeners[typ] {
		s.invoke(fn, b.obj, event)
	}
}

// load starts whatever an attached element would fetch or run.
func (s *Session) load(n *html.Node) {
	if n.Type != html.ElementNode {
		return
	}
	switch n.Data {
	case "script":
		s.loadScript(n)
	case "link":
		if href := dom.Attr(n, "href"); href != "" {
			s.loadResource(n, s.resolve(href))
		}
	default:
		attr, ok := subresourceAttrs[n.Data]
		if !ok {
			return
		}
		if ref := dom.Attr(n, attr); ref != "" {
			s.loadResource(n, s.resolve(ref))
		}
	}
}

func (s *Session) loadResource(n *html.Node, ref string) {
	if !strings.HasPrefix(ref, "http:") && !strings.HasPrefix(ref, "https:") {
		return
	}
	s.request(&netclient.Request{Method: http.MethodGet, URL: ref}, func(resp *netclient.Response, err error) {
		if err != nil || resp.Status >= 400 {
			s.dispatch(n, "error", false)
			return
		}
		s.dispatch(n, "load", false)
	})
}

func (s *Session) loadScript(n *html.Node) {
	if s.inert[n] || !isScriptType(dom.Attr(n, "type")) {
		return
	}
	// a script element runs at most once
	s.inert[n] = true

	src, hasSrc := dom.LookupAttr(n, "src")
	if !hasSrc {
		s.runScript(dom.Text(n), s.doc.URL.String())
		return
	}
	ref := s.resolve(src)
	if ref == "" {
		return
	}
	s.request(&netclient.Request{Method: http.MethodGet, URL: ref}, func(resp *netclient.Response, err error) {
		if err != nil || resp.Status >= 400 {
			s.dispatch(n, "error", false)
			return
		}
		s.runScript(string(resp.Body), ref)
		s.dispatch(n, "load", false)
	})
}

func isScriptType(typ string) bool {
	typ = strings.ToLower(strings.TrimSpace(typ))
	if mt, _, ok := strings.Cut(typ, ";"); ok {
		typ = strings.TrimSpace(mt)
	}
	switch typ {
	case "", "text/javascript", "application/javascript", "application/x-javascript",
		"text/ecmascript", "application/ecmascript", "text/jscript":
		return true
	}
	return false
}

// runScript evaluates page-loaded code. Its exceptions are reported the way
// a browser reports uncaught errors: logged, never returned.
func (s *Session) runScript(source, name string) {
	if strings.TrimSpace(source) == "" {
		return
	}
	prg, err := s.compile(name, source)
	if err != nil {
		s.log.Debug("loaded script failed to compile", zap.String("script", name), zap.Error(err))
		return
	}
	if _, err := s.vm.RunProgram(prg); err != nil {
		s.log.Debug("loaded script threw", zap.String("script", name), zap.Error(s.scriptError(err)))
	}
}

// navigateAway requests ref the way a top-level navigation would. The
// current document stays in place so the run keeps observing it.
func (s *Session) navigateAway(ref string) {
	if code, ok := strings.CutPrefix(ref, "javascript:"); ok {
		if decoded, err := url.PathUnescape(code); err == nil {
			code = decoded
		}
		s.runScript(code, "javascript:")
		return
	}
	if ref == "" {
		return
	}
	s.request(&netclient.Request{Method: http.MethodGet, URL: ref}, nil)
}

// submitForm sends form's fields to its action.
func (s *Session) submitForm(form *html.Node) {
	action := s.doc.URL.String()
	if a := dom.Attr(form, "action"); a != "" {
		action = s.resolve(a)
	}
	method := strings.ToUpper(dom.Attr(form, "method"))
	values := dom.FormValues(form)

	req := &netclient.Request{Method: http.MethodGet, URL: action, Header: http.Header{}}
	if method == http.MethodPost {
		req.Method = http.MethodPost
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Body = []byte(values.Encode())
	} else {
		u, err := parseURL(action)
		if err != nil {
			s.log.Debug("form action unparseable", zap.String("action", action))
			return
		}
		u.RawQuery = values.Encode()
		req.URL = u.String()
	}
	s.request(req, nil)
}

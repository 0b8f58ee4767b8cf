package hooks

import (
	"net/http"
	"strings"

	"github.com/GriffinCanCode/malsmug/internal/ioc"
	"github.com/GriffinCanCode/malsmug/internal/sandbox"
	"github.com/GriffinCanCode/malsmug/internal/sandbox/netclient"
)

// Each decorator reports first and then delegates with the same arguments,
// returning the wrapped result untouched.

type storageHook struct {
	next sandbox.Storage
	r    *reporter
}

func (h storageHook) GetItem(area sandbox.StorageArea, key string) (string, bool) {
	h.r.emit(func() ioc.Payload {
		return ioc.FunctionCall{Callee: string(area) + ".getItem", Arguments: []string{key}}
	})
	return h.next.GetItem(area, key)
}

func (h storageHook) SetItem(area sandbox.StorageArea, key, value string) {
	h.r.emit(func() ioc.Payload {
		return ioc.FunctionCall{Callee: string(area) + ".setItem", Arguments: []string{key, value}}
	})
	h.next.SetItem(area, key, value)
}

func (h storageHook) RemoveItem(area sandbox.StorageArea, key string) { h.next.RemoveItem(area, key) }
func (h storageHook) Clear(area sandbox.StorageArea)                  { h.next.Clear(area) }
func (h storageHook) Keys(area sandbox.StorageArea) []string          { return h.next.Keys(area) }

type cookieHook struct {
	next sandbox.Cookies
	r    *reporter
}

func (h cookieHook) Cookie() string {
	jar := h.next.Cookie()
	h.r.emit(func() ioc.Payload { return ioc.GetCookie{Cookie: jar} })
	return jar
}

func (h cookieHook) SetCookie(value string) {
	h.r.emit(func() ioc.Payload { return ioc.SetCookie{Cookie: value} })
	h.next.SetCookie(value)
}

// networkHook reports fetch, XMLHttpRequest.open and XMLHttpRequest.send
// as three independent requests, in call order.
type networkHook struct {
	next sandbox.Network
	r    *reporter
}

func (h networkHook) Fetch(req *netclient.Request, done func(*netclient.Response, error)) {
	h.r.emit(func() ioc.Payload {
		return ioc.HTTPRequest{Method: req.Method, URL: req.URL, Data: string(req.Body)}
	})
	h.next.Fetch(req, done)
}

// Open reports after delegating so the URL is the one the request will
// actually use, resolved against the document.
func (h networkHook) Open(xhr *sandbox.XHR, method, url string) {
	h.next.Open(xhr, method, url)
	h.r.emit(func() ioc.Payload {
		m, u := xhr.Method, xhr.URL
		if m == "" {
			m = strings.ToUpper(method)
		}
		if u == "" {
			u = url
		}
		return ioc.HTTPRequest{Method: m, URL: u}
	})
}

func (h networkHook) Send(xhr *sandbox.XHR, body string) {
	h.r.emit(func() ioc.Payload {
		return ioc.HTTPRequest{Method: xhr.Method, URL: xhr.URL, Data: body}
	})
	h.next.Send(xhr, body)
}

type navigatorHook struct {
	next sandbox.Navigator
	r    *reporter
}

func (h navigatorHook) Open(url, target string) {
	h.r.emit(func() ioc.Payload {
		return ioc.HTTPRequest{Method: http.MethodGet, URL: url}
	})
	h.next.Open(url, target)
}

type scriptingHook struct {
	next sandbox.Scripting
	r    *reporter
}

func (h scriptingHook) Write(markup string) {
	h.r.emit(func() ioc.Payload {
		return ioc.FunctionCall{Callee: "document.write", Arguments: []string{markup}}
	})
	h.next.Write(markup)
}

func (h scriptingHook) Eval(code string) {
	h.r.emit(func() ioc.Payload {
		return ioc.FunctionCall{Callee: "window.eval", Arguments: []string{code}}
	})
	h.next.Eval(code)
}

// timersHook reports one-shot timers only; intervals and clears pass
// through.
type timersHook struct {
	next sandbox.Timers
	r    *reporter
}

func (h timersHook) SetTimeout(t *sandbox.Timer) int {
	h.r.emit(func() ioc.Payload {
		return ioc.SetTimeout{Delay: t.Requested, Arguments: append([]string{}, t.Args...)}
	})
	return h.next.SetTimeout(t)
}

func (h timersHook) SetInterval(t *sandbox.Timer) int { return h.next.SetInterval(t) }
func (h timersHook) Clear(id int)                     { h.next.Clear(id) }

type eventsHook struct {
	next sandbox.Events
	r    *reporter
}

func (h eventsHook) AddEventListener(l *sandbox.Listener) {
	h.r.emit(func() ioc.Payload { return ioc.AddEventListener{Listener: l.Type} })
	h.next.AddEventListener(l)
}

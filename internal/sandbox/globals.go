package sandbox

import (
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

type nativeFunc = func(goja.FunctionCall) goja.Value

func (s *Session) setupGlobals() error {
	vm := s.vm
	global := vm.GlobalObject()

	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}
	for _, name := range []string{"window", "self", "top", "parent", "frames"} {
		if err := vm.Set(name, global); err != nil {
			return err
		}
	}

	s.elementProto = s.newElementPrototype()
	s.document = s.newDocument()
	s.location = s.newLocation()

	globals := map[string]any{
		"document":       s.document,
		"location":       s.location,
		"console":        s.newConsole(),
		"navigator":      s.newNavigator(),
		"localStorage":   s.newStorage(LocalStorage),
		"sessionStorage": s.newStorage(SessionStorage),
		"setTimeout":     s.timerFunc(false),
		"setInterval":    s.timerFunc(true),
		"clearTimeout":   nativeFunc(s.clearTimer),
		"clearInterval":  nativeFunc(s.clearTimer),
		"open":           nativeFunc(s.windowOpen),
		"addEventListener": nativeFunc(func(call goja.FunctionCall) goja.Value {
			s.addEventListener("window", nil, global, call)
			return goja.Undefined()
		}),
		"removeEventListener": nativeFunc(func(call goja.FunctionCall) goja.Value {
			s.removeListener("window", call)
			return goja.Undefined()
		}),
		"fetch":          nativeFunc(s.fetch),
		"XMLHttpRequest": s.newXHRConstructor(),
		"atob":           nativeFunc(s.atob),
		"btoa":           nativeFunc(s.btoa),
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return fmt.Errorf("global %s: %w", name, err)
		}
	}
	tap := vm.ToValue(nativeFunc(s.tapEval))
	if err := global.DefineDataProperty(s.evalTap, tap, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
		return fmt.Errorf("eval tap: %w", err)
	}
	return nil
}

func (s *Session) throwType(format string, args ...any) {
	panic(s.vm.NewTypeError(fmt.Sprintf(format, args...)))
}

func (s *Session) method(obj *goja.Object, name string, fn nativeFunc) {
	_ = obj.Set(name, fn)
}

func (s *Session) accessor(obj *goja.Object, name string, get, set nativeFunc) {
	var getter, setter goja.Value
	if get != nil {
		getter = s.vm.ToValue(get)
	}
	if set != nil {
		setter = s.vm.ToValue(set)
	}
	_ = obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

func joinArgs(args []goja.Value, sep string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, sep)
}

func (s *Session) newConsole() *goja.Object {
	console := s.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug", "trace"} {
		s.method(console, level, func(call goja.FunctionCall) goja.Value {
			s.emitConsole(joinArgs(call.Arguments, " "))
			return goja.Undefined()
		})
	}
	return console
}

func (s *Session) newNavigator() *goja.Object {
	nav := s.vm.NewObject()
	ua := s.opts.UserAgent
	_ = nav.Set("userAgent", ua)
	_ = nav.Set("appVersion", strings.TrimPrefix(ua, "Mozilla/"))
	_ = nav.Set("appName", "Netscape")
	_ = nav.Set("platform", "Linux x86_64")
	_ = nav.Set("language", "en-US")
	_ = nav.Set("languages", s.vm.NewArray("en-US", "en"))
	_ = nav.Set("cookieEnabled", true)
	_ = nav.Set("onLine", true)
	_ = nav.Set("webdriver", false)
	return nav
}

func (s *Session) newStorage(area StorageArea) *goja.Object {
	st := s.vm.NewObject()
	s.method(st, "getItem", func(call goja.FunctionCall) goja.Value {
		v, ok := s.Capabilities().Storage.GetItem(area, call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return s.vm.ToValue(v)
	})
	s.method(st, "setItem", func(call goja.FunctionCall) goja.Value {
		s.Capabilities().Storage.SetItem(area, call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	s.method(st, "removeItem", func(call goja.FunctionCall) goja.Value {
		s.Capabilities().Storage.RemoveItem(area, call.Argument(0).String())
		return goja.Undefined()
	})
	s.method(st, "clear", func(call goja.FunctionCall) goja.Value {
		s.Capabilities().Storage.Clear(area)
		return goja.Undefined()
	})
	s.method(st, "key", func(call goja.FunctionCall) goja.Value {
		keys := s.Capabilities().Storage.Keys(area)
		i := int(call.Argument(0).ToInteger())
		if i < 0 || i >= len(keys) {
			return goja.Null()
		}
		return s.vm.ToValue(keys[i])
	})
	s.accessor(st, "length", func(goja.FunctionCall) goja.Value {
		return s.vm.ToValue(len(s.Capabilities().Storage.Keys(area)))
	}, nil)
	return st
}

func (s *Session) timerFunc(repeat bool) nativeFunc {
	return func(call goja.FunctionCall) goja.Value {
		handler := call.Argument(0)
		requested := call.Argument(1).ToInteger()
		var extra []goja.Value
		if len(call.Arguments) > 2 {
			extra = append(extra, call.Arguments[2:]...)
		}

		args := make([]string, 0, 1+len(extra))
		args = append(args, handler.String())
		for _, a := range extra {
			args = append(args, a.String())
		}

		t := &Timer{
			Requested: requested,
			Delay:     armedDelay(requested),
			Args:      args,
			fire:      s.timerCallback(handler, extra),
		}
		timers := s.Capabilities().Timers
		if repeat {
			return s.vm.ToValue(timers.SetInterval(t))
		}
		return s.vm.ToValue(timers.SetTimeout(t))
	}
}

// armedDelay converts a requested delay the way browsers do: negative
// values and values that overflow a signed 32-bit millisecond count fire on
// the next turn.
func armedDelay(ms int64) time.Duration {
	if ms <= 0 || ms > math.MaxInt32 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// timerCallback calls a function handler, or evaluates a string handler.
func (s *Session) timerCallback(handler goja.Value, args []goja.Value) func() {
	return func() {
		var err error
		if fn, ok := goja.AssertFunction(handler); ok {
			_, err = fn(s.vm.GlobalObject(), args...)
		} else {
			var prg *goja.Program
			if prg, err = s.compile("", handler.String()); err == nil {
				_, err = s.vm.RunProgram(prg)
			}
		}
		if err != nil {
			s.log.Debug("timer callback threw", zap.Error(s.scriptError(err)))
		}
	}
}

func (s *Session) clearTimer(call goja.FunctionCall) goja.Value {
	s.Capabilities().Timers.Clear(int(call.Argument(0).ToInteger()))
	return goja.Undefined()
}

func (s *Session) windowOpen(call goja.FunctionCall) goja.Value {
	target := "_blank"
	if t := call.Argument(1); !goja.IsUndefined(t) {
		target = t.String()
	}
	u := ""
	if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		u = s.resolve(arg.String())
	}
	s.Capabilities().Navigator.Open(u, target)
	return goja.Null()
}

func (s *Session) newLocation() *goja.Object {
	loc := s.vm.NewObject()
	part := func(fn func() string) nativeFunc {
		return func(goja.FunctionCall) goja.Value { return s.vm.ToValue(fn()) }
	}
	navigate := func(call goja.FunctionCall) goja.Value {
		s.navigateAway(s.resolve(call.Argument(0).String()))
		return goja.Undefined()
	}

	s.accessor(loc, "href", part(func() string { return s.doc.URL.String() }), navigate)
	s.accessor(loc, "protocol", part(func() string { return s.doc.URL.Scheme + ":" }), nil)
	s.accessor(loc, "host", part(func() string { return s.doc.URL.Host }), nil)
	s.accessor(loc, "hostname", part(func() string { return s.doc.URL.Hostname() }), nil)
	s.accessor(loc, "port", part(func() string { return s.doc.URL.Port() }), nil)
	s.accessor(loc, "pathname", part(func() string { return s.doc.URL.EscapedPath() }), nil)
	s.accessor(loc, "search", part(func() string {
		if s.doc.URL.RawQuery == "" {
			return ""
		}
		return "?" + s.doc.URL.RawQuery
	}), nil)
	s.accessor(loc, "hash", part(func() string {
		if s.doc.URL.Fragment == "" {
			return ""
		}
		return "#" + s.doc.URL.Fragment
	}), nil)
	s.accessor(loc, "origin", part(func() string {
		return s.doc.URL.Scheme + "://" + s.doc.URL.Host
	}), nil)
	s.method(loc, "assign", navigate)
	s.method(loc, "replace", navigate)
	s.method(loc, "reload", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	s.method(loc, "toString", part(func() string { return s.doc.URL.String() }))
	return loc
}

func (s *Session) atob(call goja.FunctionCall) goja.Value {
	in := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' {
			return -1
		}
		return r
	}, call.Argument(0).String())
	in = strings.TrimRight(in, "=")
	raw, err := base64.RawStdEncoding.DecodeString(in)
	if err != nil {
		panic(s.vm.NewGoError(fmt.Errorf("InvalidCharacterError: the string to be decoded is not correctly encoded")))
	}
	// binary string: one code unit per byte
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return s.vm.ToValue(string(runes))
}

func (s *Session) btoa(call goja.FunctionCall) goja.Value {
	in := call.Argument(0).String()
	raw := make([]byte, 0, len(in))
	for _, r := range in {
		if r > 0xff {
			panic(s.vm.NewGoError(fmt.Errorf("InvalidCharacterError: the string to be encoded contains characters outside of the Latin1 range")))
		}
		raw = append(raw, byte(r))
	}
	return s.vm.ToValue(base64.StdEncoding.EncodeToString(raw))
}

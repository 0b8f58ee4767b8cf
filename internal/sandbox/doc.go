// Package sandbox is the execution host for untrusted scripts.
//
// A Session is one isolated browser-like context: a goja VM with a window,
// a parsed document, Web Storage, a cookie jar, timers, fetch and
// XMLHttpRequest. Everything that touches the VM or the document runs on a
// single event-loop goroutine; network completions and timers are posted
// back onto it.
//
// The JS surface is bound to a Capabilities value. Each binding looks up
// its capability on every call, so callers can decorate storage, cookies,
// network, timers and the rest after the session starts and the change is
// visible to code that already captured a reference:
//
//	host := sandbox.FromConfig(cfg.Sandbox, logger)
//	s, err := host.Launch(ctx)
//	if err != nil { ... }
//	defer s.Close()
//	s.SetCapabilities(sandbox.Capabilities{Storage: observed(s.Capabilities().Storage)})
//	_, err = s.Evaluate(ctx, source)
package sandbox

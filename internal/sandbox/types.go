package sandbox

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dop251/goja"
	"golang.org/x/net/html"

	"github.com/GriffinCanCode/malsmug/internal/sandbox/dom"
	"github.com/GriffinCanCode/malsmug/internal/sandbox/netclient"
)

var (
	ErrClosed      = errors.New("sandbox session is closed")
	ErrSyntax      = errors.New("syntax error")
	ErrEvalTimeout = errors.New("script execution timeout exceeded")
	ErrNoCallback  = errors.New("callback not exposed")
)

// ScriptError is an exception thrown by evaluated code.
type ScriptError struct {
	Message string
	Stack   string
	cause   error
}

func (e *ScriptError) Error() string { return e.Message }
func (e *ScriptError) Unwrap() error { return e.cause }

// SyntaxError reports source that failed to compile. Exceptions thrown
// while running, SyntaxError instances included, are ScriptErrors.
type SyntaxError struct {
	Message string
}

func (e *SyntaxError) Error() string        { return fmt.Sprintf("SyntaxError: %s", e.Message) }
func (e *SyntaxError) Is(target error) bool { return target == ErrSyntax }

// Options configures sessions created by a Host.
type Options struct {
	UserAgent   string
	EvalTimeout time.Duration
	// MaxCallStack bounds recursion inside the VM.
	MaxCallStack int
}

// Response is what response subscribers observe.
type Response = netclient.Response

// StorageArea names a Web Storage object.
type StorageArea string

const (
	LocalStorage   StorageArea = "localStorage"
	SessionStorage StorageArea = "sessionStorage"
)

// Storage backs localStorage and sessionStorage.
type Storage interface {
	GetItem(area StorageArea, key string) (string, bool)
	SetItem(area StorageArea, key, value string)
	RemoveItem(area StorageArea, key string)
	Clear(area StorageArea)
	Keys(area StorageArea) []string
}

// Cookies backs document.cookie.
type Cookies interface {
	Cookie() string
	SetCookie(value string)
}

// XHR is the state behind one XMLHttpRequest object.
type XHR struct {
	Method string
	URL    string
	Header http.Header

	done func(*netclient.Response, error)
}

// Network backs fetch and XMLHttpRequest. Completion callbacks run on the
// session's event loop.
type Network interface {
	Fetch(req *netclient.Request, done func(*netclient.Response, error))
	Open(xhr *XHR, method, url string)
	Send(xhr *XHR, body string)
}

// Scripting backs document.write and observes code handed to eval.
type Scripting interface {
	Write(markup string)
	// Eval sees the code of every eval call before it is evaluated.
	Eval(code string)
}

// Timer is one deferred callback.
type Timer struct {
	// Requested is the delay in milliseconds as the script asked for it.
	Requested int64
	// Delay is what the timer is armed with.
	Delay time.Duration
	// Args holds the handler and any extra arguments in string form.
	Args []string

	fire func()
}

// Timers backs setTimeout and setInterval.
type Timers interface {
	SetTimeout(t *Timer) int
	SetInterval(t *Timer) int
	Clear(id int)
}

// Listener is one addEventListener registration.
type Listener struct {
	// Target is "window", "document" or the element's tag name.
	Target string
	Type   string

	node *html.Node
	fn   goja.Value
	this goja.Value
}

// Events backs addEventListener.
type Events interface {
	AddEventListener(l *Listener)
}

// Navigator backs window.open.
type Navigator interface {
	Open(url, target string)
}

// Inserted is an element attached to the document during the last job.
type Inserted struct {
	Tag  string
	Node *html.Node

	doc *dom.Document
}

// Attr returns an attribute of the element.
func (e Inserted) Attr(name string) (string, bool) {
	return dom.LookupAttr(e.Node, name)
}

// Resolve makes ref absolute against the document the element joined.
func (e Inserted) Resolve(ref string) string {
	return e.doc.Resolve(ref)
}

// Mutations observes elements attached to the document. Observe runs on
// the event loop after the job that inserted them.
type Mutations interface {
	Observe(added []Inserted)
}

// Capabilities is the set of host services the JS surface is bound to.
// Bindings resolve the current capability on every call, so replacing one
// takes effect immediately.
type Capabilities struct {
	Storage   Storage
	Cookies   Cookies
	Network   Network
	Scripting Scripting
	Timers    Timers
	Events    Events
	Navigator Navigator
	Mutations Mutations
}

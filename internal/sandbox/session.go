package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/GriffinCanCode/malsmug/internal/logging"
	"github.com/GriffinCanCode/malsmug/internal/sandbox/dom"
	"github.com/GriffinCanCode/malsmug/internal/sandbox/netclient"
	sharedid "github.com/GriffinCanCode/malsmug/internal/shared/id"
)

const (
	jobQueueSize = 1024
	// inline scripts may insert more scripts; bound the cascade per job
	maxInsertionRounds = 32
)

// Session is one isolated browser-like execution context. A single
// goroutine owns the VM and the document; every script, timer callback and
// network completion runs there as a job.
type Session struct {
	id   string
	opts Options
	log  *logging.Logger
	vm   *goja.Runtime
	net  netclient.Client
	nav  netclient.Client

	// evalTap names the global every eval call site passes its code through.
	evalTap string

	ctx     context.Context
	cancel  context.CancelFunc
	release func()

	jobs      chan func()
	stop      chan struct{}
	loopDone  chan struct{}
	inflight  sync.WaitGroup
	closeOnce sync.Once

	storage *memoryStorage
	jar     *cookieJar
	timers  *timerSet

	mu         sync.RWMutex
	caps       Capabilities
	callbacks  map[string]func(any)
	onConsole  []func(string)
	onResponse []func(*Response)

	// owned by the loop goroutine
	doc          *dom.Document
	recorder     dom.Recorder
	objects      map[*html.Node]*goja.Object
	nodes        map[*goja.Object]*html.Node
	xhrs         map[*goja.Object]*xhrBinding
	styles       map[*html.Node]*goja.Object
	listeners    map[any][]*Listener
	inert        map[*html.Node]bool
	elementProto *goja.Object
	document     *goja.Object
	location     *goja.Object
}

func newSession(id string, opts Options, client, nav netclient.Client, log *logging.Logger, release func()) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		opts:      opts,
		log:       log,
		vm:        goja.New(),
		net:       client,
		nav:       nav,
		evalTap:   sharedid.Default().ScriptIdentifier(),
		ctx:       ctx,
		cancel:    cancel,
		release:   release,
		jobs:      make(chan func(), jobQueueSize),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		storage:   newMemoryStorage(),
		jar:       &cookieJar{},
		callbacks: make(map[string]func(any)),
		doc:       dom.Blank(),
		objects:   make(map[*html.Node]*goja.Object),
		nodes:     make(map[*goja.Object]*html.Node),
		xhrs:      make(map[*goja.Object]*xhrBinding),
		styles:    make(map[*html.Node]*goja.Object),
		listeners: make(map[any][]*Listener),
		inert:     make(map[*html.Node]bool),
	}
	s.timers = newTimerSet(s)
	s.caps = Capabilities{
		Storage:   s.storage,
		Cookies:   s.jar,
		Network:   baseNetwork{s},
		Scripting: baseScripting{s},
		Timers:    s.timers,
		Events:    baseEvents{s},
		Navigator: baseNavigator{s},
		Mutations: noMutations{},
	}
	s.doc.OnInsert = s.recorder.Record

	if opts.MaxCallStack > 0 {
		s.vm.SetMaxCallStackSize(opts.MaxCallStack)
	}
	if err := s.setupGlobals(); err != nil {
		cancel()
		return nil, fmt.Errorf("setup globals: %w", err)
	}

	go s.loop()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Capabilities returns the currently installed capabilities.
func (s *Session) Capabilities() Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps
}

// SetCapabilities replaces the capabilities the JS surface is bound to.
// Nil fields keep their current value.
func (s *Session) SetCapabilities(c Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Storage != nil {
		s.caps.Storage = c.Storage
	}
	if c.Cookies != nil {
		s.caps.Cookies = c.Cookies
	}
	if c.Network != nil {
		s.caps.Network = c.Network
	}
	if c.Scripting != nil {
		s.caps.Scripting = c.Scripting
	}
	if c.Timers != nil {
		s.caps.Timers = c.Timers
	}
	if c.Events != nil {
		s.caps.Events = c.Events
	}
	if c.Navigator != nil {
		s.caps.Navigator = c.Navigator
	}
	if c.Mutations != nil {
		s.caps.Mutations = c.Mutations
	}
}

// OnConsole subscribes to console output.
func (s *Session) OnConsole(fn func(text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConsole = append(s.onConsole, fn)
}

// OnResponse subscribes to every network response, bodies included.
func (s *Session) OnResponse(fn func(resp *Response)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResponse = append(s.onResponse, fn)
}

// Navigate loads url as the session's document and seeds the cookie jar
// from the response.
func (s *Session) Navigate(ctx context.Context, url string) error {
	resp, err := s.nav.Do(ctx, &netclient.Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	s.emitResponse(resp)

	final, err := parseURL(resp.URL)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	doc, err := dom.Parse(resp.Body, resp.ContentType(), final)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	s.jar.seed(resp.Header)

	return s.do(ctx, func() error {
		s.setDocument(doc)
		return nil
	})
}

// Evaluate runs source as a classic script in the global scope and returns
// the exported completion value.
func (s *Session) Evaluate(ctx context.Context, source string) (any, error) {
	var out any
	err := s.do(ctx, func() error {
		prg, err := s.compile("", source)
		if err != nil {
			var syntax *goja.CompilerSyntaxError
			if errors.As(err, &syntax) {
				return &SyntaxError{Message: strings.TrimPrefix(syntax.Error(), "SyntaxError: ")}
			}
			return &ScriptError{Message: err.Error(), cause: err}
		}
		v, err := s.vm.RunProgram(prg)
		if err != nil {
			return s.scriptError(err)
		}
		out = export(v)
		return nil
	})
	return out, err
}

// ExposeCallback installs fn as a global function that is neither
// enumerable nor writable. JS callers pass one argument, which fn receives
// exported to Go values.
func (s *Session) ExposeCallback(ctx context.Context, name string, fn func(arg any)) error {
	s.mu.Lock()
	if _, exists := s.callbacks[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("callback %q already exposed", name)
	}
	s.callbacks[name] = fn
	s.mu.Unlock()

	return s.do(ctx, func() error {
		native := s.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			fn(call.Argument(0).Export())
			return goja.Undefined()
		})
		return s.vm.GlobalObject().DefineDataProperty(name, native, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	})
}

// Callback returns a previously exposed callback for Go-side callers.
func (s *Session) Callback(name string) (func(arg any), bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.callbacks[name]
	return fn, ok
}

// Close stops timers and the loop and releases the pool slot. Safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.timers.stopAll()
		close(s.stop)
		s.vm.Interrupt(ErrClosed)
		<-s.loopDone
		s.cancel()
		s.inflight.Wait()
		if s.release != nil {
			s.release()
		}
		s.log.Debug("session closed")
	})
	return nil
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.stop:
			return
		case job := <-s.jobs:
			s.run(job)
		}
	}
}

func (s *Session) run(job func()) {
	s.vm.ClearInterrupt()
	var watchdog *time.Timer
	if s.opts.EvalTimeout > 0 {
		watchdog = time.AfterFunc(s.opts.EvalTimeout, func() {
			s.vm.Interrupt(ErrEvalTimeout)
		})
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("sandbox job panicked", zap.Any("panic", r))
			}
		}()
		job()
		s.flushInsertions()
	}()

	if watchdog != nil {
		watchdog.Stop()
	}
}

// post queues job on the loop. It reports false once the session is closed.
func (s *Session) post(job func()) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	select {
	case s.jobs <- job:
		return true
	case <-s.stop:
		return false
	}
}

// do runs fn on the loop and waits for it. Insertions made by fn are
// delivered before do returns.
func (s *Session) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	job := func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("sandbox job panicked", zap.Any("panic", r))
				err = fmt.Errorf("sandbox job panicked: %v", r)
			}
			errc <- err
		}()
		err = fn()
		s.flushInsertions()
	}
	if !s.post(job) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-s.loopDone:
		return ErrClosed
	case <-ctx.Done():
		s.vm.Interrupt(ctx.Err())
		return ctx.Err()
	}
}

// flushInsertions delivers the elements attached during the last job and
// starts their subresource loads.
func (s *Session) flushInsertions() {
	for range maxInsertionRounds {
		added := s.recorder.Take()
		if len(added) == 0 {
			return
		}
		inserted := make([]Inserted, len(added))
		for i, n := range added {
			inserted[i] = Inserted{Tag: n.Data, Node: n, doc: s.doc}
		}
		s.Capabilities().Mutations.Observe(inserted)
		for _, n := range added {
			s.load(n)
		}
	}
}

// request sends req in the background, publishes the response and hands
// the result to done on the loop.
func (s *Session) request(req *netclient.Request, done func(*netclient.Response, error)) {
	select {
	case <-s.stop:
		return
	default:
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		resp, err := s.net.Do(s.ctx, req)
		if err != nil {
			s.log.Debug("sandbox request failed", zap.String("url", req.URL), zap.Error(err))
		} else {
			s.emitResponse(resp)
		}
		if done != nil {
			s.post(func() { done(resp, err) })
		}
	}()
}

func (s *Session) emitResponse(resp *Response) {
	s.mu.RLock()
	subs := append([]func(*Response){}, s.onResponse...)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(resp)
	}
}

func (s *Session) emitConsole(text string) {
	s.mu.RLock()
	subs := append([]func(string){}, s.onConsole...)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(text)
	}
}

func (s *Session) setDocument(doc *dom.Document) {
	doc.OnInsert = s.recorder.Record
	s.doc = doc
	s.objects = make(map[*html.Node]*goja.Object)
	s.nodes = make(map[*goja.Object]*html.Node)
	s.styles = make(map[*html.Node]*goja.Object)
	s.inert = make(map[*html.Node]bool)
	for key := range s.listeners {
		if _, isNode := key.(*html.Node); isNode {
			delete(s.listeners, key)
		}
	}
}

func (s *Session) resolve(ref string) string {
	return s.doc.Resolve(ref)
}

func (s *Session) scriptError(err error) error {
	if errors.Is(err, ErrEvalTimeout) {
		return &ScriptError{Message: ErrEvalTimeout.Error(), cause: ErrEvalTimeout}
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		msg := exc.Value().String()
		if obj, ok := exc.Value().(*goja.Object); ok {
			if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
				return &ScriptError{Message: msg, Stack: stack.String(), cause: err}
			}
		}
		return &ScriptError{Message: msg, cause: err}
	}
	return &ScriptError{Message: err.Error(), cause: err}
}

func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

package sandbox

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/malsmug/internal/sandbox/netclient"
)

func newTestSession(t *testing.T, client netclient.Client) *Session {
	t.Helper()
	if client == nil {
		client = netclient.Offline{}
	}
	host := NewHost(Options{EvalTimeout: 2 * time.Second}, client, nil, NewPool(2), nil)
	s, err := host.Launch(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eval(t *testing.T, s *Session, src string) any {
	t.Helper()
	v, err := s.Evaluate(context.Background(), src)
	require.NoError(t, err)
	return v
}

func eventually(t *testing.T, s *Session, src string, want any) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := s.Evaluate(context.Background(), src)
		return err == nil && v == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvaluate(t *testing.T) {
	s := newTestSession(t, nil)

	tests := []struct {
		name string
		src  string
		want any
	}{
		{"arithmetic", "1 + 2", int64(3)},
		{"string", "'a' + 'b'", "ab"},
		{"undefined", "void 0", nil},
		{"window is global", "window === this && self === window", true},
		{"no node globals", "typeof require + typeof process", "undefinedundefined"},
		{"webdriver hidden", "navigator.webdriver", false},
		{"atob", "atob(btoa('hi'))", "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, eval(t, s, tt.src))
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	s := newTestSession(t, nil)
	ctx := context.Background()

	_, err := s.Evaluate(ctx, "function (")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSyntax))
	var syntax *SyntaxError
	require.True(t, errors.As(err, &syntax))
	assert.NotContains(t, syntax.Message, "SyntaxError")
	assert.Equal(t, "SyntaxError: "+syntax.Message, err.Error())

	// a SyntaxError raised while running is an ordinary exception
	for _, src := range []string{`throw new SyntaxError("bad")`, `eval("function (")`} {
		_, err = s.Evaluate(ctx, src)
		require.Error(t, err, src)
		assert.False(t, errors.Is(err, ErrSyntax), src)
		var thrown *ScriptError
		require.True(t, errors.As(err, &thrown), src)
		assert.Contains(t, thrown.Message, "SyntaxError", src)
	}

	_, err = s.Evaluate(ctx, "throw new Error('boom')")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSyntax))
	var se *ScriptError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Message, "boom")

	// the session survives a thrown error
	assert.Equal(t, int64(2), eval(t, s, "1 + 1"))
}

func TestEvaluateTimeout(t *testing.T) {
	host := NewHost(Options{EvalTimeout: 100 * time.Millisecond}, netclient.Offline{}, nil, nil, nil)
	s, err := host.Launch(context.Background())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Evaluate(context.Background(), "while (true) {}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEvalTimeout))

	assert.Equal(t, int64(4), eval(t, s, "2 + 2"))
}

func TestStorage(t *testing.T) {
	s := newTestSession(t, nil)

	eval(t, s, "localStorage.setItem('token', 'abc'); sessionStorage.setItem('k', 'v')")
	assert.Equal(t, "abc", eval(t, s, "localStorage.getItem('token')"))
	assert.Nil(t, eval(t, s, "localStorage.getItem('missing')"))
	assert.Equal(t, int64(1), eval(t, s, "localStorage.length"))

	v, ok := s.Capabilities().Storage.GetItem(SessionStorage, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	eval(t, s, "localStorage.removeItem('token')")
	assert.Equal(t, int64(0), eval(t, s, "localStorage.length"))
}

func TestCookies(t *testing.T) {
	s := newTestSession(t, nil)

	eval(t, s, "document.cookie = 'x=1'")
	assert.Equal(t, "x=1; ", eval(t, s, "document.cookie"))
	eval(t, s, "document.cookie = 'y=2'")
	assert.Equal(t, "x=1; y=2; ", s.Capabilities().Cookies.Cookie())
}

func TestTimers(t *testing.T) {
	s := newTestSession(t, nil)

	eval(t, s, "setTimeout(function (v) { window.fired = v }, 10, 'yes')")
	eventually(t, s, "window.fired", "yes")

	eval(t, s, "setTimeout('window.fromString = 1', 0)")
	eventually(t, s, "window.fromString", int64(1))

	eval(t, s, "var n = 0; var id = setInterval(function () { if (++n === 3) clearInterval(id) }, 1)")
	eventually(t, s, "n", int64(3))

	eval(t, s, "window.cleared = false; clearTimeout(setTimeout(function () { window.cleared = true }, 20))")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, false, eval(t, s, "window.cleared"))

	// delays past a signed 32-bit millisecond count fire right away
	eval(t, s, "setTimeout(function () { window.overflowed = true }, 2147483648)")
	eventually(t, s, "window.overflowed", true)
}

func TestArmedDelay(t *testing.T) {
	tests := []struct {
		ms   int64
		want time.Duration
	}{
		{ms: -5, want: 0},
		{ms: 0, want: 0},
		{ms: 1500, want: 1500 * time.Millisecond},
		{ms: math.MaxInt32, want: math.MaxInt32 * time.Millisecond},
		{ms: math.MaxInt32 + 1, want: 0},
		{ms: 1e13, want: 0},
		{ms: math.MaxInt64, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, armedDelay(tt.ms), tt.ms)
	}
}

func TestFetchAndXHR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Echo", r.Method)
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	defer srv.Close()

	s := newTestSession(t, netclient.New(netclient.Options{Timeout: time.Second}))

	var mu sync.Mutex
	var seen []string
	s.OnResponse(func(resp *Response) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, resp.URL)
	})

	eval(t, s, `fetch('`+srv.URL+`/a').then(function (r) { return r.json() }).then(function (j) { window.got = j.path })`)
	eventually(t, s, "window.got", "/a")

	eval(t, s, `
		var x = new XMLHttpRequest();
		x.open('post', '`+srv.URL+`/b');
		x.setRequestHeader('Content-Type', 'text/plain');
		x.onload = function () { window.xhr = this.status + ' ' + this.getResponseHeader('X-Echo') };
		x.send('payload');
	`)
	eventually(t, s, "window.xhr", "200 POST")

	eval(t, s, `fetch('http://127.0.0.1:1/').catch(function (e) { window.failed = e instanceof TypeError })`)
	eventually(t, s, "window.failed", true)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, srv.URL+"/a")
	assert.Contains(t, seen, srv.URL+"/b")
}

type recordedMutations struct {
	mu   sync.Mutex
	tags []string
}

func (m *recordedMutations) Observe(added []Inserted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range added {
		m.tags = append(m.tags, e.Tag)
	}
}

func (m *recordedMutations) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tags...)
}

func TestInsertions(t *testing.T) {
	s := newTestSession(t, nil)
	m := &recordedMutations{}
	s.SetCapabilities(Capabilities{Mutations: m})

	eval(t, s, `
		var img = document.createElement('img');
		img.src = '/pixel.gif';
		var detached = document.createElement('iframe');
		document.body.appendChild(img);
	`)
	assert.Equal(t, []string{"img"}, m.snapshot())
	assert.Equal(t, "about:blank", eval(t, s, "document.URL"))

	eval(t, s, `
		var sc = document.createElement('script');
		sc.textContent = 'window.ran = true';
		document.head.appendChild(sc);
		document.body.innerHTML = '<div><script>window.inert = true</script></div>';
	`)
	assert.Equal(t, true, eval(t, s, "window.ran"))
	assert.Equal(t, true, eval(t, s, "typeof window.inert === 'undefined'"))
	assert.Equal(t, []string{"img", "script", "div", "script"}, m.snapshot())
}

func TestElementSurface(t *testing.T) {
	s := newTestSession(t, nil)

	tests := []struct {
		name string
		src  string
		want any
	}{
		{"tagName", "document.createElement('a').tagName", "A"},
		{"attributes", "var a = document.createElement('a'); a.setAttribute('data-x', '1'); a.getAttribute('data-x')", "1"},
		{"missing attribute", "document.createElement('a').getAttribute('nope')", nil},
		{"identity", "document.body === document.body", true},
		{"query", "document.body.appendChild(document.createElement('p')).id = 'p1'; document.querySelector('#p1').tagName", "P"},
		{"byId", "document.getElementById('p1').tagName", "P"},
		{"textContent", "var d = document.createElement('div'); d.textContent = 'hi'; d.innerHTML", "hi"},
		{"illegal invocation", "try { Object.getOwnPropertyDescriptor(Object.getPrototypeOf(document.body), 'tagName').get.call({}) } catch (e) { e instanceof TypeError }", true},
		{"cycle", "var o = document.createElement('div'); var i = o.appendChild(document.createElement('div')); try { i.appendChild(o); false } catch (e) { true }", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, eval(t, s, tt.src))
		})
	}
}

func TestExposeCallback(t *testing.T) {
	s := newTestSession(t, nil)
	ctx := context.Background()

	got := make(chan any, 1)
	require.NoError(t, s.ExposeCallback(ctx, "_report", func(arg any) { got <- arg }))
	require.Error(t, s.ExposeCallback(ctx, "_report", func(any) {}))

	eval(t, s, "_report({kind: 'x'})")
	assert.Equal(t, map[string]any{"kind": "x"}, <-got)

	assert.Equal(t, false, eval(t, s, "Object.keys(window).indexOf('_report') >= 0"))
	assert.Equal(t, "function", eval(t, s, "window._report = 1; typeof window._report"))

	fn, ok := s.Callback("_report")
	require.True(t, ok)
	fn("direct")
	assert.Equal(t, "direct", <-got)
}

func TestFormInteraction(t *testing.T) {
	submitted := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Add("Set-Cookie", "sid=42; Path=/")
			_, _ = w.Write([]byte(`<html><body><form id="f" action="/login"><input name="user"></form></body></html>`))
		case "/login":
			submitted <- r.URL.RawQuery
		}
	}))
	defer srv.Close()

	client := netclient.New(netclient.Options{Timeout: time.Second})
	s := newTestSession(t, client)
	ctx := context.Background()

	require.NoError(t, s.Navigate(ctx, srv.URL+"/"))
	assert.Equal(t, "sid=42; ", eval(t, s, "document.cookie"))

	forms, err := s.Query(ctx, "form")
	require.NoError(t, err)
	require.Len(t, forms, 1)
	assert.Equal(t, "form", forms[0].Tag())

	inputs, err := s.Query(ctx, "//input[@name='user']")
	require.NoError(t, err)
	require.Len(t, inputs, 1)

	eval(t, s, "document.querySelector('input').addEventListener('input', function () { window.typed = this.value })")
	require.NoError(t, inputs[0].Type(ctx, "abc"))
	assert.Equal(t, "abc", eval(t, s, "window.typed"))

	assert.ErrorIs(t, inputs[0].Submit(ctx), ErrNotForm)

	require.NoError(t, forms[0].Submit(ctx))
	select {
	case q := <-submitted:
		assert.Equal(t, "user=abc", q)
	case <-time.After(2 * time.Second):
		t.Fatal("form was not sent")
	}

	eval(t, s, "document.forms[0].addEventListener('submit', function (e) { e.preventDefault(); window.blocked = true })")
	require.NoError(t, forms[0].Submit(ctx))
	assert.Equal(t, true, eval(t, s, "window.blocked"))
	select {
	case q := <-submitted:
		t.Fatalf("prevented submit was sent: %s", q)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClose(t *testing.T) {
	pool := NewPool(1)
	host := NewHost(Options{}, netclient.Offline{}, nil, pool, nil)
	s, err := host.Launch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, host.Stats().InUse)

	eval(t, s, "setInterval(function () {}, 10)")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, host.Stats().InUse)

	_, err = s.Evaluate(context.Background(), "1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPool(t *testing.T) {
	pool := NewPool(1)
	release, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Equal(t, 0, pool.Stats().InUse)

	require.NoError(t, pool.Close())
	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

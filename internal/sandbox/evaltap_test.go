package sandbox

import (
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedScripting struct {
	Scripting
	code []string
}

func (r *recordedScripting) Eval(code string) {
	r.code = append(r.code, code)
	r.Scripting.Eval(code)
}

func TestEvalSites(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want int
	}{
		{"direct", `eval("1")`, 1},
		{"nested", `eval(eval("1"))`, 2},
		{"inside function", `function f() { return eval(x) }`, 1},
		{"global alias", `window.eval("1"); self.eval("2"); globalThis.eval("3")`, 3},
		{"this", `this.eval("1")`, 1},
		{"no arguments", `eval()`, 0},
		{"other method", `obj.eval("1"); evaluate("1")`, 0},
		{"spread", `eval(...args)`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prg, err := goja.Parse("", tt.src, parser.WithDisableSourceMaps)
			require.NoError(t, err)
			assert.Len(t, evalSites(prg), tt.want)
		})
	}
}

func TestRouteText(t *testing.T) {
	s := newTestSession(t, nil)
	tap := s.evalTap

	tests := []struct {
		name string
		code string
		want string
	}{
		{"direct", `eval("1")`, `eval(` + tap + `("1"))`},
		{"nested", `eval(eval(x))`, `eval(` + tap + `(eval(` + tap + `(x))))`},
		{"extra arguments", `eval(a, b)`, `eval(` + tap + `(a, b))`},
		{"no sites", `1 + 1`, `1 + 1`},
		{"does not parse", `eval("1"`, `eval("1"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := s.routeText(tt.code)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalTap(t *testing.T) {
	s := newTestSession(t, nil)
	rec := &recordedScripting{Scripting: s.Capabilities().Scripting}
	caps := s.Capabilities()
	caps.Scripting = rec
	s.SetCapabilities(caps)

	assert.Equal(t, int64(42), eval(t, s, `(function () { var a = 41; return eval("a + 1") })()`))
	assert.Equal(t, "undefined", eval(t, s, `(function () { eval("var inner = 1") })(); typeof inner`))
	eval(t, s, `setTimeout("eval('window.late = 1')", 0)`)
	eventually(t, s, "window.late", int64(1))

	assert.Equal(t, []string{"a + 1", "var inner = 1", "window.late = 1"}, rec.code)

	desc := `Object.getOwnPropertyDescriptor(this, "` + s.evalTap + `")`
	assert.Equal(t, false, eval(t, s, desc+`.enumerable`))
	assert.Equal(t, false, eval(t, s, desc+`.configurable`))
	assert.True(t, strings.HasPrefix(s.evalTap, "_"))
}

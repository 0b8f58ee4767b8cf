package sandbox

import (
	"reflect"
	"sort"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/unistring"
)

// The intrinsic eval stays in place: a call only keeps direct-eval scope
// when its callee is the intrinsic itself. Instead, the first argument of
// every eval call site is routed through a per-session tap that reports the
// code to the Scripting capability and hands the same string back.

// globalAliases are the names a sample reaches the global object through.
var globalAliases = map[string]bool{
	"window": true, "self": true, "globalThis": true, "top": true, "parent": true, "frames": true,
}

var (
	callExprType = reflect.TypeOf((*ast.CallExpression)(nil))
	fileType     = reflect.TypeOf((*file.File)(nil))
)

// compile parses source and routes its eval call sites through the tap.
// Function source text and error positions are those of the original.
func (s *Session) compile(name, source string) (*goja.Program, error) {
	prg, err := goja.Parse(name, source, parser.WithDisableSourceMaps)
	if err != nil {
		return nil, err
	}
	tap := unistring.String(s.evalTap)
	for _, call := range evalSites(prg) {
		call.ArgumentList = []ast.Expression{&ast.CallExpression{
			Callee:           &ast.Identifier{Name: tap, Idx: call.LeftParenthesis},
			LeftParenthesis:  call.LeftParenthesis,
			ArgumentList:     call.ArgumentList,
			RightParenthesis: call.RightParenthesis,
		}}
	}
	return goja.CompileAST(prg, false)
}

// tapEval is the global behind s.evalTap. Strings are reported and returned
// with their own eval call sites routed through the tap; anything else is
// returned untouched, as eval would.
func (s *Session) tapEval(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	str, ok := arg.(goja.String)
	if !ok {
		return arg
	}
	code := str.String()
	s.Capabilities().Scripting.Eval(code)
	if routed, changed := s.routeText(code); changed {
		return s.vm.ToValue(routed)
	}
	return arg
}

// routeText rewrites the eval call sites of code evaluated at run time.
// Code that does not parse is returned unchanged so eval raises the
// SyntaxError itself.
func (s *Session) routeText(code string) (string, bool) {
	prg, err := goja.Parse("", code, parser.WithDisableSourceMaps)
	if err != nil {
		return code, false
	}
	sites := evalSites(prg)
	if len(sites) == 0 {
		return code, false
	}

	type insertion struct {
		at   int
		text string
	}
	edits := make([]insertion, 0, 2*len(sites))
	for _, call := range sites {
		edits = append(edits,
			insertion{at: int(call.LeftParenthesis), text: s.evalTap + "("},
			insertion{at: int(call.RightParenthesis) - 1, text: ")"},
		)
	}
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].at < edits[j].at })

	var b strings.Builder
	b.Grow(len(code) + len(edits)*(len(s.evalTap)+1))
	last := 0
	for _, e := range edits {
		if e.at < last || e.at > len(code) {
			return code, false
		}
		b.WriteString(code[last:e.at])
		b.WriteString(e.text)
		last = e.at
	}
	b.WriteString(code[last:])
	return b.String(), true
}

// evalSites returns the calls whose first argument reaches eval: eval(...)
// and window.eval(...) through a global alias or this. Calls without
// arguments are skipped since there is nothing to report.
func evalSites(prg *ast.Program) []*ast.CallExpression {
	var sites []*ast.CallExpression
	walk(reflect.ValueOf(prg), make(map[visited]struct{}), func(call *ast.CallExpression) {
		if len(call.ArgumentList) > 0 && callsEval(call.Callee) {
			sites = append(sites, call)
		}
	})
	return sites
}

func callsEval(callee ast.Expression) bool {
	switch c := callee.(type) {
	case *ast.Identifier:
		return c.Name == "eval"
	case *ast.DotExpression:
		if c.Identifier.Name != "eval" {
			return false
		}
		switch left := c.Left.(type) {
		case *ast.Identifier:
			return globalAliases[left.Name.String()]
		case *ast.ThisExpression:
			return true
		}
	}
	return false
}

type visited struct {
	t reflect.Type
	p uintptr
}

// walk visits every call expression reachable from v once.
func walk(v reflect.Value, seen map[visited]struct{}, visit func(*ast.CallExpression)) {
	switch v.Kind() {
	case reflect.Interface:
		if !v.IsNil() {
			walk(v.Elem(), seen, visit)
		}
	case reflect.Pointer:
		if v.IsNil() || v.Type() == fileType {
			return
		}
		key := visited{t: v.Type(), p: v.Pointer()}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		walk(v.Elem(), seen, visit)
		if v.Type() == callExprType && v.CanInterface() {
			visit(v.Interface().(*ast.CallExpression))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			walk(v.Field(i), seen, visit)
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			walk(v.Index(i), seen, visit)
		}
	}
}

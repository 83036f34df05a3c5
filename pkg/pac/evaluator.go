// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package pac

import (
	"context"
	"fmt"
)

// Helpers is the set of native predicates FindProxyForURL can call. The
// evaluator runs in a sandbox with no I/O of its own — everything that
// touches the network or the clock goes through this interface so it can
// be faked in tests and so resolution stays thread-safe.
type Helpers interface {
	IsPlainHostName(host string) bool
	DNSDomainIs(host, domain string) bool
	IsInNet(host, pattern, mask string) bool
	MyIPAddress() string
	DNSResolve(host string) string
	ShExpMatch(str, pattern string) bool
	IsResolvable(host string) bool
	DNSDomainLevels(host string) int
	LocalHostOrDomainIs(host, fqdn string) bool
}

// Script is a parsed, ready-to-evaluate PAC program.
type Script struct {
	prog *program
}

// Compile parses PAC source into a reusable Script.
func Compile(src string) (*Script, error) {
	prog, err := parseProgram(src)
	if err != nil {
		return nil, err
	}
	if _, ok := prog.functions["FindProxyForURL"]; !ok {
		return nil, fmt.Errorf("pac: script has no FindProxyForURL function")
	}
	return &Script{prog: prog}, nil
}

// FindProxyForURL runs the script's FindProxyForURL(url, host), returning
// its raw string return value (e.g. "PROXY a:1; DIRECT"), ready for
// pkg/proxylist to parse.
func (s *Script) FindProxyForURL(ctx context.Context, rawURL, host string, h Helpers) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pac: evaluation panic: %v", r)
		}
	}()

	e := &evalState{prog: s.prog, helpers: h, ctx: ctx}
	env := newEnv(nil)

	fn := s.prog.functions["FindProxyForURL"]
	ret, err := e.callFunc(fn, []Value{stringValue(rawURL), stringValue(host)}, env)
	if err != nil {
		return "", err
	}
	if ret.Kind != ValString {
		return "", fmt.Errorf("pac: FindProxyForURL returned non-string value %q", ret.String())
	}
	return ret.Str, nil
}

type evalState struct {
	prog    *program
	helpers Helpers
	ctx     context.Context
}

// env is a lexical scope chain. PAC scripts rarely nest closures, but
// nested if-blocks still need their own var visibility.
type env struct {
	vars   map[string]Value
	parent *env
}

func newEnv(parent *env) *env {
	return &env{vars: map[string]Value{}, parent: parent}
}

func (e *env) get(name string) (Value, bool) {
	for cur := e; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v, true
		}
	}
	return Value{}, false
}

func (e *env) set(name string, v Value) {
	for cur := e; cur != nil; cur = cur.parent {
		if _, ok := cur.vars[name]; ok {
			cur.vars[name] = v
			return
		}
	}
	e.vars[name] = v
}

func (e *env) declare(name string, v Value) {
	e.vars[name] = v
}

// controlReturn unwinds statement execution when a `return` is hit.
type controlReturn struct {
	value Value
}

func (e *evalState) callFunc(fn *funcDecl, args []Value, outer *env) (Value, error) {
	if err := e.ctx.Err(); err != nil {
		return Value{}, err
	}

	local := newEnv(nil) // PAC functions are top-level; no lexical capture needed.
	for i, p := range fn.params {
		if i < len(args) {
			local.declare(p, args[i])
		} else {
			local.declare(p, undefinedValue)
		}
	}

	ret, err := e.execBlock(fn.body, local)
	if err != nil {
		return Value{}, err
	}
	if ret != nil {
		return *ret, nil
	}
	return undefinedValue, nil
}

// execBlock runs statements in order, returning a non-nil *Value if a
// `return` statement fired.
func (e *evalState) execBlock(stmts []node, sc *env) (*Value, error) {
	for _, s := range stmts {
		ret, err := e.execStmt(s, sc)
		if err != nil {
			return nil, err
		}
		if ret != nil {
			return ret, nil
		}
	}
	return nil, nil
}

func (e *evalState) execStmt(n node, sc *env) (*Value, error) {
	switch s := n.(type) {
	case *varDecl:
		v := undefinedValue
		if s.init != nil {
			var err error
			v, err = e.eval(s.init, sc)
			if err != nil {
				return nil, err
			}
		}
		sc.declare(s.name, v)
		return nil, nil

	case *returnStmt:
		if s.value == nil {
			v := undefinedValue
			return &v, nil
		}
		v, err := e.eval(s.value, sc)
		if err != nil {
			return nil, err
		}
		return &v, nil

	case *ifStmt:
		cond, err := e.eval(s.cond, sc)
		if err != nil {
			return nil, err
		}
		if cond.truthy() {
			return e.execBlock(s.then, newEnv(sc))
		}
		if s.else_ != nil {
			return e.execBlock(s.else_, newEnv(sc))
		}
		return nil, nil

	case *exprStmt:
		_, err := e.eval(s.expr, sc)
		return nil, err

	default:
		return nil, fmt.Errorf("pac: unknown statement %T", n)
	}
}

func (e *evalState) eval(n node, sc *env) (Value, error) {
	switch x := n.(type) {
	case *literal:
		return x.value, nil

	case *identifier:
		if v, ok := sc.get(x.name); ok {
			return v, nil
		}
		return undefinedValue, nil

	case *unary:
		v, err := e.eval(x.x, sc)
		if err != nil {
			return Value{}, err
		}
		switch x.op {
		case "!":
			return boolValue(!v.truthy()), nil
		case "-":
			return numberValue(-v.Number), nil
		}
		return Value{}, fmt.Errorf("pac: unknown unary op %q", x.op)

	case *binary:
		return e.evalBinary(x, sc)

	case *ternary:
		cond, err := e.eval(x.cond, sc)
		if err != nil {
			return Value{}, err
		}
		if cond.truthy() {
			return e.eval(x.then, sc)
		}
		return e.eval(x.else_, sc)

	case *call:
		return e.evalCall(x, sc)

	default:
		return Value{}, fmt.Errorf("pac: unknown expression %T", n)
	}
}

func (e *evalState) evalBinary(b *binary, sc *env) (Value, error) {
	// Short-circuit logical operators.
	if b.op == "&&" || b.op == "||" {
		x, err := e.eval(b.x, sc)
		if err != nil {
			return Value{}, err
		}
		if b.op == "&&" && !x.truthy() {
			return x, nil
		}
		if b.op == "||" && x.truthy() {
			return x, nil
		}
		return e.eval(b.y, sc)
	}

	x, err := e.eval(b.x, sc)
	if err != nil {
		return Value{}, err
	}
	y, err := e.eval(b.y, sc)
	if err != nil {
		return Value{}, err
	}

	switch b.op {
	case "+":
		if x.Kind == ValString || y.Kind == ValString {
			return stringValue(x.String() + y.String()), nil
		}
		return numberValue(x.Number + y.Number), nil
	case "-":
		return numberValue(x.Number - y.Number), nil
	case "*":
		return numberValue(x.Number * y.Number), nil
	case "/":
		return numberValue(x.Number / y.Number), nil
	case "%":
		if y.Number == 0 {
			return numberValue(0), nil
		}
		return numberValue(float64(int64(x.Number) % int64(y.Number))), nil
	case "==", "===":
		return boolValue(valuesEqual(x, y)), nil
	case "!=", "!==":
		return boolValue(!valuesEqual(x, y)), nil
	case "<":
		return compareValues(x, y, func(a, b float64) bool { return a < b }, func(a, b string) bool { return a < b }), nil
	case ">":
		return compareValues(x, y, func(a, b float64) bool { return a > b }, func(a, b string) bool { return a > b }), nil
	case "<=":
		return compareValues(x, y, func(a, b float64) bool { return a <= b }, func(a, b string) bool { return a <= b }), nil
	case ">=":
		return compareValues(x, y, func(a, b float64) bool { return a >= b }, func(a, b string) bool { return a >= b }), nil
	}

	return Value{}, fmt.Errorf("pac: unknown binary op %q", b.op)
}

func valuesEqual(x, y Value) bool {
	if x.Kind == ValString && y.Kind == ValString {
		return x.Str == y.Str
	}
	if x.Kind == ValNumber && y.Kind == ValNumber {
		return x.Number == y.Number
	}
	if x.Kind == ValBool && y.Kind == ValBool {
		return x.Bool == y.Bool
	}
	if (x.Kind == ValNull || x.Kind == ValUndefined) && (y.Kind == ValNull || y.Kind == ValUndefined) {
		return true
	}
	return x.String() == y.String()
}

func compareValues(x, y Value, numCmp func(a, b float64) bool, strCmp func(a, b string) bool) Value {
	if x.Kind == ValNumber && y.Kind == ValNumber {
		return boolValue(numCmp(x.Number, y.Number))
	}
	return boolValue(strCmp(x.String(), y.String()))
}

func (e *evalState) evalCall(c *call, sc *env) (Value, error) {
	if fn, ok := e.prog.functions[c.callee]; ok {
		args, err := e.evalArgs(c.args, sc)
		if err != nil {
			return Value{}, err
		}
		return e.callFunc(fn, args, sc)
	}

	return e.callHelper(c, sc)
}

func (e *evalState) evalArgs(nodes []node, sc *env) ([]Value, error) {
	args := make([]Value, 0, len(nodes))
	for _, n := range nodes {
		v, err := e.eval(n, sc)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

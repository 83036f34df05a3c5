// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package pac

// node is implemented by every statement and expression in the PAC
// subset's AST.
type node interface{}

type program struct {
	functions map[string]*funcDecl
}

type funcDecl struct {
	name   string
	params []string
	body   []node
}

// statements
type varDecl struct {
	name string
	init node // may be nil
}

type returnStmt struct {
	value node // may be nil
}

type ifStmt struct {
	cond       node
	then, else_ []node
}

type exprStmt struct {
	expr node
}

// expressions
type literal struct {
	value Value
}

type identifier struct {
	name string
}

type unary struct {
	op string
	x  node
}

type binary struct {
	op   string
	x, y node
}

type ternary struct {
	cond, then, else_ node
}

type call struct {
	callee string
	args   []node
}

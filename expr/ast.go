package expr

import scxml "github.com/agentflare-ai/scxml-go"

// Node is one node of the parsed expression tree.
type Node interface {
	nodeKind() string
}

// Literal is a constant: number, string, boolean or null.
type Literal struct {
	Val scxml.Value
}

// ArrayLit is an array literal: [e1, e2, ...].
type ArrayLit struct {
	Elems []Node
}

// MapLit is a map literal: {"k": e, ...}. Keys keep source order.
type MapLit struct {
	Keys []string
	Vals []Node
}

// Ident references a variable in the current scope chain.
type Ident struct {
	Name string
}

// Unary is the logical-not operator.
type Unary struct {
	Op string
	X  Node
}

// Binary is one infix operation. All infix operators share a single
// precedence level and associate left.
type Binary struct {
	Op   string
	L, R Node
}

// Member is field access: x.name. On a non-map receiver the evaluator
// falls through to an action call with x as the first argument.
type Member struct {
	X    Node
	Name string
}

// Call is an action invocation: name(args) with X nil, or x.name(args).
type Call struct {
	X    Node // receiver, nil for a top-level call
	Name string
	Args []Node
}

// Index is subscripting: x[i].
type Index struct {
	X Node
	I Node
}

// Assign is `target = value` or `target ?= value`. It is right-associative
// and binds loosest.
type Assign struct {
	Target Node
	Op     string // "=" or "?="
	Val    Node
}

func (*Literal) nodeKind() string  { return "literal" }
func (*ArrayLit) nodeKind() string { return "array" }
func (*MapLit) nodeKind() string   { return "map" }
func (*Ident) nodeKind() string    { return "ident" }
func (*Unary) nodeKind() string    { return "unary" }
func (*Binary) nodeKind() string   { return "binary" }
func (*Member) nodeKind() string   { return "member" }
func (*Call) nodeKind() string     { return "call" }
func (*Index) nodeKind() string    { return "index" }
func (*Assign) nodeKind() string   { return "assign" }

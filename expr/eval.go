package expr

import (
	"fmt"

	scxml "github.com/agentflare-ai/scxml-go"
)

// Scope is a chain of variable frames. The global frame lives at the root;
// foreach bodies push shadowing frames on top.
type Scope struct {
	parent *Scope
	vars   map[string]scxml.Value
}

// NewScope returns an empty global scope.
func NewScope() *Scope {
	return &Scope{vars: make(map[string]scxml.Value)}
}

// Push opens a child frame.
func (s *Scope) Push() *Scope {
	return &Scope{parent: s, vars: make(map[string]scxml.Value)}
}

// Parent returns the enclosing frame, nil at the root.
func (s *Scope) Parent() *Scope { return s.parent }

// Lookup resolves a name through the frame chain.
func (s *Scope) Lookup(name string) (scxml.Value, bool) {
	for f := s; f != nil; f = f.parent {
		if v, ok := f.vars[name]; ok {
			return v, true
		}
	}
	return scxml.None, false
}

// Declare binds a name in this frame, shadowing outer bindings.
func (s *Scope) Declare(name string, v scxml.Value) {
	s.vars[name] = v
}

// Assign overwrites the innermost existing binding of name. It reports
// false when the name is unbound anywhere in the chain.
func (s *Scope) Assign(name string, v scxml.Value) bool {
	for f := s; f != nil; f = f.parent {
		if _, ok := f.vars[name]; ok {
			f.vars[name] = v
			return true
		}
	}
	return false
}

// Env is the evaluation environment of one expression.
type Env struct {
	Scope   *Scope
	Actions *scxml.ActionRegistry
	Actx    *scxml.ActionContext

	// soft suppresses unknown-identifier errors; isDefined arguments are
	// evaluated this way so probing an unset variable is not an error.
	soft bool
}

// Eval evaluates a node. Failures are returned as Error values; callers
// translate those into error.execution platform events.
func (e *Env) Eval(n Node) scxml.Value {
	switch node := n.(type) {
	case *Literal:
		return node.Val

	case *ArrayLit:
		items := make([]scxml.Value, 0, len(node.Elems))
		for _, el := range node.Elems {
			v := e.Eval(el)
			if v.IsError() {
				return v
			}
			items = append(items, v)
		}
		return scxml.NewArray(items...)

	case *MapLit:
		m := scxml.NewMapValue()
		for i, key := range node.Keys {
			v := e.Eval(node.Vals[i])
			if v.IsError() {
				return v
			}
			m.Set(key, v)
		}
		return scxml.NewMap(m)

	case *Ident:
		if v, ok := e.Scope.Lookup(node.Name); ok {
			return v
		}
		if e.soft {
			return scxml.None
		}
		return scxml.NewErrorf("unknown identifier %q", node.Name)

	case *Unary:
		v := e.Eval(node.X)
		if v.IsError() {
			return v
		}
		return scxml.NewBool(!v.Truthy())

	case *Binary:
		return e.evalBinary(node)

	case *Member:
		return e.evalMember(node)

	case *Index:
		return e.evalIndex(node)

	case *Call:
		return e.evalCall(node)

	case *Assign:
		return e.evalAssign(node)

	default:
		return scxml.NewErrorf("cannot evaluate %T", n)
	}
}

// EvalList evaluates an expression list, returning the last value.
func (e *Env) EvalList(nodes []Node) scxml.Value {
	out := scxml.None
	for _, n := range nodes {
		out = e.Eval(n)
		if out.IsError() {
			return out
		}
	}
	return out
}

func (e *Env) evalBinary(node *Binary) scxml.Value {
	l := e.Eval(node.L)
	if l.IsError() {
		return l
	}
	r := e.Eval(node.R)
	if r.IsError() {
		return r
	}
	switch node.Op {
	case "+":
		return l.Add(r)
	case "-":
		return l.Sub(r)
	case "*":
		return l.Mul(r)
	case "/", ":":
		return l.Div(r)
	case "%":
		return l.Mod(r)
	case "==":
		return scxml.NewBool(l.Equal(r))
	case "!=":
		return scxml.NewBool(!l.Equal(r))
	case "<", "<=", ">", ">=":
		cmp, err := l.Compare(r)
		if err != nil {
			return scxml.NewError(err.Error())
		}
		switch node.Op {
		case "<":
			return scxml.NewBool(cmp < 0)
		case "<=":
			return scxml.NewBool(cmp <= 0)
		case ">":
			return scxml.NewBool(cmp > 0)
		default:
			return scxml.NewBool(cmp >= 0)
		}
	case "&", "|":
		if l.Kind() != scxml.KindBoolean || r.Kind() != scxml.KindBoolean {
			return scxml.NewErrorf("operator %s requires boolean operands, got %s and %s",
				node.Op, l.Kind(), r.Kind())
		}
		if node.Op == "&" {
			return scxml.NewBool(l.Bool() && r.Bool())
		}
		return scxml.NewBool(l.Bool() || r.Bool())
	default:
		return scxml.NewErrorf("unknown operator %q", node.Op)
	}
}

// evalMember reads a map field. On a non-map receiver it falls through to
// a method call with the receiver as the only argument, when an action of
// that name is registered.
func (e *Env) evalMember(node *Member) scxml.Value {
	recv := e.Eval(node.X)
	if recv.IsError() {
		return recv
	}
	if recv.Kind() == scxml.KindMap {
		if v, ok := recv.Map().Get(node.Name); ok {
			return v
		}
		if e.soft {
			return scxml.None
		}
		return scxml.NewErrorf("map has no field %q", node.Name)
	}
	if e.Actions != nil {
		if action, ok := e.Actions.Lookup(node.Name); ok {
			return e.invoke(action, recv, nil)
		}
	}
	return scxml.NewErrorf("cannot access field %q on %s", node.Name, recv.Kind())
}

func (e *Env) evalIndex(node *Index) scxml.Value {
	recv := e.Eval(node.X)
	if recv.IsError() {
		return recv
	}
	idx := e.Eval(node.I)
	if idx.IsError() {
		return idx
	}
	switch recv.Kind() {
	case scxml.KindArray:
		if idx.Kind() != scxml.KindInteger {
			return scxml.NewErrorf("array index must be an integer, got %s", idx.Kind())
		}
		items := recv.Array().Items
		i := idx.Int()
		if i < 0 || i >= int64(len(items)) {
			return scxml.NewErrorf("array index %d out of range [0, %d)", i, len(items))
		}
		return items[i]
	case scxml.KindMap:
		if idx.Kind() != scxml.KindString {
			return scxml.NewErrorf("map key must be a string, got %s", idx.Kind())
		}
		if v, ok := recv.Map().Get(idx.Str()); ok {
			return v
		}
		if e.soft {
			return scxml.None
		}
		return scxml.NewErrorf("map has no key %q", idx.Str())
	default:
		return scxml.NewErrorf("cannot index %s", recv.Kind())
	}
}

func (e *Env) evalCall(node *Call) scxml.Value {
	if e.Actions == nil {
		return scxml.NewErrorf("no actions registered, cannot call %q", node.Name)
	}
	action, ok := e.Actions.Lookup(node.Name)
	if !ok {
		return scxml.NewErrorf("unknown action %q", node.Name)
	}

	recv := scxml.None
	if node.X != nil {
		recv = e.Eval(node.X)
		if recv.IsError() {
			return recv
		}
	}

	// isDefined probes bindings, so its arguments resolve softly: an
	// unknown identifier becomes None instead of an error.
	argEnv := e
	if node.Name == "isDefined" {
		soft := *e
		soft.soft = true
		argEnv = &soft
	}
	args := make([]scxml.Value, 0, len(node.Args))
	for _, a := range node.Args {
		v := argEnv.Eval(a)
		if v.IsError() && node.Name != "isDefined" {
			return v
		}
		args = append(args, v)
	}
	return e.invoke(action, recv, args)
}

func (e *Env) invoke(action scxml.Action, recv scxml.Value, args []scxml.Value) scxml.Value {
	out, err := action(recv, args, e.Actx)
	if err != nil {
		return scxml.NewError(err.Error())
	}
	return out
}

func (e *Env) evalAssign(node *Assign) scxml.Value {
	val := e.Eval(node.Val)
	if val.IsError() {
		return val
	}
	if err := e.AssignTo(node.Target, node.Op, val); err != nil {
		return scxml.NewError(err.Error())
	}
	return val
}

// AssignTo writes val into the location denoted by target. `=` requires
// the location to exist; `?=` creates bindings and map keys as needed.
func (e *Env) AssignTo(target Node, op string, val scxml.Value) error {
	switch t := target.(type) {
	case *Ident:
		if op == "?=" {
			if !e.Scope.Assign(t.Name, val) {
				e.Scope.Declare(t.Name, val)
			}
			return nil
		}
		if !e.Scope.Assign(t.Name, val) {
			return fmt.Errorf("assignment to undeclared variable %q", t.Name)
		}
		return nil

	case *Member:
		recv := e.Eval(t.X)
		if recv.IsError() {
			return fmt.Errorf("%s", recv.Str())
		}
		if recv.Kind() != scxml.KindMap {
			return fmt.Errorf("cannot assign field %q on %s", t.Name, recv.Kind())
		}
		if op == "=" {
			if _, ok := recv.Map().Get(t.Name); !ok {
				return fmt.Errorf("map has no field %q", t.Name)
			}
		}
		recv.Map().Set(t.Name, val)
		return nil

	case *Index:
		recv := e.Eval(t.X)
		if recv.IsError() {
			return fmt.Errorf("%s", recv.Str())
		}
		idx := e.Eval(t.I)
		if idx.IsError() {
			return fmt.Errorf("%s", idx.Str())
		}
		switch recv.Kind() {
		case scxml.KindArray:
			if idx.Kind() != scxml.KindInteger {
				return fmt.Errorf("array index must be an integer, got %s", idx.Kind())
			}
			items := recv.Array().Items
			i := idx.Int()
			if i < 0 || i >= int64(len(items)) {
				return fmt.Errorf("array index %d out of range [0, %d)", i, len(items))
			}
			items[i] = val
			return nil
		case scxml.KindMap:
			if idx.Kind() != scxml.KindString {
				return fmt.Errorf("map key must be a string, got %s", idx.Kind())
			}
			if op == "=" {
				if _, ok := recv.Map().Get(idx.Str()); !ok {
					return fmt.Errorf("map has no key %q", idx.Str())
				}
			}
			recv.Map().Set(idx.Str(), val)
			return nil
		default:
			return fmt.Errorf("cannot index %s", recv.Kind())
		}

	default:
		return fmt.Errorf("target is not assignable")
	}
}

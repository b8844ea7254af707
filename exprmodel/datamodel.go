// Package exprmodel implements the scxml.DataModel contract on top of the
// bundled expression language. It is registered under the datamodel name
// "expression".
package exprmodel

import (
	"context"
	"fmt"
	"sync"

	scxml "github.com/agentflare-ai/scxml-go"
	"github.com/agentflare-ai/scxml-go/expr"
)

// Name is the datamodel attribute value this model registers under.
const Name = "expression"

// Register makes the expression data model available to sessions. Hosts
// call it once at startup, typically from main or a test helper.
func Register() {
	scxml.RegisterDataModel(Name, Loader())
}

// Loader returns the DataModelLoader for the expression model.
func Loader() scxml.DataModelLoader {
	return func(ctx context.Context, env *scxml.DataModelEnv) (scxml.DataModel, error) {
		if env == nil {
			return nil, fmt.Errorf("exprmodel: nil environment")
		}
		m := &dataModel{
			env:    env,
			global: expr.NewScope(),
			cache:  make(map[string][]expr.Node),
		}
		m.current = m.global
		return m, nil
	}
}

// dataModel holds the variable scope chain of one session. It is used only
// from the session worker, so no locking beyond the parse cache is needed.
type dataModel struct {
	env     *scxml.DataModelEnv
	global  *expr.Scope
	current *expr.Scope

	cacheMu sync.Mutex
	cache   map[string][]expr.Node
}

var _ scxml.DataModel = (*dataModel)(nil)

func (m *dataModel) parse(expression string) ([]expr.Node, error) {
	m.cacheMu.Lock()
	nodes, ok := m.cache[expression]
	m.cacheMu.Unlock()
	if ok {
		return nodes, nil
	}
	nodes, err := expr.Parse(expression)
	if err != nil {
		return nil, &scxml.PlatformError{
			EventName: "error.execution",
			Message:   fmt.Sprintf("parse %q", expression),
			Cause:     err,
		}
	}
	m.cacheMu.Lock()
	m.cache[expression] = nodes
	m.cacheMu.Unlock()
	return nodes, nil
}

func (m *dataModel) newEnv(ctx context.Context) *expr.Env {
	return &expr.Env{
		Scope:   m.current,
		Actions: m.env.Actions,
		Actx: &scxml.ActionContext{
			Ctx:       ctx,
			SessionID: m.env.SessionID,
			DataModel: m,
			Logger:    m.env.Logger,
			In:        m.env.In,
		},
	}
}

func (m *dataModel) InitializeGlobal(ctx context.Context) error {
	m.global.Declare(scxml.SessionIDSystemVariable, scxml.NewString(m.env.SessionID))
	m.global.Declare(scxml.NameSystemVariable, scxml.NewString(m.env.SessionName))
	procs := scxml.NewMapValue()
	if m.env.IOProcessorLocations != nil {
		for uri, loc := range m.env.IOProcessorLocations(ctx) {
			entry := scxml.NewMapValue()
			entry.Set("location", scxml.NewString(loc))
			procs.Set(uri, scxml.NewMap(entry))
		}
	}
	m.global.Declare(scxml.IOProcessorsSystemVariable, scxml.NewMap(procs))
	m.global.Declare(scxml.EventSystemVariable, scxml.Null)
	return nil
}

func (m *dataModel) DeclareData(ctx context.Context, d scxml.Data) error {
	if _, ok := m.global.Lookup(d.ID); ok {
		return nil
	}
	if d.Src != "" {
		return &scxml.PlatformError{
			EventName: "error.execution",
			Message:   fmt.Sprintf("data %q: src loading is not supported by the expression model", d.ID),
		}
	}
	v := scxml.Null
	switch {
	case d.Expr != "":
		var err error
		v, err = m.EvaluateValue(ctx, d.Expr)
		if err != nil {
			// Per SCXML 5.3 the variable is still created, unbound.
			m.global.Declare(d.ID, scxml.None)
			return err
		}
	case d.Content != "":
		// Inline content is parsed as an expression literal when it is
		// one, otherwise kept as a string.
		if nodes, err := m.parse(d.Content); err == nil {
			if out := m.newEnv(ctx).EvalList(nodes); !out.IsError() {
				v = out
				break
			}
		}
		v = scxml.NewString(d.Content)
	}
	m.global.Declare(d.ID, v)
	return nil
}

func (m *dataModel) EvaluateValue(ctx context.Context, expression string) (scxml.Value, error) {
	nodes, err := m.parse(expression)
	if err != nil {
		return scxml.None, err
	}
	out := m.newEnv(ctx).EvalList(nodes)
	if out.IsError() {
		return out, &scxml.PlatformError{
			EventName: "error.execution",
			Message:   out.Str(),
		}
	}
	return out, nil
}

func (m *dataModel) EvaluateCondition(ctx context.Context, expression string) (bool, error) {
	v, err := m.EvaluateValue(ctx, expression)
	if err != nil {
		return false, err
	}
	if v.Kind() == scxml.KindBoolean {
		return v.Bool(), nil
	}
	return v.Truthy(), nil
}

// location is a parsed assignable expression.
type location struct {
	src   string
	nodes []expr.Node
}

func (l *location) Describe() string { return l.src }

func (m *dataModel) EvaluateLocation(ctx context.Context, locExpr string) (scxml.Location, error) {
	nodes, err := m.parse(locExpr)
	if err != nil {
		return nil, err
	}
	if len(nodes) != 1 {
		return nil, &scxml.PlatformError{
			EventName: "error.execution",
			Message:   fmt.Sprintf("location %q must be a single expression", locExpr),
		}
	}
	switch nodes[0].(type) {
	case *expr.Ident, *expr.Member, *expr.Index:
		return &location{src: locExpr, nodes: nodes}, nil
	default:
		return nil, &scxml.PlatformError{
			EventName: "error.execution",
			Message:   fmt.Sprintf("location %q is not assignable", locExpr),
		}
	}
}

func (m *dataModel) Assign(ctx context.Context, loc scxml.Location, value scxml.Value) error {
	l, ok := loc.(*location)
	if !ok {
		return &scxml.PlatformError{
			EventName: "error.execution",
			Message:   fmt.Sprintf("foreign location %T", loc),
		}
	}
	if err := m.newEnv(ctx).AssignTo(l.nodes[0], "=", value); err != nil {
		return &scxml.PlatformError{
			EventName: "error.execution",
			Message:   fmt.Sprintf("assign to %q", l.src),
			Cause:     err,
		}
	}
	return nil
}

func (m *dataModel) SetVariable(ctx context.Context, id string, value scxml.Value) error {
	m.current.Declare(id, value)
	return nil
}

func (m *dataModel) GetVariable(ctx context.Context, id string) (scxml.Value, error) {
	if v, ok := m.current.Lookup(id); ok {
		return v, nil
	}
	return scxml.None, &scxml.PlatformError{
		EventName: "error.execution",
		Message:   fmt.Sprintf("unknown variable %q", id),
	}
}

func (m *dataModel) SetCurrentEvent(ctx context.Context, event *scxml.Event) error {
	if event == nil {
		m.global.Declare(scxml.EventSystemVariable, scxml.Null)
		return nil
	}
	ev := scxml.NewMapValue()
	ev.Set("name", scxml.NewString(event.Name))
	ev.Set("type", scxml.NewString(string(event.Type)))
	ev.Set("sendid", scxml.NewString(event.SendID))
	ev.Set("origin", scxml.NewString(event.Origin))
	ev.Set("origintype", scxml.NewString(event.OriginType))
	ev.Set("invokeid", scxml.NewString(event.InvokeID))
	ev.Set("data", event.Data)
	m.global.Declare(scxml.EventSystemVariable, scxml.NewMap(ev))
	return nil
}

// ExecuteScript evaluates the script body as an expression list. The
// expression model is deliberately not Turing-complete; scripts are just
// sequences of expressions and assignments.
func (m *dataModel) ExecuteScript(ctx context.Context, script string) error {
	if script == "" {
		return nil
	}
	_, err := m.EvaluateValue(ctx, script)
	return err
}

func (m *dataModel) PushScope(ctx context.Context) {
	m.current = m.current.Push()
}

func (m *dataModel) PopScope(ctx context.Context) {
	if parent := m.current.Parent(); parent != nil {
		m.current = parent
	}
}

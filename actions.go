package scxml

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// ActionContext is handed to every Action invocation. It exposes the
// calling session's configuration (for In), its data model and its logger.
type ActionContext struct {
	Ctx       context.Context
	SessionID string
	DataModel DataModel
	Logger    *slog.Logger
	// In reports whether the named state is in the current configuration.
	In func(stateID string) bool
}

// Action is a callable registered by name. recv is the receiver of a
// method-style call (a.b(args)) or None for a plain call (b(args)).
type Action func(recv Value, args []Value, actx *ActionContext) (Value, error)

// ActionRegistry maps action names to callables. It ships the built-ins
// abs, length, isDefined, indexOf and In; hosts add their own through
// Register. Lookups during evaluation are read-mostly.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewActionRegistry returns a registry preloaded with the built-ins.
func NewActionRegistry() *ActionRegistry {
	r := &ActionRegistry{actions: make(map[string]Action)}
	r.Register("abs", builtinAbs)
	r.Register("length", builtinLength)
	r.Register("isDefined", builtinIsDefined)
	r.Register("indexOf", builtinIndexOf)
	r.Register("In", builtinIn)
	return r
}

// Register adds or replaces an action.
func (r *ActionRegistry) Register(name string, a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = a
}

// Lookup resolves an action by name.
func (r *ActionRegistry) Lookup(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the registered action names.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	return names
}

// allArgs folds the receiver into the argument list: for a.b(x) the action
// sees (a, x); for b(x) it sees (x).
func allArgs(recv Value, args []Value) []Value {
	if recv.IsNone() {
		return args
	}
	return append([]Value{recv}, args...)
}

func builtinAbs(recv Value, args []Value, _ *ActionContext) (Value, error) {
	in := allArgs(recv, args)
	if len(in) != 1 {
		return NewError("abs expects one argument"), nil
	}
	switch v := in[0]; v.Kind() {
	case KindInteger:
		if v.Int() < 0 {
			return NewInt(-v.Int()), nil
		}
		return v, nil
	case KindDouble:
		if v.Float() < 0 {
			return NewDouble(-v.Float()), nil
		}
		return v, nil
	default:
		return NewErrorf("abs undefined for %s", v.Kind()), nil
	}
}

func builtinLength(recv Value, args []Value, _ *ActionContext) (Value, error) {
	in := allArgs(recv, args)
	if len(in) != 1 {
		return NewError("length expects one argument"), nil
	}
	n, err := in[0].Length()
	if err != nil {
		return NewError(err.Error()), nil
	}
	return NewInt(n), nil
}

// builtinIsDefined reports whether its argument resolved to a value. The
// evaluator resolves the argument in soft mode, so an unknown identifier
// arrives here as None instead of raising error.execution.
func builtinIsDefined(recv Value, args []Value, _ *ActionContext) (Value, error) {
	in := allArgs(recv, args)
	if len(in) != 1 {
		return NewError("isDefined expects one argument"), nil
	}
	v := in[0]
	return NewBool(!v.IsNone() && !v.IsError()), nil
}

func builtinIndexOf(recv Value, args []Value, _ *ActionContext) (Value, error) {
	in := allArgs(recv, args)
	if len(in) != 2 {
		return NewError("indexOf expects a container and an item"), nil
	}
	container, item := in[0], in[1]
	switch container.Kind() {
	case KindArray:
		for i, el := range container.Array().Items {
			if el.Equal(item) {
				return NewInt(int64(i)), nil
			}
		}
		return NewInt(-1), nil
	case KindString:
		if item.Kind() != KindString {
			return NewErrorf("indexOf on a string needs a string, got %s", item.Kind()), nil
		}
		return NewInt(int64(strings.Index(container.Str(), item.Str()))), nil
	default:
		return NewErrorf("indexOf undefined for %s", container.Kind()), nil
	}
}

// builtinIn is the In(stateID) predicate of SCXML 5.9.2, consulting the
// owning session's configuration through the ActionContext.
func builtinIn(recv Value, args []Value, actx *ActionContext) (Value, error) {
	in := allArgs(recv, args)
	if len(in) != 1 || in[0].Kind() != KindString {
		return NewError("In expects a state id string"), nil
	}
	if actx == nil || actx.In == nil {
		return NewBool(false), nil
	}
	return NewBool(actx.In(in[0].Str())), nil
}

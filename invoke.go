package scxml

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// scxmlInvokeTypes are accepted in the type attribute of <invoke>.
var scxmlInvokeTypes = map[string]bool{
	"":      true,
	"scxml": true,
	"http://www.w3.org/TR/scxml/": true,
}

// runInvoke starts one invocation declared on a state. Called only at
// stable rest, after the macrostep that entered the state completed with
// the state still active (W3C 6.4).
func (s *Session) runInvoke(ctx context.Context, stateIdx int, inv *Invoke) {
	ctx, span := s.tracer.Start(ctx, "scxml.invoke",
		trace.WithAttributes(attribute.String("scxml.state", s.doc.States[stateIdx].DocID)))
	defer span.End()

	typeURI, err := s.evalStringAttr(ctx, inv.TypeURI, inv.TypeExpr)
	if err != nil {
		s.raiseError(err)
		return
	}
	if !scxmlInvokeTypes[typeURI] {
		s.raiseError(&PlatformError{
			EventName: "error.execution",
			Message:   fmt.Sprintf("unsupported invoke type %q", typeURI),
		})
		return
	}

	invokeID := inv.ID
	if invokeID == "" {
		invokeID = s.doc.States[stateIdx].DocID + "." + uuid.NewString()
	}
	if inv.IDLocation != "" {
		loc, err := s.dm.EvaluateLocation(ctx, inv.IDLocation)
		if err != nil {
			s.raiseError(err)
			return
		}
		if err := s.dm.Assign(ctx, loc, NewString(invokeID)); err != nil {
			s.raiseError(err)
			return
		}
	}

	childDoc, err := s.resolveInvokeDocument(ctx, inv)
	if err != nil {
		s.raiseError(err)
		return
	}

	// Params and namelist seed the child's data model before binding.
	seed := make(map[string]Value)
	for _, locName := range inv.NameList {
		v, err := s.dm.EvaluateValue(ctx, locName)
		if err != nil {
			s.raiseError(err)
			return
		}
		seed[locName] = v
	}
	for _, p := range inv.Params {
		var v Value
		if p.Expr != "" {
			v, err = s.dm.EvaluateValue(ctx, p.Expr)
		} else {
			v, err = s.dm.EvaluateValue(ctx, p.Location)
		}
		if err != nil {
			s.raiseError(err)
			return
		}
		seed[p.Name] = v
	}

	child, err := Start(ctx, childDoc,
		WithLogger(s.logger),
		WithClock(s.clock),
		WithRegistry(s.registry),
		WithActions(s.actions),
		WithInitialData(seed),
		WithInvokeLoader(s.invokeLoader),
		withParent(s, invokeID),
	)
	if err != nil {
		s.raiseError(&PlatformError{
			EventName: "error.communication",
			Message:   fmt.Sprintf("invoke %q failed to start", invokeID),
			Cause:     err,
		})
		return
	}

	s.invokedMu.Lock()
	s.invoked[invokeID] = child
	s.invokedBy[stateIdx] = append(s.invokedBy[stateIdx], invokeID)
	s.invokeDecl[invokeID] = inv
	s.invokedMu.Unlock()
}

func (s *Session) resolveInvokeDocument(ctx context.Context, inv *Invoke) (*Document, error) {
	if inv.Content != nil && inv.Content.Document != nil {
		return inv.Content.Document, nil
	}
	src, err := s.evalStringAttr(ctx, inv.Src, inv.SrcExpr)
	if err != nil {
		return nil, err
	}
	if src == "" {
		return nil, &PlatformError{
			EventName: "error.execution",
			Message:   "invoke has neither inline content nor src",
		}
	}
	if s.invokeLoader == nil {
		return nil, &PlatformError{
			EventName: "error.execution",
			Message:   fmt.Sprintf("no loader configured for invoke src %q", src),
		}
	}
	doc, err := s.invokeLoader(ctx, src)
	if err != nil {
		return nil, &PlatformError{
			EventName: "error.communication",
			Message:   fmt.Sprintf("loading invoke src %q failed", src),
			Cause:     err,
		}
	}
	return doc, nil
}

// cancelInvokesOf terminates every session invoked by the given state.
// A cancelled child does not report done.invoke to this session.
func (s *Session) cancelInvokesOf(ctx context.Context, stateIdx int) {
	s.invokedMu.Lock()
	ids := s.invokedBy[stateIdx]
	delete(s.invokedBy, stateIdx)
	children := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.invoked[id]; ok {
			children = append(children, c)
			delete(s.invoked, id)
		}
		delete(s.invokeDecl, id)
	}
	s.invokedMu.Unlock()
	for _, child := range children {
		_ = child.Stop(ctx)
	}
}

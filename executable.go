package scxml

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// executeBlock runs one executable block. Any failure raises the matching
// platform error event and aborts the block: later siblings are skipped,
// but the surrounding microstep continues. A foreach over a non-iterable
// is the one non-aborting failure (SCXML 4.6).
func (s *Session) executeBlock(ctx context.Context, block []Executable) {
	for _, item := range block {
		if err := s.executeItem(ctx, item); err != nil {
			s.raiseError(err)
			return
		}
	}
}

func (s *Session) executeItem(ctx context.Context, item Executable) error {
	switch n := item.(type) {
	case *Raise:
		s.raiseFromWorker(&Event{Name: n.Event})
		return nil
	case *Send:
		return s.executeSend(ctx, n)
	case *Cancel:
		return s.executeCancel(ctx, n)
	case *Assign:
		return s.executeAssign(ctx, n)
	case *Log:
		return s.executeLog(ctx, n)
	case *If:
		return s.executeIf(ctx, n)
	case *Foreach:
		return s.executeForeach(ctx, n)
	case *ScriptAction:
		return s.dm.ExecuteScript(ctx, n.Content)
	default:
		return fmt.Errorf("unknown executable content %T", item)
	}
}

func (s *Session) executeLog(ctx context.Context, n *Log) error {
	message := ""
	if n.Expr != "" {
		v, err := s.dm.EvaluateValue(ctx, n.Expr)
		if err != nil {
			return err
		}
		if v.Kind() == KindString {
			message = v.Str()
		} else {
			message = v.String()
		}
	}
	s.logger.Info("scxml log",
		"label", n.Label,
		"message", message,
		"session", s.id,
	)
	if s.logHook != nil {
		s.logHook(n.Label, message)
	}
	return nil
}

func (s *Session) executeAssign(ctx context.Context, n *Assign) error {
	loc, err := s.dm.EvaluateLocation(ctx, n.Location)
	if err != nil {
		return err
	}
	var v Value
	if n.Expr != "" {
		v, err = s.dm.EvaluateValue(ctx, n.Expr)
		if err != nil {
			return err
		}
	} else {
		v = NewString(n.Content)
	}
	return s.dm.Assign(ctx, loc, v)
}

func (s *Session) executeIf(ctx context.Context, n *If) error {
	for _, branch := range n.Branches {
		ok, err := s.dm.EvaluateCondition(ctx, branch.Cond)
		if err != nil {
			return err
		}
		if ok {
			return s.executeNested(ctx, branch.Body)
		}
	}
	return s.executeNested(ctx, n.Else)
}

// executeNested runs a nested body, propagating the first failure so the
// enclosing block aborts as a whole.
func (s *Session) executeNested(ctx context.Context, body []Executable) error {
	for _, item := range body {
		if err := s.executeItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) executeForeach(ctx context.Context, n *Foreach) error {
	v, err := s.dm.EvaluateValue(ctx, n.Array)
	if err != nil {
		return err
	}
	if v.Kind() != KindArray {
		// Non-iterable: raise error.execution, skip the foreach, and let
		// the following siblings in the block run.
		s.raiseError(&PlatformError{
			EventName: "error.execution",
			Message:   fmt.Sprintf("foreach array is %s, not an array", v.Kind()),
		})
		return nil
	}

	// Iterate over a snapshot so body mutations of the array do not
	// affect the iteration (W3C 4.6).
	items := append([]Value(nil), v.Array().Items...)
	s.dm.PushScope(ctx)
	defer s.dm.PopScope(ctx)
	for i, item := range items {
		if err := s.dm.SetVariable(ctx, n.Item, item); err != nil {
			return err
		}
		if n.Index != "" {
			if err := s.dm.SetVariable(ctx, n.Index, NewInt(int64(i))); err != nil {
				return err
			}
		}
		if err := s.executeNested(ctx, n.Body); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) executeCancel(ctx context.Context, n *Cancel) error {
	sendID := n.SendID
	if n.SendIDExpr != "" {
		v, err := s.dm.EvaluateValue(ctx, n.SendIDExpr)
		if err != nil {
			return err
		}
		sendID = v.Str()
	}
	if sendID == "" {
		return &PlatformError{EventName: "error.execution", Message: "cancel without sendid"}
	}
	s.scheduler.Cancel(sendID)
	return nil
}

// evalStringAttr resolves a static attribute / expression attribute pair.
func (s *Session) evalStringAttr(ctx context.Context, static, expr string) (string, error) {
	if expr == "" {
		return static, nil
	}
	v, err := s.dm.EvaluateValue(ctx, expr)
	if err != nil {
		return "", err
	}
	if v.Kind() == KindString {
		return v.Str(), nil
	}
	return v.String(), nil
}

func (s *Session) executeSend(ctx context.Context, n *Send) error {
	name, err := s.evalStringAttr(ctx, n.Event, n.EventExpr)
	if err != nil {
		return err
	}
	target, err := s.evalStringAttr(ctx, n.Target, n.TargetExpr)
	if err != nil {
		return err
	}
	typeURI, err := s.evalStringAttr(ctx, n.TypeURI, n.TypeExpr)
	if err != nil {
		return err
	}
	delaySpec, err := s.evalStringAttr(ctx, n.Delay, n.DelayExpr)
	if err != nil {
		return err
	}
	delay, err := parseDelay(delaySpec)
	if err != nil {
		// An unparseable delay is a timer failure surfaced as error.execution.
		return &PlatformError{EventName: "error.execution", Message: err.Error(), Cause: err}
	}

	sendID := n.SendID
	if sendID == "" {
		sendID = uuid.NewString()
	}
	if n.IDLocation != "" {
		loc, err := s.dm.EvaluateLocation(ctx, n.IDLocation)
		if err != nil {
			return err
		}
		if err := s.dm.Assign(ctx, loc, NewString(sendID)); err != nil {
			return err
		}
	}

	data, err := s.buildPayload(ctx, n.NameList, n.Params, n.Content)
	if err != nil {
		return err
	}

	processor, ok := s.resolveProcessor(typeURI)
	if !ok {
		return &PlatformError{
			EventName: "error.communication",
			Message:   fmt.Sprintf("no I/O processor for type %q", typeURI),
		}
	}
	origin, _ := processor.Location(ctx)

	ev := &Event{
		Name:       name,
		Type:       EventTypeExternal,
		Data:       data,
		Origin:     origin,
		OriginType: processor.Type(),
		SendID:     sendID,
		Target:     target,
		TargetType: processor.Type(),
		Timestamp:  s.clock.Now(),
	}

	if delay > 0 {
		if target == "#_internal" {
			return &PlatformError{
				EventName: "error.execution",
				Message:   "delayed send cannot target #_internal",
			}
		}
		s.scheduler.Schedule(sendID, delay, ev, func(delayed *Event) {
			if err := processor.Handle(context.WithoutCancel(ctx), delayed); err != nil {
				// The worker may be blocked at stable rest; surface the
				// failure as a platform event through the external queue.
				s.deliverPlatformError(err)
			}
		})
		return nil
	}
	return processor.Handle(ctx, ev)
}

// resolveProcessor maps a send type attribute to a registered processor.
func (s *Session) resolveProcessor(typeURI string) (IOProcessor, bool) {
	if scxmlProcessorAliases[typeURI] {
		return s.processors[SCXMLProcessorURI], true
	}
	p, ok := s.processors[typeURI]
	return p, ok
}

// deliverPlatformError enqueues an error event from outside the worker.
func (s *Session) deliverPlatformError(err error) {
	name := "error.communication"
	if pe, ok := err.(*PlatformError); ok && pe.EventName != "" {
		name = pe.EventName
	}
	data := NewMapValue()
	data.Set("message", NewString(err.Error()))
	_ = s.enqueueExternal(&Event{
		Name:      name,
		Type:      EventTypeExternal,
		Data:      NewMap(data),
		Timestamp: s.clock.Now(),
	})
}

// buildPayload assembles event data from namelist, params and content in
// that precedence: content wins, then params+namelist merge into a map.
func (s *Session) buildPayload(ctx context.Context, nameList []string, params []Param, content *Content) (Value, error) {
	if content != nil {
		if content.Expr != "" {
			return s.dm.EvaluateValue(ctx, content.Expr)
		}
		if content.Document != nil {
			return NewSource(content.Body, "application/scxml+xml"), nil
		}
		return NewString(content.Body), nil
	}
	if len(nameList) == 0 && len(params) == 0 {
		return None, nil
	}
	m := NewMapValue()
	for _, loc := range nameList {
		v, err := s.dm.EvaluateValue(ctx, loc)
		if err != nil {
			return None, err
		}
		m.Set(loc, v)
	}
	for _, p := range params {
		var v Value
		var err error
		if p.Expr != "" {
			v, err = s.dm.EvaluateValue(ctx, p.Expr)
		} else {
			v, err = s.dm.EvaluateValue(ctx, p.Location)
		}
		if err != nil {
			return None, err
		}
		m.Set(p.Name, v)
	}
	return NewMap(m), nil
}

// evaluateDoneData builds the payload of a done.state event.
func (s *Session) evaluateDoneData(ctx context.Context, dd *DoneData) Value {
	if dd == nil {
		return None
	}
	v, err := s.buildPayload(ctx, nil, dd.Params, dd.Content)
	if err != nil {
		s.raiseError(err)
		return None
	}
	return v
}

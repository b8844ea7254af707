package scxml

import (
	"context"
	"fmt"
	"strings"
)

// SCXMLProcessorURI identifies the SCXML Event I/O Processor (W3C C.1).
const SCXMLProcessorURI = "http://www.w3.org/TR/scxml/#SCXMLEventProcessor"

// scxmlProcessorAliases are accepted in the type attribute of <send>.
var scxmlProcessorAliases = map[string]bool{
	"":                 true,
	"scxml":            true,
	SCXMLProcessorURI:  true,
}

// scxmlProcessor is the built-in SCXML Event I/O Processor. It routes
// #_internal, #_parent, #_<invokeid>, #_scxml_<sessionid> and the implicit
// same-session target. Everything it cannot resolve is a communication
// error raised in the originating session.
type scxmlProcessor struct {
	session *Session
}

func (p *scxmlProcessor) Type() string { return SCXMLProcessorURI }

func (p *scxmlProcessor) Location(ctx context.Context) (string, error) {
	return "#_scxml_" + p.session.SessionID(), nil
}

func (p *scxmlProcessor) Shutdown(ctx context.Context) error { return nil }

func (p *scxmlProcessor) Handle(ctx context.Context, event *Event) error {
	target := event.Target
	switch {
	case target == "":
		// Implicit target: the sending session's own external queue.
		event.Type = EventTypeExternal
		return p.session.enqueueExternal(event)

	case target == "#_internal":
		// Only reachable from the session worker: <send target="#_internal">
		// executes inline, and delayed sends must not use this target.
		event.Type = EventTypeInternal
		p.session.raiseFromWorker(event)
		return nil

	case target == "#_parent":
		parent := p.session.parent
		if parent == nil {
			return &PlatformError{
				EventName: "error.communication",
				Message:   "send target #_parent but session has no parent",
			}
		}
		event.Type = EventTypeExternal
		event.InvokeID = p.session.invokeID
		return deliverTo(ctx, parent, event)

	case strings.HasPrefix(target, "#_scxml_"):
		sessionID := strings.TrimPrefix(target, "#_scxml_")
		dest, ok := p.session.registry.Lookup(sessionID)
		if !ok {
			return &PlatformError{
				EventName: "error.communication",
				Message:   fmt.Sprintf("no session %q for send target %q", sessionID, target),
			}
		}
		event.Type = EventTypeExternal
		return deliverTo(ctx, dest, event)

	case strings.HasPrefix(target, "#_"):
		invokeID := strings.TrimPrefix(target, "#_")
		child, ok := p.session.invokedChild(invokeID)
		if !ok {
			return &PlatformError{
				EventName: "error.communication",
				Message:   fmt.Sprintf("no invoked session %q for send target %q", invokeID, target),
			}
		}
		event.Type = EventTypeExternal
		return deliverTo(ctx, child, event)

	default:
		return &PlatformError{
			EventName: "error.communication",
			Message:   fmt.Sprintf("unsupported send target %q", target),
		}
	}
}

// deliverTo hands an event to another session, translating a closed queue
// into a communication error for the sender.
func deliverTo(ctx context.Context, dest Interpreter, event *Event) error {
	if err := dest.Send(ctx, event); err != nil {
		return &PlatformError{
			EventName: "error.communication",
			Message:   fmt.Sprintf("delivery to session %s failed", dest.SessionID()),
			Cause:     err,
		}
	}
	return nil
}

var _ IOProcessor = (*scxmlProcessor)(nil)

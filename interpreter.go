package scxml

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agentflare-ai/scxml-go"

// cancelEventName is the sentinel delivered by Stop. It never matches a
// transition descriptor because session worker consumes it first.
const cancelEventName = "scxml.session.cancel"

var dataModelLoaders = struct {
	mu      sync.RWMutex
	loaders map[string]DataModelLoader
}{loaders: make(map[string]DataModelLoader)}

// RegisterDataModel makes a data model loader available under the name
// used in the datamodel attribute of <scxml> (e.g. "expression",
// "ecmascript"). The expression model registers itself via its package's
// Register helper; hosts register alternatives the same way.
func RegisterDataModel(name string, loader DataModelLoader) {
	dataModelLoaders.mu.Lock()
	defer dataModelLoaders.mu.Unlock()
	dataModelLoaders.loaders[name] = loader
}

func lookupDataModel(name string) (DataModelLoader, bool) {
	dataModelLoaders.mu.RLock()
	defer dataModelLoaders.mu.RUnlock()
	l, ok := dataModelLoaders.loaders[name]
	return l, ok
}

// Options configure one session.
type Option func(*Session)

// WithLogger sets the session logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// WithClock substitutes the session clock, e.g. a MockClock in tests.
func WithClock(c Clock) Option { return func(s *Session) { s.clock = c } }

// WithRegistry places the session in a private registry instead of the
// process-wide default.
func WithRegistry(r *SessionRegistry) Option { return func(s *Session) { s.registry = r } }

// WithActions merges host actions into the session's action registry.
func WithActions(r *ActionRegistry) Option {
	return func(s *Session) {
		for _, name := range r.Names() {
			if a, ok := r.Lookup(name); ok {
				s.actions.Register(name, a)
			}
		}
	}
}

// WithDataModelName overrides the document's datamodel attribute.
func WithDataModelName(name string) Option { return func(s *Session) { s.dataModelName = name } }

// WithLogHook observes every <log> element the session executes.
func WithLogHook(fn func(label, message string)) Option {
	return func(s *Session) { s.logHook = fn }
}

// WithMonitor observes every event the session raises or receives, after
// it has been enqueued, and the done.state event of a top-level final
// state, which is reported without being enqueued. Intended for tests and
// diagnostics.
func WithMonitor(fn func(ev *Event)) Option { return func(s *Session) { s.monitor = fn } }

// WithInvokeLoader resolves the src attribute of <invoke> to a document.
// Without it only inline <content> documents can be invoked.
func WithInvokeLoader(fn func(ctx context.Context, src string) (*Document, error)) Option {
	return func(s *Session) { s.invokeLoader = fn }
}

// WithInitialData seeds variables into the data model before document
// data binding. Invoke params and namelist arrive this way.
func WithInitialData(data map[string]Value) Option {
	return func(s *Session) { s.initialData = data }
}

func withParent(parent *Session, invokeID string) Option {
	return func(s *Session) {
		s.parent = parent
		s.invokeID = invokeID
	}
}

var _ Interpreter = (*Session)(nil)

// Session is one running instance of an SCXML document. Its configuration,
// queues and data model are owned exclusively by the worker goroutine; the
// only shared handles are the external queue and the registry entry.
type Session struct {
	doc           *Document
	id            string
	dataModelName string
	logger        *slog.Logger
	tracer        trace.Tracer
	clock         Clock
	registry      *SessionRegistry
	actions       *ActionRegistry
	dm            DataModel
	logHook       func(label, message string)
	monitor       func(ev *Event)
	invokeLoader  func(ctx context.Context, src string) (*Document, error)
	initialData   map[string]Value

	parent   *Session
	invokeID string

	internal  internalQueue
	external  *ExternalQueue
	scheduler *DelayScheduler

	configMu      sync.RWMutex
	configuration map[int]struct{}

	statesToInvoke []int
	historyValue   map[int][]int
	boundData      map[int]bool
	running        bool
	suppressDone   atomic.Bool

	invokedMu  sync.Mutex
	invoked    map[string]*Session
	invokedBy  map[int][]string   // state index -> invokeids started by it
	invokeDecl map[string]*Invoke // invokeid -> its <invoke> declaration

	processors map[string]IOProcessor

	doneMu    sync.Mutex
	doneEvent *Event
	finished  chan struct{}
	stopOnce  sync.Once
}

// Start constructs a session for the document and launches its worker.
// It returns synchronously after the document's data model is resolved;
// document scripts, data binding and initial state entry run on the worker.
// Startup failures that can be detected eagerly (unknown data model) are
// returned here; everything later is SCXML-level error events.
func Start(ctx context.Context, doc *Document, opts ...Option) (*Session, error) {
	if doc == nil || len(doc.States) == 0 {
		return nil, &ExecutionError{Message: "empty document"}
	}
	s := &Session{
		doc:           doc,
		id:            uuid.NewString(),
		dataModelName: doc.DataModelName,
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
		clock:         RealClock{},
		registry:      DefaultRegistry(),
		actions:       NewActionRegistry(),
		external:      NewExternalQueue(),
		configuration: make(map[int]struct{}),
		historyValue:  make(map[int][]int),
		boundData:     make(map[int]bool),
		invoked:       make(map[string]*Session),
		invokedBy:     make(map[int][]string),
		invokeDecl:    make(map[string]*Invoke),
		processors:    make(map[string]IOProcessor),
		finished:      make(chan struct{}),
		running:       true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dataModelName == "" {
		s.dataModelName = "expression"
	}
	loader, ok := lookupDataModel(s.dataModelName)
	if !ok {
		return nil, &ExecutionError{Message: fmt.Sprintf("unknown datamodel %q", s.dataModelName)}
	}
	s.processors[SCXMLProcessorURI] = &scxmlProcessor{session: s}
	dm, err := loader(ctx, &DataModelEnv{
		SessionID:   s.id,
		SessionName: doc.Name,
		Actions:     s.actions,
		Logger:      s.logger,
		In:          s.In,
		IOProcessorLocations: func(ctx context.Context) map[string]string {
			out := make(map[string]string, len(s.processors))
			for uri, p := range s.processors {
				if loc, err := p.Location(ctx); err == nil {
					out[uri] = loc
				}
			}
			return out
		},
	})
	if err != nil {
		return nil, fmt.Errorf("datamodel %q: %w", s.dataModelName, err)
	}
	s.dm = dm
	s.scheduler = NewDelayScheduler(s.clock)
	s.registry.Register(s)
	go s.run(context.WithoutCancel(ctx))
	return s, nil
}

// SessionID returns the process-wide unique session identifier.
func (s *Session) SessionID() string { return s.id }

// Clock returns the session clock.
func (s *Session) Clock() Clock { return s.clock }

// DataModel returns the session's data model.
func (s *Session) DataModel() DataModel { return s.dm }

// RegisterIOProcessor makes an Event I/O processor available under its
// type URI for <send type="...">.
func (s *Session) RegisterIOProcessor(typeURI string, p IOProcessor) {
	s.processors[typeURI] = p
}

// RegisterAction adds a named action to the session's expression registry.
func (s *Session) RegisterAction(name string, a Action) {
	s.actions.Register(name, a)
}

// Configuration returns the document ids of the active states in document
// order. Generated ids are included for states without an id attribute.
func (s *Session) Configuration() []string {
	s.configMu.RLock()
	active := make([]int, 0, len(s.configuration))
	for idx := range s.configuration {
		active = append(active, idx)
	}
	s.configMu.RUnlock()
	SortDocumentOrder(active)
	out := make([]string, 0, len(active))
	for _, idx := range active {
		out = append(out, s.doc.States[idx].DocID)
	}
	return out
}

// In reports whether the state with the given document id is active.
func (s *Session) In(stateID string) bool {
	idx, ok := s.doc.IDs[stateID]
	if !ok {
		return false
	}
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	_, active := s.configuration[idx]
	return active
}

// Send injects an external event. Safe for any goroutine; a terminated
// session rejects the event with ErrQueueClosed.
func (s *Session) Send(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}
	if event.Type == "" {
		event.Type = EventTypeExternal
	}
	return s.enqueueExternal(event)
}

// Handle makes the session addressable as an SCXML I/O processor.
func (s *Session) Handle(ctx context.Context, event *Event) error {
	return s.Send(ctx, event)
}

// Location returns the session's SCXML processor address.
func (s *Session) Location(ctx context.Context) (string, error) {
	return "#_scxml_" + s.id, nil
}

// Type returns the SCXML Event I/O Processor URI.
func (s *Session) Type() string { return SCXMLProcessorURI }

// Shutdown stops the session.
func (s *Session) Shutdown(ctx context.Context) error { return s.Stop(ctx) }

// Cancel revokes a pending delayed send by its sendid.
func (s *Session) Cancel(ctx context.Context, sendID string) error {
	s.scheduler.Cancel(sendID)
	return nil
}

// Stop requests termination. The worker exits all states and releases the
// registry entry; a stopped session sends no done events to its parent.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.suppressDone.Store(true)
		_ = s.external.Put(&Event{
			Name:      cancelEventName,
			Type:      EventTypePlatform,
			Timestamp: s.clock.Now(),
		})
	})
	return nil
}

// Await blocks until the session terminates or the context is done.
func (s *Session) Await(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.finished:
		return nil
	}
}

// DoneEvent returns the top-level done.state event after termination, or
// nil if the session was cancelled before reaching a top-level final state.
func (s *Session) DoneEvent() *Event {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	return s.doneEvent
}

func (s *Session) enqueueExternal(ev *Event) error {
	if err := s.external.Put(ev); err != nil {
		return err
	}
	if s.monitor != nil {
		s.monitor(ev)
	}
	return nil
}

// raiseFromWorker pushes an event onto the internal queue. Worker-only.
func (s *Session) raiseFromWorker(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}
	ev.Type = EventTypeInternal
	s.internal.push(ev)
	if s.monitor != nil {
		s.monitor(ev)
	}
}

// raiseError converts an executable-content failure into the platform
// event mandated by the error taxonomy.
func (s *Session) raiseError(err error) {
	name := "error.execution"
	data := NewMapValue()
	if pe, ok := err.(*PlatformError); ok {
		if pe.EventName != "" {
			name = pe.EventName
		}
		for k, v := range pe.Data {
			data.Set(k, NewString(fmt.Sprint(v)))
		}
	}
	data.Set("message", NewString(err.Error()))
	s.raiseFromWorker(&Event{
		Name: name,
		Type: EventTypeInternal,
		Data: NewMap(data),
	})
}

// run is the session worker: initialization, the macrostep loop, and
// termination. It is the only goroutine that touches the configuration,
// the internal queue and the data model.
func (s *Session) run(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scxml.session",
		trace.WithAttributes(
			attribute.String("scxml.session_id", s.id),
			attribute.String("scxml.document", s.doc.Name),
		))
	defer span.End()

	s.initialize(ctx)
	s.eventLoop(ctx)
	s.exitInterpreter(ctx, span)
}

func (s *Session) initialize(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scxml.initialize")
	defer span.End()

	if err := s.dm.InitializeGlobal(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.raiseError(err)
	}
	for id, v := range s.initialData {
		if err := s.dm.SetVariable(ctx, id, v); err != nil {
			s.raiseError(err)
		}
	}

	// Data binding: early binds every <data> in the document now; late
	// binds the root scope only and defers the rest to state entry.
	for _, st := range s.doc.States {
		if st.Index != RootIndex && s.doc.Binding == BindingLate {
			continue
		}
		s.bindStateData(ctx, st.Index)
	}

	// Top-level scripts run in document order before the initial entry.
	for _, script := range s.doc.Scripts {
		if err := s.dm.ExecuteScript(ctx, script.Content); err != nil {
			s.raiseError(err)
		}
	}

	root := s.doc.Root()
	if root.Initial != nil {
		s.enterStates(ctx, []*Transition{root.Initial})
	}
}

func (s *Session) bindStateData(ctx context.Context, idx int) {
	if s.boundData[idx] {
		return
	}
	s.boundData[idx] = true
	for _, d := range s.doc.States[idx].Data {
		if err := s.dm.DeclareData(ctx, d); err != nil {
			s.raiseError(err)
		}
	}
}

// eventLoop is the macrostep/microstep engine of W3C SCXML appendix D.
func (s *Session) eventLoop(ctx context.Context) {
	for s.running {
		s.macrostep(ctx)
		if !s.running {
			return
		}

		// Stable rest: start the invocations queued during the macrostep.
		pending := append([]int(nil), s.statesToInvoke...)
		SortDocumentOrder(pending)
		s.statesToInvoke = nil
		started := make(map[int]bool, len(pending))
		for _, idx := range pending {
			if started[idx] {
				continue
			}
			started[idx] = true
			if _, active := s.configuration[idx]; !active {
				continue
			}
			for _, inv := range s.doc.States[idx].Invokes {
				s.runInvoke(ctx, idx, inv)
			}
		}
		// Invoking may have raised events (error.execution, finalize
		// traffic); drain them before blocking.
		if !s.internal.empty() {
			continue
		}

		ev, err := s.external.Take(ctx)
		if err != nil {
			s.running = false
			return
		}
		if ev.Name == cancelEventName {
			s.running = false
			return
		}
		s.processExternalEvent(ctx, ev)
	}
}

// macrostep drains eventless transitions and the internal queue until the
// session reaches stable rest or terminates.
func (s *Session) macrostep(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scxml.macrostep")
	defer span.End()

	for s.running {
		enabled := s.selectTransitions(ctx, nil)
		if len(enabled) == 0 {
			if s.internal.empty() {
				return
			}
			ev := s.internal.pop()
			if err := s.dm.SetCurrentEvent(ctx, ev); err != nil {
				s.raiseError(err)
			}
			enabled = s.selectTransitions(ctx, ev)
		}
		if len(enabled) > 0 {
			s.microstep(ctx, enabled)
		}
	}
}

func (s *Session) processExternalEvent(ctx context.Context, ev *Event) {
	ctx, span := s.tracer.Start(ctx, "scxml.external_event",
		trace.WithAttributes(attribute.String("scxml.event", ev.Name)))
	defer span.End()

	if err := s.dm.SetCurrentEvent(ctx, ev); err != nil {
		s.raiseError(err)
	}

	// Finalize and autoforward for invoked children (W3C 6.5). An event
	// from an invoked session runs that invocation's <finalize> before
	// transition selection sees it.
	if ev.InvokeID != "" {
		s.invokedMu.Lock()
		inv := s.invokeDecl[ev.InvokeID]
		s.invokedMu.Unlock()
		if inv != nil && len(inv.Finalize) > 0 {
			s.executeBlock(ctx, inv.Finalize)
		}
	}
	for _, idx := range s.activeStatesDocOrder() {
		for _, id := range s.invokeIDsFor(idx) {
			s.invokedMu.Lock()
			inv := s.invokeDecl[id]
			child := s.invoked[id]
			s.invokedMu.Unlock()
			if inv == nil || child == nil || !inv.AutoForward {
				continue
			}
			fwd := *ev
			_ = child.Send(ctx, &fwd)
		}
	}

	if enabled := s.selectTransitions(ctx, ev); len(enabled) > 0 {
		s.microstep(ctx, enabled)
	}
}

// exitInterpreter exits every active state in exit order and notifies the
// parent session per SCXML 6.4 and 5.5.
func (s *Session) exitInterpreter(ctx context.Context, span trace.Span) {
	states := s.activeStatesDocOrder()
	SortExitOrder(states)
	for _, idx := range states {
		st := s.doc.States[idx]
		for _, block := range st.OnExit {
			s.executeBlock(ctx, block)
		}
		s.cancelInvokesOf(ctx, idx)
		s.removeFromConfiguration(idx)
	}

	s.scheduler.Stop()
	s.external.Close()
	s.registry.Deregister(s.id)
	for uri, p := range s.processors {
		if uri != SCXMLProcessorURI {
			_ = p.Shutdown(ctx)
		}
	}

	done := s.DoneEvent()
	if done != nil && s.parent != nil && !s.suppressDone.Load() {
		parentCopy := *done
		parentCopy.InvokeID = s.invokeID
		_ = s.parent.Send(ctx, &parentCopy)
		invokeDone := &Event{
			Name:      "done.invoke." + s.invokeID,
			Type:      EventTypeExternal,
			InvokeID:  s.invokeID,
			Data:      done.Data,
			Timestamp: s.clock.Now(),
		}
		_ = s.parent.Send(ctx, invokeDone)
	}
	span.SetAttributes(attribute.Bool("scxml.cancelled", s.suppressDone.Load()))
	close(s.finished)
}

func (s *Session) activeStatesDocOrder() []int {
	out := make([]int, 0, len(s.configuration))
	for idx := range s.configuration {
		out = append(out, idx)
	}
	SortDocumentOrder(out)
	return out
}

func (s *Session) addToConfiguration(idx int) {
	s.configMu.Lock()
	s.configuration[idx] = struct{}{}
	s.configMu.Unlock()
}

func (s *Session) removeFromConfiguration(idx int) {
	s.configMu.Lock()
	delete(s.configuration, idx)
	s.configMu.Unlock()
}

func (s *Session) invokedChild(invokeID string) (*Session, bool) {
	s.invokedMu.Lock()
	defer s.invokedMu.Unlock()
	c, ok := s.invoked[invokeID]
	return c, ok
}

func (s *Session) invokeIDsFor(stateIdx int) []string {
	s.invokedMu.Lock()
	defer s.invokedMu.Unlock()
	return append([]string(nil), s.invokedBy[stateIdx]...)
}

// parseDelay parses the CSS2 time format of the delay attribute:
// "1.5s", "200ms", or a bare number of milliseconds.
func parseDelay(spec string) (time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, nil
	}
	unit := time.Millisecond
	num := spec
	switch {
	case strings.HasSuffix(spec, "ms"):
		num = spec[:len(spec)-2]
	case strings.HasSuffix(spec, "s"):
		unit = time.Second
		num = spec[:len(spec)-1]
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q", spec)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative delay %q", spec)
	}
	return time.Duration(f * float64(unit)), nil
}

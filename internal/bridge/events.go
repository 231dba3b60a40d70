// ABOUTME: Ordered fan-out of unsolicited gateway events to registered observers
// ABOUTME: One dispatcher goroutine preserves arrival order; observer failures are isolated

package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind names an observer channel.
type EventKind string

const (
	EventStatus        EventKind = "status"
	EventMessage       EventKind = "message"
	EventNotification  EventKind = "notification"
	EventChannelStatus EventKind = "channel:status"
	EventChatMessage   EventKind = "chat:message"
	EventExit          EventKind = "exit"
	EventError         EventKind = "error"
)

// EventKinds lists every observable kind in a stable order.
var EventKinds = []EventKind{
	EventStatus, EventMessage, EventNotification, EventChannelStatus,
	EventChatMessage, EventExit, EventError,
}

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool { return slices.Contains(EventKinds, k) }

// Event is delivered to observers. Payload is the raw JSON payload for
// gateway-originated events and a marshalled bridge type otherwise.
type Event struct {
	Kind    EventKind       `json:"kind"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
	Time    time.Time       `json:"time"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// ExitInfo is the payload of an exit event.
type ExitInfo struct {
	PID     int    `json:"pid"`
	Code    int    `json:"code"`
	Crashed bool   `json:"crashed"`
	Error   string `json:"error,omitempty"`
}

// ErrorInfo is the payload of an error event.
type ErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Observer receives events of the kind it subscribed to. A returned error or
// a panic is logged and does not affect other observers.
type Observer func(Event) error

// wireEventKinds maps gateway event names onto observer kinds. Unlisted names
// are notifications.
var wireEventKinds = map[string]EventKind{
	"channel.status": EventChannelStatus,
	"chat.message":   EventChatMessage,
	"chat":           EventChatMessage,
}

func kindForWireEvent(name string) EventKind {
	if k, ok := wireEventKinds[name]; ok {
		return k
	}
	return EventNotification
}

type subscriber struct {
	id string
	fn Observer
}

// Subscription is the disposal handle returned by Subscribe.
type Subscription struct {
	ID   string
	Kind EventKind
	e    *Emitter
	once sync.Once
}

// Unsubscribe removes the observer. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.e.remove(s.Kind, s.ID) })
}

// Emitter queues events and delivers them in arrival order.
type Emitter struct {
	mu          sync.RWMutex
	subscribers map[EventKind][]subscriber

	qmu     sync.Mutex
	cond    *sync.Cond
	queue   []Event
	closed  bool
	stopped chan struct{}

	alive  func() bool
	logger *slog.Logger
}

// NewEmitter starts a dispatcher. alive is the liveness token checked at
// dispatch time; when it reports false the event is dropped. A nil alive
// means always live.
func NewEmitter(alive func() bool, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		subscribers: make(map[EventKind][]subscriber),
		stopped:     make(chan struct{}),
		alive:       alive,
		logger:      logger.With("component", "events"),
	}
	e.cond = sync.NewCond(&e.qmu)
	go e.run()
	return e
}

// Subscribe registers fn for kind. Observers of one kind run in registration order.
func (e *Emitter) Subscribe(kind EventKind, fn Observer) (*Subscription, error) {
	if !kind.Valid() {
		return nil, newError(KindInvalidArgument, "subscribe", fmt.Sprintf("unknown event kind %q", kind), nil)
	}
	if fn == nil {
		return nil, newError(KindInvalidArgument, "subscribe", "nil observer", nil)
	}
	sub := &Subscription{ID: uuid.NewString(), Kind: kind, e: e}

	e.mu.Lock()
	e.subscribers[kind] = append(e.subscribers[kind], subscriber{id: sub.ID, fn: fn})
	e.mu.Unlock()

	e.logger.Debug("observer added", "kind", kind, "sub_id", sub.ID)
	return sub, nil
}

func (e *Emitter) remove(kind EventKind, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[kind]
	for i, s := range subs {
		if s.id == id {
			// Copy so that in-flight dispatch snapshots stay intact.
			e.subscribers[kind] = append(slices.Clone(subs[:i]), subs[i+1:]...)
			e.logger.Debug("observer removed", "kind", kind, "sub_id", id)
			return
		}
	}
}

// Count returns the number of observers registered for kind.
func (e *Emitter) Count(kind EventKind) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers[kind])
}

// Emit enqueues an event. It never blocks on observers.
func (e *Emitter) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, ev)
	e.cond.Signal()
}

// emitValue marshals v as the payload of a bridge-originated event.
func (e *Emitter) emitValue(kind EventKind, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("encoding event payload", "kind", kind, "error", err)
		return
	}
	e.Emit(Event{Kind: kind, Payload: b})
}

// Close delivers already queued events and stops the dispatcher.
// It must not be called from an observer.
func (e *Emitter) Close() {
	e.qmu.Lock()
	if e.closed {
		e.qmu.Unlock()
		<-e.stopped
		return
	}
	e.closed = true
	e.cond.Broadcast()
	e.qmu.Unlock()
	<-e.stopped
}

func (e *Emitter) run() {
	defer close(e.stopped)
	for {
		e.qmu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.qmu.Unlock()
			return
		}
		ev := e.queue[0]
		e.queue[0] = Event{}
		e.queue = e.queue[1:]
		e.qmu.Unlock()

		e.dispatch(ev)
	}
}

func (e *Emitter) dispatch(ev Event) {
	if e.alive != nil && !e.alive() {
		e.logger.Debug("dropping event, owner gone", "kind", ev.Kind, "name", ev.Name)
		return
	}
	eventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	e.mu.RLock()
	subs := e.subscribers[ev.Kind]
	e.mu.RUnlock()

	for _, s := range subs {
		e.invoke(s, ev)
	}
}

func (e *Emitter) invoke(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			observerFailures.Inc()
			e.logger.Error("observer panicked", "kind", ev.Kind, "sub_id", s.id, "panic", r)
		}
	}()
	if err := s.fn(ev); err != nil {
		observerFailures.Inc()
		e.logger.Warn("observer failed", "kind", ev.Kind, "sub_id", s.id, "error", err)
	}
}

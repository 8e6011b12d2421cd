// Package eventbus implements a typed, in-process publish/subscribe bus
// with bounded history. It decouples lifecycle, data and error producers
// (the pool, the device façade, the discovery engine) from observers
// (the relay, diagnostics, tests).
//
// Handlers are isolated: a panicking handler is recovered, logged and
// discarded, never propagated to the emitter or to other
// handlers. Event emission is forbidden from within handler code paths
// to break the cyclic event/error references the handlers could
// otherwise create; handlers that need to react to a fault should log,
// not emit.
package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type identifies the kind of an Event.
type Type string

const (
	ConnectionStateChanged Type = "ConnectionStateChanged"
	DataReceived           Type = "DataReceived"
	ErrorOccurred          Type = "ErrorOccurred"
	DeviceDiscovered       Type = "DeviceDiscovered"
	HealthCheckFailed      Type = "HealthCheckFailed"
)

// Event is a single emitted occurrence. The JSON field names are the
// stable external payload schema consumed by the relay's downstream
// systems: event_type, timestamp (ISO-8601 wall clock), source, data.
type Event struct {
	Type      Type                   `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"data"`
}

// Handler receives emitted events. It must not call Emit itself.
type Handler func(Event)

const (
	defaultHistorySize = 1000

	// handlerQueueDepth bounds how far a slow handler may fall behind
	// the emitters before its events are dropped (and the drop logged).
	handlerQueueDepth = 256
)

// handlerQueue is one subscription's delivery pipe: a single goroutine
// drains ch in order, so a handler always observes events in emission
// order no matter how the scheduler interleaves the emitters.
type handlerQueue struct {
	ch chan Event
}

// Bus is a typed pub/sub dispatcher with a bounded FIFO history ring.
type Bus struct {
	logger *zap.Logger

	mu          sync.Mutex
	byType      map[Type]map[int]*handlerQueue
	global      map[int]*handlerQueue
	nextID      int
	history     []Event
	historySize int
	historyHead int
	historyLen  int
}

// New creates an event bus. historySize <= 0 selects the default (1000).
func New(logger *zap.Logger, historySize int) *Bus {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:      logger,
		byType:      make(map[Type]map[int]*handlerQueue),
		global:      make(map[int]*handlerQueue),
		history:     make([]Event, historySize),
		historySize: historySize,
	}
}

// Subscription is an opaque handle returned by Subscribe/SubscribeAll,
// used to Unsubscribe later.
type Subscription struct {
	bus    *Bus
	id     int
	evType Type
	global bool
}

// startHandler spawns the dedicated dispatch goroutine for one
// subscription. The goroutine lives until Unsubscribe closes the queue;
// a panic in one invocation is recovered so subsequent events still
// reach the handler.
func (b *Bus) startHandler(handler Handler) *handlerQueue {
	q := &handlerQueue{ch: make(chan Event, handlerQueueDepth)}
	go func() {
		for evt := range q.ch {
			b.invoke(handler, evt)
		}
	}()
	return q
}

func (b *Bus) invoke(handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(evt.Type)),
				zap.String("source", evt.Source),
				zap.Any("recovered", r),
			)
		}
	}()
	handler(evt)
}

// Subscribe registers handler for events of the given type.
func (b *Bus) Subscribe(t Type, handler Handler) *Subscription {
	q := b.startHandler(handler)
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.byType[t] == nil {
		b.byType[t] = make(map[int]*handlerQueue)
	}
	b.byType[t][id] = q
	return &Subscription{bus: b, id: id, evType: t}
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	q := b.startHandler(handler)
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.global[id] = q
	return &Subscription{bus: b, id: id, global: true}
}

// Unsubscribe removes the handler and stops its dispatch goroutine once
// the queue drains. It affects only events emitted after this call
// returns; an invocation already in flight runs to completion.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	var q *handlerQueue
	if s.global {
		q = s.bus.global[s.id]
		delete(s.bus.global, s.id)
	} else if m, ok := s.bus.byType[s.evType]; ok {
		q = m[s.id]
		delete(m, s.id)
	}
	if q != nil {
		close(q.ch)
	}
}

// Emit publishes an event: it is appended to history and enqueued to
// every matching handler's queue in one critical section, so both the
// history log and each individual handler observe events in emission
// order. Handlers run on their own dispatch goroutines; there is no
// ordering between different handlers, and Emit never waits for a
// handler. A handler whose queue is full has the event dropped and the
// drop logged rather than stalling the emitter.
func (b *Bus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	var dropped int
	b.mu.Lock()
	b.history[(b.historyHead+b.historyLen)%b.historySize] = evt
	if b.historyLen < b.historySize {
		b.historyLen++
	} else {
		b.historyHead = (b.historyHead + 1) % b.historySize
	}

	for _, q := range b.global {
		select {
		case q.ch <- evt:
		default:
			dropped++
		}
	}
	for _, q := range b.byType[evt.Type] {
		select {
		case q.ch <- evt:
		default:
			dropped++
		}
	}
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Warn("event dropped for slow handlers",
			zap.String("event_type", string(evt.Type)),
			zap.String("source", evt.Source),
			zap.Int("handlers", dropped),
		)
	}
}

// History returns a copy of the current history ring in emission order,
// oldest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, b.historyLen)
	for i := 0; i < b.historyLen; i++ {
		out[i] = b.history[(b.historyHead+i)%b.historySize]
	}
	return out
}

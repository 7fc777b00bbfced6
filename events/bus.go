package events

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// MaxQueueSize caps the number of events waiting for dispatch. When the queue
// is full the lowest priority entry is dropped to make room.
const MaxQueueSize = 1000

// Handler receives dispatched events. Handle errors are logged, not
// propagated; one failing handler never starves the others.
type Handler interface {
	Name() string
	Handle(event Event) error
}

// FuncHandler adapts a function to the Handler interface.
type FuncHandler struct {
	name string
	fn   func(Event) error
}

// NewFuncHandler wraps fn as a named handler.
func NewFuncHandler(name string, fn func(Event) error) *FuncHandler {
	return &FuncHandler{name: name, fn: fn}
}

func (h *FuncHandler) Name() string { return h.name }

func (h *FuncHandler) Handle(event Event) error { return h.fn(event) }

// Stats counts bus activity since creation.
type Stats struct {
	Emitted   uint64
	Processed uint64
	Dropped   uint64
	QueueSize int
	PeakSize  int
}

type queuedEvent struct {
	event    Event
	priority Priority
	seq      uint64
}

// Bus queues events by priority and fans them out to registered handlers.
type Bus struct {
	mu       sync.Mutex
	queue    []queuedEvent
	seq      uint64
	handlers []Handler
	stats    Stats

	wake chan struct{}
}

// NewBus creates an empty bus. Call Run to start dispatching.
func NewBus() *Bus {
	return &Bus{
		wake: make(chan struct{}, 1),
	}
}

// Register adds a handler. Every dispatched event reaches every handler.
func (b *Bus) Register(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)

	logrus.WithFields(logrus.Fields{
		"handler": handler.Name(),
	}).Debug("event handler registered")
}

// Publish queues an event at normal priority.
func (b *Bus) Publish(event Event) {
	b.PublishWithPriority(event, PriorityNormal)
}

// PublishWithPriority queues an event. A full queue evicts its lowest
// priority entry, newest first, so urgent events always get through.
func (b *Bus) PublishWithPriority(event Event, priority Priority) {
	b.mu.Lock()

	if len(b.queue) >= MaxQueueSize {
		dropped := b.queue[len(b.queue)-1]
		b.queue = b.queue[:len(b.queue)-1]
		b.stats.Dropped++

		logrus.WithFields(logrus.Fields{
			"event":    dropped.event.Kind(),
			"priority": dropped.priority.String(),
		}).Warn("event queue full, dropped lowest priority event")
	}

	// Queue stays sorted by priority descending, publish order within a
	// priority class.
	pos := sort.Search(len(b.queue), func(i int) bool {
		return b.queue[i].priority < priority
	})
	b.queue = append(b.queue, queuedEvent{})
	copy(b.queue[pos+1:], b.queue[pos:])
	b.queue[pos] = queuedEvent{event: event, priority: priority, seq: b.seq}
	b.seq++

	b.stats.Emitted++
	if len(b.queue) > b.stats.PeakSize {
		b.stats.PeakSize = len(b.queue)
	}
	b.stats.QueueSize = len(b.queue)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Poll removes and returns the highest priority queued event.
func (b *Bus) Poll() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil, false
	}

	next := b.queue[0]
	b.queue = b.queue[1:]
	b.stats.Processed++
	b.stats.QueueSize = len(b.queue)

	return next.event, true
}

// Drain dispatches queued events to every handler until the queue is empty.
func (b *Bus) Drain() {
	for {
		event, ok := b.Poll()
		if !ok {
			return
		}
		b.dispatch(event)
	}
}

// Run dispatches events until the context is cancelled. Pending events are
// drained once more on the way out so shutdown notifications still land.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.Drain()
			return
		case <-b.wake:
			b.Drain()
		}
	}
}

// Clear discards all queued events and reports how many were removed.
func (b *Bus) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cleared := len(b.queue)
	b.queue = nil
	b.stats.QueueSize = 0

	return cleared
}

// QueueSize reports the number of events waiting for dispatch.
func (b *Bus) QueueSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Bus) dispatch(event Event) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, handler := range handlers {
		if err := handler.Handle(event); err != nil {
			logrus.WithFields(logrus.Fields{
				"handler": handler.Name(),
				"event":   event.Kind(),
			}).WithError(err).Error("event handler failed")
		}
	}
}

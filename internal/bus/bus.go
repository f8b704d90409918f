package bus

import (
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind names one event stream on the bus.
type Kind string

const (
	KindChatMessage   Kind = "inbound-chat-message"
	KindWebhook       Kind = "inbound-webhook"
	KindScheduled     Kind = "scheduled-trigger"
	KindAgentResponse Kind = "agent-response"
)

// Event is one unit of work in flight. Payload shape depends on Kind.
// Events live in memory only; nothing survives a restart.
type Event struct {
	ID            string
	Kind          Kind
	Origin        string
	CorrelationID string
	Payload       any
	CreatedAt     time.Time
}

// NewEvent builds an event with a fresh ULID id. The correlation id is
// carried through to any response events produced downstream.
func NewEvent(kind Kind, origin, correlationID string, payload any) Event {
	now := time.Now()
	if correlationID == "" {
		correlationID = ulid.MustNew(ulid.Timestamp(now), rand.New(rand.NewSource(now.UnixNano()))).String()
	}
	return Event{
		ID:            ulid.MustNew(ulid.Timestamp(now), rand.New(rand.NewSource(now.UnixNano()+1))).String(),
		Kind:          kind,
		Origin:        origin,
		CorrelationID: correlationID,
		Payload:       payload,
		CreatedAt:     now,
	}
}

// Handler consumes one event. Errors are logged, never propagated to the
// publisher.
type Handler func(Event) error

const defaultQueueSize = 256

// Bus dispatches events asynchronously. Each kind gets one buffered queue
// and one dispatcher goroutine, so per-kind publish order is delivery
// order. Subscriber panics and errors are isolated per handler.
type Bus struct {
	mu       sync.Mutex
	queues   map[Kind]chan Event
	handlers map[Kind][]Handler
	wg       sync.WaitGroup
	closed   bool
	logger   *slog.Logger
}

func New() *Bus {
	return &Bus{
		queues:   make(map[Kind]chan Event),
		handlers: make(map[Kind][]Handler),
		logger:   slog.Default().With("component", "bus"),
	}
}

// Subscribe registers a handler for kind. Handlers run in registration
// order on the kind's dispatcher goroutine.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.handlers[kind] = append(b.handlers[kind], h)
	if _, ok := b.queues[kind]; !ok {
		q := make(chan Event, defaultQueueSize)
		b.queues[kind] = q
		b.wg.Add(1)
		go b.dispatch(kind, q)
	}
}

// Publish enqueues the event without blocking the caller. Events for a
// kind with no subscribers, or published into a full queue, are dropped
// with a log entry.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	q, ok := b.queues[evt.Kind]
	closed := b.closed
	b.mu.Unlock()

	if closed {
		b.logger.Warn("Publish on closed bus dropped", "kind", evt.Kind, "event_id", evt.ID)
		return
	}
	if !ok {
		b.logger.Debug("No subscribers for event", "kind", evt.Kind, "event_id", evt.ID)
		return
	}

	select {
	case q <- evt:
	default:
		b.logger.Error("Event queue full, dropping event",
			"kind", evt.Kind, "event_id", evt.ID, "correlation_id", evt.CorrelationID)
	}
}

func (b *Bus) dispatch(kind Kind, q chan Event) {
	defer b.wg.Done()
	for evt := range q {
		b.mu.Lock()
		handlers := b.handlers[kind]
		b.mu.Unlock()

		for i, h := range handlers {
			b.invoke(kind, i, h, evt)
		}
	}
}

func (b *Bus) invoke(kind Kind, idx int, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic in event handler",
				"kind", kind, "handler", idx, "event_id", evt.ID,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := h(evt); err != nil {
		b.logger.Error("Event handler failed",
			"kind", kind, "handler", idx, "event_id", evt.ID,
			"correlation_id", evt.CorrelationID, "error", err)
	}
}

// Close stops accepting publishes and drains the queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Event bus closed")
}

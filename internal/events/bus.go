package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"curve-market/internal/observability"
)

// Bus errors.
var (
	ErrBusClosed = errors.New("event bus is shutting down")
	ErrBusFull   = errors.New("event channel full")
)

// Handler processes events delivered by the Bus. Handlers run on the
// dispatch goroutine and must not block.
type Handler interface {
	Handle(ctx context.Context, topic string, ev Event) error
}

// HandlerFunc is an adapter to allow the use of ordinary functions as event handlers.
type HandlerFunc func(ctx context.Context, topic string, ev Event) error

// Handle calls f(ctx, topic, ev).
func (f HandlerFunc) Handle(ctx context.Context, topic string, ev Event) error {
	return f(ctx, topic, ev)
}

// Subscription represents a subscription to events.
type Subscription interface {
	// Unsubscribe removes the subscription.
	Unsubscribe()
}

// anyType subscribes to every event type.
const anyType Type = "*"

type message struct {
	topic string
	ev    Event
}

// Bus is an in-process asynchronous event bus. Publish never blocks: when
// the buffer is full the event is dropped and counted. A single dispatch
// goroutine delivers events in publish order.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[Type]map[string]Handler
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	eventChan  chan message
	bufferSize int
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a new event bus and starts its dispatch goroutine.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := &Bus{
		handlers:   make(map[Type]map[string]Handler),
		logger:     logger.Named("event_bus"),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		eventChan:  make(chan message, bufferSize),
		bufferSize: bufferSize,
	}

	go bus.processEvents()

	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType Type, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}
	b.handlers[eventType][id] = handler

	b.logger.Debug("Handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.String("subscription_id", id))

	return &subscription{id: id, bus: b, typ: eventType}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) Subscription {
	return b.Subscribe(anyType, handler)
}

// Publish enqueues an event for asynchronous delivery.
func (b *Bus) Publish(_ context.Context, topic string, ev Event) error {
	select {
	case <-b.ctx.Done():
		return ErrBusClosed
	default:
	}

	select {
	case b.eventChan <- message{topic: topic, ev: ev}:
		return nil
	default:
		observability.RecordEventDropped("bus")
		b.logger.Warn("Event channel full, dropping event",
			zap.String("event_type", string(ev.Type())),
			zap.String("topic", topic))
		return ErrBusFull
	}
}

// dispatch delivers one event to its type's handlers and the wildcard handlers.
func (b *Bus) dispatch(ctx context.Context, msg message) {
	b.mu.RLock()
	var handlers []Handler
	for _, h := range b.handlers[msg.ev.Type()] {
		handlers = append(handlers, h)
	}
	for _, h := range b.handlers[anyType] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, msg.topic, msg.ev); err != nil {
			b.logger.Error("Handler error",
				zap.String("event_type", string(msg.ev.Type())),
				zap.String("topic", msg.topic),
				zap.Error(err))
		}
	}
	observability.RecordEventPublished("bus", string(msg.ev.Type()))
}

func (b *Bus) processEvents() {
	defer close(b.done)

	for {
		select {
		case <-b.ctx.Done():
			// Drain remaining events
			for {
				select {
				case msg := <-b.eventChan:
					b.dispatch(context.Background(), msg)
				default:
					return
				}
			}
		case msg := <-b.eventChan:
			b.dispatch(b.ctx, msg)
		}
	}
}

func (b *Bus) unsubscribe(id string, eventType Type) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.handlers[eventType]; ok {
		delete(handlers, id)
		if len(handlers) == 0 {
			delete(b.handlers, eventType)
		}
	}

	b.logger.Debug("Handler unsubscribed",
		zap.String("event_type", string(eventType)),
		zap.String("subscription_id", id))
}

// Shutdown stops accepting events, drains the buffer and waits for the
// dispatch goroutine or ctx.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.logger.Info("Shutting down event bus", zap.Int("pending", b.Pending()))
	b.cancel()

	select {
	case <-b.done:
		b.logger.Info("Event bus shutdown complete")
		return nil
	case <-ctx.Done():
		b.logger.Warn("Event bus shutdown timeout")
		return fmt.Errorf("event bus shutdown: %w", ctx.Err())
	}
}

// Pending returns the number of buffered events.
func (b *Bus) Pending() int {
	return len(b.eventChan)
}

type subscription struct {
	id  string
	bus *Bus
	typ Type
}

func (s *subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id, s.typ)
}

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vectorops/convoy/internal/types"
)

// RouteStatus represents a routing decision signal emitted while a request
// moves through the gateway. Statuses are telemetry; the durable audit
// trail lives in the mission event log.
type RouteStatus string

const (
	// StatusDelegated indicates a mission was dispatched for the request.
	StatusDelegated RouteStatus = "delegated"

	// StatusBootstrapFallback indicates the lane adapter failed to
	// bootstrap and the primary path answered. No mission row exists.
	StatusBootstrapFallback RouteStatus = "bootstrap_fallback"

	// StatusException indicates the lane adapter raised during execution.
	StatusException RouteStatus = "exception"

	// StatusFallback indicates the primary path answered in place of the
	// lane's output.
	StatusFallback RouteStatus = "fallback"

	// StatusShadow indicates a shadow dispatch that did not affect the
	// response.
	StatusShadow RouteStatus = "shadow"
)

// String returns the string representation of the route status.
func (s RouteStatus) String() string {
	return string(s)
}

// StatusEvent is one routing signal.
type StatusEvent struct {
	Status    RouteStatus `json:"status"`
	VPID      string      `json:"vp_id"`
	MissionID types.ID    `json:"mission_id,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusEmitter publishes routing signals to subscribers.
// Implementations must be thread-safe and support multiple concurrent subscribers.
type StatusEmitter interface {
	// Emit publishes an event to all subscribers.
	Emit(ctx context.Context, event StatusEvent) error

	// Subscribe creates a new subscription and returns a channel for
	// receiving events and a cleanup function to unsubscribe.
	Subscribe(ctx context.Context) (<-chan StatusEvent, func())

	// Close shuts down the emitter and all subscriptions.
	Close() error
}

// DefaultStatusEmitter implements StatusEmitter using buffered channels.
// It supports multiple subscribers and handles slow consumers gracefully.
type DefaultStatusEmitter struct {
	mu          sync.RWMutex
	subscribers map[string]chan StatusEvent
	bufferSize  int
	closed      bool
}

// StatusEmitterOption is a functional option for configuring DefaultStatusEmitter.
type StatusEmitterOption func(*DefaultStatusEmitter)

// WithBufferSize sets the buffer size for subscriber channels.
// Default is 100.
func WithBufferSize(size int) StatusEmitterOption {
	return func(e *DefaultStatusEmitter) {
		e.bufferSize = size
	}
}

// NewDefaultStatusEmitter creates a new DefaultStatusEmitter.
func NewDefaultStatusEmitter(opts ...StatusEmitterOption) *DefaultStatusEmitter {
	emitter := &DefaultStatusEmitter{
		subscribers: make(map[string]chan StatusEvent),
		bufferSize:  100,
	}

	for _, opt := range opts {
		opt(emitter)
	}

	return emitter
}

// Emit publishes an event to all subscribers. A subscriber whose channel is
// full has the event dropped so one slow consumer cannot block the rest.
func (e *DefaultStatusEmitter) Emit(ctx context.Context, event StatusEvent) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return fmt.Errorf("status emitter is closed")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Channel is full, drop event for this slow subscriber
		}
	}

	return nil
}

// Subscribe creates a new subscription. The returned cleanup function must
// be called to unsubscribe and prevent leaks.
func (e *DefaultStatusEmitter) Subscribe(ctx context.Context) (<-chan StatusEvent, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subscriberID := types.NewID().String()
	ch := make(chan StatusEvent, e.bufferSize)
	e.subscribers[subscriberID] = ch

	cleanup := func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		if subCh, exists := e.subscribers[subscriberID]; exists {
			delete(e.subscribers, subscriberID)
			close(subCh)
		}
	}

	return ch, cleanup
}

// Close shuts down the emitter and closes all subscriber channels.
func (e *DefaultStatusEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	for id, ch := range e.subscribers {
		close(ch)
		delete(e.subscribers, id)
	}

	return nil
}

// SubscriberCount returns the current number of active subscribers.
func (e *DefaultStatusEmitter) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers)
}

// Ensure DefaultStatusEmitter implements StatusEmitter at compile time.
var _ StatusEmitter = (*DefaultStatusEmitter)(nil)

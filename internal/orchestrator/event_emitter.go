package orchestrator

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventEmitter handles event emission for the dispatcher.
// It provides a simple, thread-safe way to emit events to subscribers.
type EventEmitter struct {
	events       chan DispatchEvent
	timeout      time.Duration
	droppedCount atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewEventEmitter creates a new EventEmitter with the given buffer size and
// send timeout.
func NewEventEmitter(bufferSize int, timeout time.Duration) *EventEmitter {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &EventEmitter{
		events:  make(chan DispatchEvent, bufferSize),
		timeout: timeout,
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *EventEmitter) Emit(event DispatchEvent) {
	if e == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case e.events <- event:
	case <-timer.C:
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop
			log.Printf("[dispatcher] WARNING: Event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan DispatchEvent {
	return e.events
}

// Close closes the events channel. Later emits are ignored.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}

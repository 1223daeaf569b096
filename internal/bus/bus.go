// Package bus implements the in-process message bus used for inter-agent
// notification. Every channel is a FIFO queue; role-addressed messages are
// also queued for their receiver so an agent can drain only its own backlog.
package bus

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/deniskropp/t170/pkg/models"
)

// Well-known queue names.
const (
	// DefaultChannel receives retried messages whose original channel is unknown.
	DefaultChannel = "default"
	// FailedQueue holds messages whose consumer handler failed.
	FailedQueue = "failed"
)

// Metadata keys added to failed messages.
const (
	MetaError           = "error"
	MetaFailedAt        = "failed_at"
	MetaOriginalChannel = "original_channel"
)

const (
	defaultHistoryLimit  = 1000
	defaultQueueCapacity = 1000
)

// Handler processes one message. Returning an error marks it as failed.
type Handler func(msg models.Message) error

// SubscriptionID identifies a subscriber for Unsubscribe.
type SubscriptionID string

// Journal persists published messages. *state.DB satisfies it.
type Journal interface {
	AppendMessage(m *models.Message) error
}

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus is a mutex-guarded set of queues with synchronous subscribers.
// Handlers run without the bus lock held, so they may publish.
type Bus struct {
	mu          sync.Mutex
	channels    map[string][]models.Message
	roles       map[models.Role][]models.Message
	failed      []models.Message
	subscribers map[string][]subscription

	history      map[string]models.Message
	historyOrder []string
	historyLimit int

	// capacity bounds every queue; zero means unbounded.
	capacity int
	dropped  atomic.Uint64

	journal   Journal
	onFailure func(queue string, err error)
	now       func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithJournal persists every published message.
func WithJournal(j Journal) Option {
	return func(b *Bus) { b.journal = j }
}

// WithHistoryLimit bounds how many messages Message can look up by ID.
func WithHistoryLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historyLimit = n
		}
	}
}

// WithQueueCapacity bounds each channel, role and failed queue to n
// messages. A full queue drops its oldest message. n <= 0 removes the bound.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n < 0 {
			n = 0
		}
		b.capacity = n
	}
}

// WithFailureHook is called whenever a subscriber or consumer handler fails.
func WithFailureHook(fn func(queue string, err error)) Option {
	return func(b *Bus) { b.onFailure = fn }
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		channels:     make(map[string][]models.Message),
		roles:        make(map[models.Role][]models.Message),
		subscribers:  make(map[string][]subscription),
		history:      make(map[string]models.Message),
		historyLimit: defaultHistoryLimit,
		capacity:     defaultQueueCapacity,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewMessage builds a message with a fresh ID and timestamp.
func NewMessage(sender, receiver models.Role, typ models.MessageType, channel, content string) models.Message {
	return models.Message{
		ID:        "msg-" + uuid.New().String(),
		Timestamp: time.Now(),
		Sender:    sender,
		Receiver:  receiver,
		Type:      typ,
		Channel:   channel,
		Content:   content,
	}
}

// Subscribe registers handler for every message published on channel.
func (b *Bus) Subscribe(channel string, handler Handler) SubscriptionID {
	id := SubscriptionID("sub-" + uuid.New().String())
	b.mu.Lock()
	b.subscribers[channel] = append(b.subscribers[channel], subscription{id: id, handler: handler})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscriber. It reports whether one was removed.
func (b *Bus) Unsubscribe(channel string, id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[channel]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[channel] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish enqueues msg and synchronously notifies the channel's subscribers
// in subscription order. A failing subscriber is logged and does not stop
// delivery to the others. It returns the message ID.
func (b *Bus) Publish(msg models.Message) string {
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}
	if msg.Channel == "" {
		msg.Channel = DefaultChannel
	}

	b.mu.Lock()
	b.channels[msg.Channel] = b.push(msg.Channel, b.channels[msg.Channel], msg.Clone())
	switch {
	case msg.IsBroadcast():
		for role, q := range b.roles {
			b.roles[role] = b.push(string(role), q, msg.Clone())
		}
	case msg.Receiver != "":
		b.roles[msg.Receiver] = b.push(string(msg.Receiver), b.roles[msg.Receiver], msg.Clone())
	}
	b.remember(msg)
	subs := append([]subscription(nil), b.subscribers[msg.Channel]...)
	b.mu.Unlock()

	if b.journal != nil {
		if err := b.journal.AppendMessage(&msg); err != nil {
			log.Printf("[bus] journal append failed for %s: %v", msg.ID, err)
		}
	}

	for _, s := range subs {
		if err := invoke(s.handler, msg.Clone()); err != nil {
			log.Printf("[bus] subscriber %s on %q failed: %v", s.id, msg.Channel, err)
			b.reportFailure(msg.Channel, err)
		}
	}
	return msg.ID
}

// Broadcast addresses msg to every role and publishes it.
func (b *Bus) Broadcast(msg models.Message) string {
	msg.Receiver = models.RoleBroadcast
	return b.Publish(msg)
}

// Consume pops up to batchSize messages from channel in FIFO order and
// passes each to handler. When handler fails, the message moves to the
// failed queue and draining stops; the handler error is returned along
// with the number of messages processed successfully. FailedQueue drains
// the failed queue.
func (b *Bus) Consume(channel string, handler Handler, batchSize int) (int, error) {
	if channel == FailedQueue {
		return b.consume(channel, func() (models.Message, bool) {
			msg, rest, ok := shift(b.failed)
			b.failed = rest
			return msg, ok
		}, handler, batchSize)
	}
	return b.consume(channel, func() (models.Message, bool) {
		return popFront(b.channels, channel)
	}, handler, batchSize)
}

// ConsumeRole is Consume for a role's queue.
func (b *Bus) ConsumeRole(role models.Role, handler Handler, batchSize int) (int, error) {
	return b.consume(string(role), func() (models.Message, bool) {
		return popFront(b.roles, role)
	}, handler, batchSize)
}

func (b *Bus) consume(queue string, pop func() (models.Message, bool), handler Handler, batchSize int) (int, error) {
	processed := 0
	for processed < batchSize {
		b.mu.Lock()
		msg, ok := pop()
		b.mu.Unlock()
		if !ok {
			break
		}

		if err := invoke(handler, msg); err != nil {
			b.fail(msg, err)
			log.Printf("[bus] message %s from %q failed: %v", msg.ID, queue, err)
			b.reportFailure(queue, err)
			return processed, fmt.Errorf("consume %s: message %s: %w", queue, msg.ID, err)
		}
		processed++
	}
	return processed, nil
}

func (b *Bus) fail(msg models.Message, cause error) {
	failed := msg.Clone()
	if failed.Metadata == nil {
		failed.Metadata = make(map[string]string, 3)
	}
	failed.Metadata[MetaError] = cause.Error()
	failed.Metadata[MetaFailedAt] = b.now().UTC().Format(time.RFC3339)
	if failed.Channel != "" {
		failed.Metadata[MetaOriginalChannel] = failed.Channel
	}

	b.mu.Lock()
	b.failed = b.push(FailedQueue, b.failed, failed)
	b.mu.Unlock()
}

// push appends msg to q, dropping the head when q is at capacity.
// It must be called with b.mu held.
func (b *Bus) push(queue string, q []models.Message, msg models.Message) []models.Message {
	if b.capacity > 0 {
		for len(q) >= b.capacity {
			var dropped models.Message
			dropped, q, _ = shift(q)
			count := b.dropped.Add(1)
			if count%10 == 1 {
				log.Printf("[bus] WARNING: queue %q full, dropped oldest message %s (total dropped: %d)", queue, dropped.ID, count)
			}
		}
	}
	return append(q, msg)
}

// DroppedCount returns how many messages full queues have dropped.
func (b *Bus) DroppedCount() uint64 {
	return b.dropped.Load()
}

// RetryFailed re-publishes every failed message to its original channel, or
// to DefaultChannel when unknown, and empties the failed queue. It returns
// the number of messages retried.
func (b *Bus) RetryFailed() int {
	b.mu.Lock()
	pending := b.failed
	b.failed = nil
	b.mu.Unlock()

	for _, msg := range pending {
		channel := msg.Metadata[MetaOriginalChannel]
		if channel == "" {
			channel = DefaultChannel
		}
		delete(msg.Metadata, MetaError)
		delete(msg.Metadata, MetaFailedAt)
		delete(msg.Metadata, MetaOriginalChannel)
		if len(msg.Metadata) == 0 {
			msg.Metadata = nil
		}
		msg.Channel = channel
		b.Publish(msg)
	}
	return len(pending)
}

// Failed returns a snapshot of the failed queue.
func (b *Bus) Failed() []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneAll(b.failed)
}

// Peek returns up to n messages from the head of channel without removing them.
func (b *Bus) Peek(channel string, n int) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.channels[channel]
	if channel == FailedQueue {
		q = b.failed
	}
	if n > len(q) {
		n = len(q)
	}
	if n <= 0 {
		return nil
	}
	return cloneAll(q[:n])
}

// QueueSize returns the number of messages waiting on channel.
// FailedQueue reports the failed queue.
func (b *Bus) QueueSize(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel == FailedQueue {
		return len(b.failed)
	}
	return len(b.channels[channel])
}

// RoleQueueSize returns the number of messages waiting for role.
func (b *Bus) RoleQueueSize(role models.Role) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.roles[role])
}

// QueueSizes returns the depth of every non-empty channel queue plus the failed queue.
func (b *Bus) QueueSizes() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.channels)+1)
	for name, q := range b.channels {
		if len(q) > 0 {
			out[name] = len(q)
		}
	}
	if len(b.failed) > 0 {
		out[FailedQueue] = len(b.failed)
	}
	return out
}

// RegisterRole creates an empty queue for role so broadcasts reach it
// before it has received any direct message.
func (b *Bus) RegisterRole(role models.Role) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.roles[role]; !ok {
		b.roles[role] = nil
	}
}

// ClearQueue drops every message waiting on channel and returns how many were dropped.
func (b *Bus) ClearQueue(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel == FailedQueue {
		n := len(b.failed)
		b.failed = nil
		return n
	}
	n := len(b.channels[channel])
	delete(b.channels, channel)
	return n
}

// Message returns a recently published message by ID.
func (b *Bus) Message(id string) (models.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.history[id]
	if !ok {
		return models.Message{}, false
	}
	return m.Clone(), true
}

// remember must be called with b.mu held.
func (b *Bus) remember(msg models.Message) {
	if _, ok := b.history[msg.ID]; !ok {
		b.historyOrder = append(b.historyOrder, msg.ID)
	}
	b.history[msg.ID] = msg.Clone()
	for len(b.historyOrder) > b.historyLimit {
		delete(b.history, b.historyOrder[0])
		b.historyOrder = b.historyOrder[1:]
	}
}

func (b *Bus) reportFailure(queue string, err error) {
	if b.onFailure != nil {
		b.onFailure(queue, err)
	}
}

// invoke runs h, converting a panic into an error.
func invoke(h Handler, msg models.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(msg)
}

func popFront[K comparable](queues map[K][]models.Message, key K) (models.Message, bool) {
	msg, rest, ok := shift(queues[key])
	if ok {
		queues[key] = rest
	}
	return msg, ok
}

// shift removes the head of q. The vacated slot is zeroed so the backing
// array does not pin the message, and an emptied queue is released.
func shift(q []models.Message) (models.Message, []models.Message, bool) {
	if len(q) == 0 {
		return models.Message{}, q, false
	}
	msg := q[0]
	q[0] = models.Message{}
	if len(q) == 1 {
		return msg, nil, true
	}
	return msg, q[1:], true
}

func cloneAll(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// Package notify broadcasts thread change notifications to the other engine
// contexts (tabs, windows) of the same user profile on this machine.
//
// The primary transport is a shared local hub: the first context to start
// hosts it, later ones join (see HubTransport). Where the hub cannot be
// established the engine degrades to a shared-file transport watched with
// fsnotify (see FileTransport).
//
// Notifications are advisory. A receiving context re-reads the affected
// records from the durable store rather than trusting the payload, so lost
// or reordered messages only widen the staleness window, never corrupt state.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType tags a change notification.
type EventType string

const (
	ThreadUpdate     EventType = "thread-update"
	ThreadItemUpdate EventType = "thread-item-update"
	ThreadDelete     EventType = "thread-delete"
	ThreadItemDelete EventType = "thread-item-delete"
)

// Payload identifies the record(s) a notification is about.
type Payload struct {
	ThreadID string `json:"thread_id,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
}

// Message is the envelope sent across the transport.
type Message struct {
	Type      EventType `json:"type"`
	Data      Payload   `json:"data"`
	Timestamp int64     `json:"timestamp"`
	Origin    string    `json:"origin"`
}

// Transport moves messages between engine contexts. Send must not block on
// slow receivers; Messages is closed when the transport shuts down.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Messages() <-chan Message
	Close() error
}

// DefaultDebounce is the window over which outgoing notifications coalesce.
const DefaultDebounce = 300 * time.Millisecond

// Handler is invoked for every message received from another context.
type Handler func(Message)

// Notifier debounces outgoing notifications and dispatches incoming ones.
// During a burst of rapid updates only the most recent (type, data) pair in
// the window is actually sent; other contexts re-read state anyway, so
// intermediate notifications carry no extra information.
type Notifier struct {
	transport Transport
	handler   Handler
	debounce  time.Duration
	origin    string
	log       *slog.Logger

	mu      sync.Mutex
	pending *Message
	timer   *time.Timer
	closed  bool

	done chan struct{}
}

func New(transport Transport, handler Handler, debounce time.Duration, log *slog.Logger) *Notifier {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	n := &Notifier{
		transport: transport,
		handler:   handler,
		debounce:  debounce,
		origin:    uuid.NewString(),
		log:       log,
		done:      make(chan struct{}),
	}
	go n.receiveLoop()
	return n
}

// Publish schedules a notification. Failures are logged and swallowed; a
// local mutation must never be blocked by its notification.
func (n *Notifier) Publish(eventType EventType, data Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.pending = &Message{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Origin:    n.origin,
	}
	if n.timer == nil {
		n.timer = time.AfterFunc(n.debounce, n.fire)
	}
}

func (n *Notifier) fire() {
	n.mu.Lock()
	msg := n.pending
	n.pending = nil
	n.timer = nil
	n.mu.Unlock()
	if msg == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.transport.Send(ctx, *msg); err != nil {
		n.log.Warn("failed to notify other contexts", "type", msg.Type, "error", err)
	}
}

func (n *Notifier) receiveLoop() {
	defer close(n.done)
	for msg := range n.transport.Messages() {
		if msg.Origin == n.origin {
			continue
		}
		if n.handler != nil {
			n.handler(msg)
		}
	}
}

// Close stops the debounce timer, sends nothing further and tears down the
// transport.
func (n *Notifier) Close() error {
	n.mu.Lock()
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.pending = nil
	n.mu.Unlock()

	err := n.transport.Close()
	<-n.done
	return err
}

package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wjake/udp-receiver/internal/metrics"
	"github.com/wjake/udp-receiver/internal/protocol"
)

// ReceivedMessage is one decoded datagram
type ReceivedMessage struct {
	Sender     netip.AddrPort
	Payload    []byte
	Text       string
	ReceivedAt time.Time
}

// MessageEvent is what subscribers see for each decoded datagram
type MessageEvent struct {
	Receiver   *Endpoint      `json:"-"`
	SenderIP   string         `json:"sender_ip"`
	Sender     netip.AddrPort `json:"sender"`
	Message    string         `json:"message"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Handler consumes message events in the host context
type Handler func(MessageEvent)

// SubscriptionID identifies a registered Handler
type SubscriptionID uuid.UUID

func (id SubscriptionID) String() string {
	return uuid.UUID(id).String()
}

// Replier writes a datagram back to a peer
type Replier interface {
	WriteTo(p []byte, dst netip.AddrPort) (int, error)
}

// ErrConsumerActive is returned by Run when another Run is already draining the queue
var ErrConsumerActive = errors.New("dispatcher already has an active consumer")

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Dispatcher moves events from the receive goroutine to the host context and
// acknowledges every decoded datagram.
//
// The queue is bounded and ordered with a single consumer: either one Run
// goroutine, or periodic Drain calls from the host's own loop.
type Dispatcher struct {
	receiver *Endpoint
	queue    chan MessageEvent
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu   sync.RWMutex
	subs []subscription

	running atomic.Bool

	queued      atomic.Uint64
	dropped     atomic.Uint64
	delivered   atomic.Uint64
	acksSent    atomic.Uint64
	ackFailures atomic.Uint64
}

// DispatcherStatistics is a snapshot of dispatcher counters
type DispatcherStatistics struct {
	EventsQueued    uint64 `json:"events_queued"`
	EventsDropped   uint64 `json:"events_dropped"`
	EventsDelivered uint64 `json:"events_delivered"`
	AcksSent        uint64 `json:"acks_sent"`
	AckFailures     uint64 `json:"ack_failures"`
	QueueSize       int    `json:"queue_size"`
	QueueCapacity   int    `json:"queue_capacity"`
	Subscribers     int    `json:"subscribers"`
}

// NewDispatcher creates a dispatcher with the given queue capacity
func NewDispatcher(queueSize int, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:   make(chan MessageEvent, queueSize),
		logger:  logger,
		metrics: m,
	}
}

// Subscribe registers h. Handlers run in registration order.
func (d *Dispatcher) Subscribe(h Handler) SubscriptionID {
	id := SubscriptionID(uuid.New())

	d.mu.Lock()
	d.subs = append(d.subs, subscription{id: id, handler: h})
	d.mu.Unlock()

	return id
}

// Unsubscribe removes a handler, reporting whether it was registered
func (d *Dispatcher) Unsubscribe(id SubscriptionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := slices.IndexFunc(d.subs, func(s subscription) bool { return s.id == id })
	if i < 0 {
		return false
	}
	d.subs = slices.Delete(d.subs, i, i+1)
	return true
}

// OnReceived queues msg for the host and acknowledges the sender.
// It never blocks: a full queue drops the event, and acknowledgement failures
// are only logged.
func (d *Dispatcher) OnReceived(msg ReceivedMessage, reply Replier) {
	ev := MessageEvent{
		Receiver:   d.receiver,
		SenderIP:   msg.Sender.Addr().String(),
		Sender:     msg.Sender,
		Message:    msg.Text,
		ReceivedAt: msg.ReceivedAt,
	}

	select {
	case d.queue <- ev:
		d.queued.Add(1)
		d.metrics.RecordEventQueued(len(d.queue))
	default:
		d.dropped.Add(1)
		d.metrics.RecordEventDropped()
		d.logger.Warn("Event queue full, dropping message event",
			slog.String("sender", msg.Sender.String()),
			slog.Int("queue_capacity", cap(d.queue)),
		)
	}

	if reply == nil {
		return
	}

	if _, err := reply.WriteTo(protocol.AckPayload(), msg.Sender); err != nil {
		d.ackFailures.Add(1)
		d.metrics.RecordAck(false)
		d.logger.Warn("Failed to send acknowledgement",
			slog.String("sender", msg.Sender.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	d.acksSent.Add(1)
	d.metrics.RecordAck(true)
	d.logger.Debug("Sent acknowledgement",
		slog.String("sender", msg.Sender.String()),
		slog.String("reply", protocol.AckText),
	)
}

// Run delivers events to subscribers until ctx is done.
// Only one Run may be active at a time.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrConsumerActive
	}
	defer d.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

// Drain delivers every event queued at the time of the call without blocking
// and returns how many were delivered. Hosts with their own main loop call it
// once per tick instead of running Run.
func (d *Dispatcher) Drain() int {
	n := len(d.queue)
	delivered := 0
	for ; delivered < n; delivered++ {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return delivered
		}
	}
	return delivered
}

// Pending returns the number of queued events
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Capacity returns the queue capacity
func (d *Dispatcher) Capacity() int {
	return cap(d.queue)
}

// SubscriberCount returns the number of registered handlers
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Statistics returns a snapshot of the dispatcher counters
func (d *Dispatcher) Statistics() DispatcherStatistics {
	return DispatcherStatistics{
		EventsQueued:    d.queued.Load(),
		EventsDropped:   d.dropped.Load(),
		EventsDelivered: d.delivered.Load(),
		AcksSent:        d.acksSent.Load(),
		AckFailures:     d.ackFailures.Load(),
		QueueSize:       len(d.queue),
		QueueCapacity:   cap(d.queue),
		Subscribers:     d.SubscriberCount(),
	}
}

func (d *Dispatcher) deliver(ev MessageEvent) {
	d.mu.RLock()
	subs := slices.Clone(d.subs)
	d.mu.RUnlock()

	for _, s := range subs {
		d.invoke(s, ev)
	}

	d.delivered.Add(1)
	d.metrics.RecordEventDelivered(time.Since(ev.ReceivedAt).Seconds(), len(d.queue))
}

// invoke isolates the host loop from a panicking subscriber
func (d *Dispatcher) invoke(s subscription, ev MessageEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Message subscriber panicked",
				slog.String("subscription_id", s.id.String()),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	s.handler(ev)
}

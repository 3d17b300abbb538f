package receiver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wjake/udp-receiver/internal/metrics"
	"github.com/wjake/udp-receiver/internal/protocol"
)

// recordingReplier captures acknowledgements instead of writing to a socket
type recordingReplier struct {
	mu      sync.Mutex
	replies []netip.AddrPort
	payload []string
	err     error
}

func (r *recordingReplier) WriteTo(p []byte, dst netip.AddrPort) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.replies = append(r.replies, dst)
	r.payload = append(r.payload, string(p))
	return len(p), nil
}

func testMessage(text string, port uint16) ReceivedMessage {
	return ReceivedMessage{
		Sender:     netip.AddrPortFrom(loopback, port),
		Payload:    []byte(text),
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

func TestDispatcherDeliversInRegistrationOrder(t *testing.T) {
	d := NewDispatcher(16, discardLogger(), nil)

	var calls []string
	d.Subscribe(func(ev MessageEvent) { calls = append(calls, "first:"+ev.Message) })
	d.Subscribe(func(ev MessageEvent) { calls = append(calls, "second:"+ev.Message) })

	d.OnReceived(testMessage("a", 1000), nil)
	d.OnReceived(testMessage("b", 1000), nil)

	assert.Equal(t, 0, len(calls), "nothing is delivered until the host drains")
	assert.Equal(t, 2, d.Pending())

	assert.Equal(t, 2, d.Drain())
	assert.Equal(t, []string{"first:a", "second:a", "first:b", "second:b"}, calls)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherPreservesOrder(t *testing.T) {
	d := NewDispatcher(100, discardLogger(), nil)

	var got []string
	d.Subscribe(func(ev MessageEvent) { got = append(got, ev.Message) })

	var want []string
	for i := 0; i < 50; i++ {
		msg := fmt.Sprintf("m%02d", i)
		want = append(want, msg)
		d.OnReceived(testMessage(msg, 2000), nil)
	}
	d.Drain()

	assert.Equal(t, want, got)
}

func TestDispatcherUnsubscribe(t *testing.T) {
	d := NewDispatcher(4, discardLogger(), nil)

	count := 0
	id := d.Subscribe(func(MessageEvent) { count++ })
	assert.Equal(t, 1, d.SubscriberCount())

	assert.True(t, d.Unsubscribe(id))
	assert.False(t, d.Unsubscribe(id), "second unsubscribe is a no-op")
	assert.Equal(t, 0, d.SubscriberCount())

	d.OnReceived(testMessage("x", 1), nil)
	d.Drain()
	assert.Equal(t, 0, count)
	assert.Equal(t, uint64(1), d.Statistics().EventsDelivered, "events with no listeners still drain")
}

func TestDispatcherAcknowledgesSender(t *testing.T) {
	d := NewDispatcher(4, discardLogger(), nil)
	r := &recordingReplier{}

	msg := testMessage("ping", 4242)
	d.OnReceived(msg, r)

	require.Len(t, r.replies, 1)
	assert.Equal(t, msg.Sender, r.replies[0])
	assert.Equal(t, protocol.AckText, r.payload[0])
	assert.Equal(t, uint64(1), d.Statistics().AcksSent)
}

func TestDispatcherAckFailureIsNotPropagated(t *testing.T) {
	m := metrics.NewMetrics()
	d := NewDispatcher(4, discardLogger(), m)
	r := &recordingReplier{err: errors.New("network unreachable")}

	d.OnReceived(testMessage("ping", 4242), r)

	stats := d.Statistics()
	assert.Equal(t, uint64(1), stats.AckFailures)
	assert.Equal(t, uint64(1), stats.EventsQueued, "event is queued even though the ack failed")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AckFailures))
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	m := metrics.NewMetrics()
	d := NewDispatcher(2, discardLogger(), m)
	r := &recordingReplier{}

	for i := 0; i < 5; i++ {
		d.OnReceived(testMessage("x", 1), r)
	}

	stats := d.Statistics()
	assert.Equal(t, uint64(2), stats.EventsQueued)
	assert.Equal(t, uint64(3), stats.EventsDropped)
	assert.Equal(t, 5, len(r.replies), "every decoded datagram is acknowledged")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsDropped))
}

func TestDispatcherRun(t *testing.T) {
	d := NewDispatcher(8, discardLogger(), nil)

	received := make(chan MessageEvent, 1)
	d.Subscribe(func(ev MessageEvent) { received <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	d.OnReceived(testMessage("hello", 5555), nil)

	select {
	case ev := <-received:
		assert.Equal(t, "hello", ev.Message)
		assert.Equal(t, "127.0.0.1", ev.SenderIP)
		assert.Equal(t, uint16(5555), ev.Sender.Port())
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}

	// The first Run delivered the event, so it is active and a second consumer is refused
	assert.ErrorIs(t, d.Run(ctx), ErrConsumerActive)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDispatcherRecoversSubscriberPanic(t *testing.T) {
	d := NewDispatcher(4, discardLogger(), nil)

	var after []string
	d.Subscribe(func(MessageEvent) { panic("bad subscriber") })
	d.Subscribe(func(ev MessageEvent) { after = append(after, ev.Message) })

	d.OnReceived(testMessage("still delivered", 1), nil)

	assert.NotPanics(t, func() { d.Drain() })
	assert.Equal(t, []string{"still delivered"}, after)
}

package peers

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wjake/udp-receiver/internal/metrics"
	"github.com/wjake/udp-receiver/internal/receiver"
)

func newTestTracker(t *testing.T, m *metrics.Metrics) *Tracker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := NewTracker(logger, m, Config{IdleTimeout: time.Minute, SweepInterval: time.Hour})
	t.Cleanup(tr.Stop)
	return tr
}

func event(addr string, msg string, at time.Time) receiver.MessageEvent {
	ap := netip.MustParseAddrPort(addr)
	return receiver.MessageEvent{
		SenderIP:   ap.Addr().String(),
		Sender:     ap,
		Message:    msg,
		ReceivedAt: at,
	}
}

func TestObserveAccumulates(t *testing.T) {
	tr := newTestTracker(t, nil)
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tr.Observe(event("10.0.0.1:5000", "hello", t0))
	tr.Observe(event("10.0.0.1:5000", "again", t0.Add(time.Second)))

	p, ok := tr.Get(netip.MustParseAddrPort("10.0.0.1:5000"))
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", p.IP)
	assert.Equal(t, uint64(2), p.Datagrams)
	assert.Equal(t, uint64(len("hello")+len("again")), p.Bytes)
	assert.Equal(t, t0, p.FirstSeen)
	assert.Equal(t, t0.Add(time.Second), p.LastSeen)
	assert.Equal(t, "again", p.LastMessage)
	assert.Equal(t, 1, tr.Count())
}

func TestPortsAreDistinctPeers(t *testing.T) {
	tr := newTestTracker(t, nil)
	now := time.Now()

	tr.Observe(event("10.0.0.1:5000", "a", now))
	tr.Observe(event("10.0.0.1:5001", "b", now))

	assert.Equal(t, 2, tr.Count())
}

func TestSnapshotOrder(t *testing.T) {
	tr := newTestTracker(t, nil)
	t0 := time.Now()

	tr.Observe(event("10.0.0.1:1", "old", t0))
	tr.Observe(event("10.0.0.2:1", "new", t0.Add(2*time.Second)))
	tr.Observe(event("10.0.0.3:1", "mid", t0.Add(time.Second)))

	snap := tr.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "new", snap[0].LastMessage)
	assert.Equal(t, "mid", snap[1].LastMessage)
	assert.Equal(t, "old", snap[2].LastMessage)

	// Snapshots are copies
	snap[0].Datagrams = 99
	p, _ := tr.Get(snap[0].Address)
	assert.Equal(t, uint64(1), p.Datagrams)
}

func TestSweepEvictsIdlePeers(t *testing.T) {
	m := metrics.NewMetrics()
	tr := newTestTracker(t, m)
	t0 := time.Now()

	tr.Observe(event("10.0.0.1:1", "stale", t0))
	tr.Observe(event("10.0.0.2:1", "fresh", t0.Add(50*time.Second)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActivePeers))

	assert.Equal(t, 1, tr.sweep(t0.Add(90*time.Second)))
	assert.Equal(t, 1, tr.Count())
	assert.Equal(t, uint64(1), tr.Evicted())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActivePeers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PeersEvicted))

	_, ok := tr.Get(netip.MustParseAddrPort("10.0.0.2:1"))
	assert.True(t, ok)

	assert.Equal(t, 0, tr.sweep(t0.Add(100*time.Second)))
}

func TestBackgroundSweep(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := NewTracker(logger, nil, Config{IdleTimeout: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	defer tr.Stop()

	tr.Observe(event("10.0.0.1:1", "x", time.Now()))
	assert.Eventually(t, func() bool { return tr.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRemoveAndStop(t *testing.T) {
	tr := newTestTracker(t, nil)
	addr := netip.MustParseAddrPort("10.0.0.1:1")

	tr.Observe(event(addr.String(), "x", time.Now()))
	assert.True(t, tr.Remove(addr))
	assert.False(t, tr.Remove(addr))

	tr.Stop()
	tr.Stop()
}

func TestObserveUsesClockWhenEventUntimed(t *testing.T) {
	tr := newTestTracker(t, nil)
	fixed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }

	tr.Observe(event("10.0.0.1:1", "x", time.Time{}))

	p, ok := tr.Get(netip.MustParseAddrPort("10.0.0.1:1"))
	require.True(t, ok)
	assert.Equal(t, fixed, p.LastSeen)
}

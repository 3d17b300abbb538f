package peers

import (
	"cmp"
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/wjake/udp-receiver/internal/metrics"
	"github.com/wjake/udp-receiver/internal/receiver"
)

const (
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Peer is the activity record of one remote address
type Peer struct {
	Address     netip.AddrPort `json:"address"`
	IP          string         `json:"ip"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	Datagrams   uint64         `json:"datagrams"`
	Bytes       uint64         `json:"bytes"`
	LastMessage string         `json:"last_message"`
}

// Config controls idle eviction
type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Tracker keeps one Peer per sender address
type Tracker struct {
	peers   map[netip.AddrPort]*Peer
	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time

	evicted uint64

	// Cleanup management
	ctx      context.Context
	cancel   context.CancelFunc
	cleanup  chan struct{}
	interval time.Duration
	stopOnce sync.Once
}

// NewTracker creates a tracker and starts its sweep goroutine. Call Stop to end it.
func NewTracker(logger *slog.Logger, m *metrics.Metrics, cfg Config) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &Tracker{
		peers:    make(map[netip.AddrPort]*Peer),
		logger:   logger.With(slog.String("component", "peer-tracker")),
		metrics:  m,
		timeout:  cfg.IdleTimeout,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
		interval: cfg.SweepInterval,
	}

	go t.startCleanupRoutine()

	return t
}

// Observe records a message event. It is meant to be registered with
// Endpoint.Subscribe and runs in the host context.
func (t *Tracker) Observe(ev receiver.MessageEvent) {
	now := ev.ReceivedAt
	if now.IsZero() {
		now = t.now()
	}

	t.mu.Lock()
	p, exists := t.peers[ev.Sender]
	if !exists {
		p = &Peer{
			Address:   ev.Sender,
			IP:        ev.SenderIP,
			FirstSeen: now,
		}
		t.peers[ev.Sender] = p
	}
	p.LastSeen = now
	p.Datagrams++
	p.Bytes += uint64(len(ev.Message))
	p.LastMessage = ev.Message
	count := len(t.peers)
	t.mu.Unlock()

	if !exists {
		t.metrics.SetActivePeers(count)
		t.logger.Info("New peer",
			slog.String("address", ev.Sender.String()),
			slog.Int("active_peers", count),
		)
	}
}

// Get returns a copy of the record for addr
func (t *Tracker) Get(addr netip.AddrPort) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, exists := t.peers[addr]
	if !exists {
		return Peer{}, false
	}
	return *p, true
}

// Count returns the number of tracked peers
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Snapshot returns copies of all records, most recently active first
func (t *Tracker) Snapshot() []Peer {
	t.mu.RLock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b Peer) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.Address.String(), b.Address.String())
	})
	return out
}

// Remove forgets addr
func (t *Tracker) Remove(addr netip.AddrPort) bool {
	t.mu.Lock()
	_, exists := t.peers[addr]
	delete(t.peers, addr)
	count := len(t.peers)
	t.mu.Unlock()

	if exists {
		t.metrics.SetActivePeers(count)
	}
	return exists
}

// Evicted returns the number of peers removed by the sweep so far
func (t *Tracker) Evicted() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.evicted
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		<-t.cleanup

		t.logger.Info("Peer tracker stopped",
			slog.Int("remaining_peers", t.Count()),
			slog.Uint64("evicted_peers", t.Evicted()),
		)
	})
}

func (t *Tracker) startCleanupRoutine() {
	defer close(t.cleanup)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Debug("Peer cleanup routine started",
		slog.Duration("idle_timeout", t.timeout),
		slog.Duration("check_interval", t.interval),
	)

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.sweep(t.now())
		}
	}
}

// sweep removes peers idle for longer than the timeout and returns how many were removed
func (t *Tracker) sweep(now time.Time) int {
	t.mu.Lock()
	var expired []netip.AddrPort
	for addr, p := range t.peers {
		if now.Sub(p.LastSeen) > t.timeout {
			expired = append(expired, addr)
		}
	}
	for _, addr := range expired {
		delete(t.peers, addr)
	}
	t.evicted += uint64(len(expired))
	count := len(t.peers)
	t.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	t.metrics.RecordPeersEvicted(len(expired))
	t.metrics.SetActivePeers(count)
	t.logger.Info("Evicted idle peers",
		slog.Int("evicted", len(expired)),
		slog.Int("active_peers", count),
	)
	return len(expired)
}

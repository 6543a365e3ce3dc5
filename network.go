package zoesync

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Network Monitor
// ============================================================================

// Quality is a coarse, advisory classification of connection health derived
// from latency probes. It never gates the sync engine; only the binary
// online flag does.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityPoor    Quality = "poor"
	QualityOffline Quality = "offline"
)

// Prober measures round-trip latency to the backend. It should respect ctx.
type Prober func(ctx context.Context) (time.Duration, error)

// MonitorOptions configures a NetworkMonitor.
type MonitorOptions struct {
	Probe         Prober
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	PoorThreshold time.Duration
}

func (o *MonitorOptions) defaults() {
	if o.ProbeInterval == 0 {
		o.ProbeInterval = 30 * time.Second
	}
	if o.ProbeTimeout == 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.PoorThreshold == 0 {
		o.PoorThreshold = 2 * time.Second
	}
}

// NetworkMonitor tracks online/offline transitions and connection quality.
// The binary flag is driven by platform connectivity events via SetOnline;
// probe results only affect the advisory quality classification, so the two
// signals can disagree.
type NetworkMonitor struct {
	opts MonitorOptions

	mu       sync.Mutex
	online   bool
	quality  Quality
	probing  bool
	stopCh   chan struct{}
	stopped  bool
	started  bool

	listeners listenerSet[bool]
}

// NewNetworkMonitor creates a monitor that starts in the online state.
func NewNetworkMonitor(opts MonitorOptions) *NetworkMonitor {
	opts.defaults()
	return &NetworkMonitor{
		opts:    opts,
		online:  true,
		quality: QualityGood,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background probe loop. No-op without a Prober.
func (n *NetworkMonitor) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.stopped || n.opts.Probe == nil {
		return
	}
	n.started = true
	go n.probeLoop()
}

// Stop halts the probe loop and drops all listeners.
func (n *NetworkMonitor) Stop() {
	n.mu.Lock()
	if !n.stopped {
		n.stopped = true
		close(n.stopCh)
	}
	n.mu.Unlock()
	n.listeners.clear()
}

// IsOnline returns the current binary connectivity flag.
func (n *NetworkMonitor) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// Quality returns the advisory connection quality.
func (n *NetworkMonitor) Quality() Quality {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.quality
}

// SetOnline records a platform-level connectivity change. Listeners are
// notified only on an actual transition, with the new value.
func (n *NetworkMonitor) SetOnline(online bool) {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return
	}
	n.online = online
	if !online {
		n.quality = QualityOffline
	}
	n.mu.Unlock()

	n.listeners.notify(online)
}

// AddListener registers a transition callback and returns its disposer.
func (n *NetworkMonitor) AddListener(cb func(online bool)) func() {
	return n.listeners.add(cb)
}

func (n *NetworkMonitor) probeLoop() {
	ticker := time.NewTicker(n.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.probeOnce()
		}
	}
}

// probeOnce runs a single latency probe with at most one in flight.
func (n *NetworkMonitor) probeOnce() {
	n.mu.Lock()
	if n.probing {
		n.mu.Unlock()
		return
	}
	n.probing = true
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.opts.ProbeTimeout)
	latency, err := n.opts.Probe(ctx)
	cancel()

	quality := QualityGood
	switch {
	case err != nil:
		// Probe failure does not flip the binary flag.
		quality = QualityOffline
	case latency > n.opts.PoorThreshold:
		quality = QualityPoor
	}

	n.mu.Lock()
	n.quality = quality
	n.probing = false
	n.mu.Unlock()
}

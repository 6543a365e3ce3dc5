package zoesync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkMonitor_StartsOnline(t *testing.T) {
	n := NewNetworkMonitor(MonitorOptions{})
	assert.True(t, n.IsOnline())
	assert.Equal(t, QualityGood, n.Quality())
}

func TestNetworkMonitor_NotifiesOnTransitionOnly(t *testing.T) {
	n := NewNetworkMonitor(MonitorOptions{})

	var calls []bool
	n.AddListener(func(online bool) { calls = append(calls, online) })

	n.SetOnline(true) // already online, no event
	n.SetOnline(false)
	n.SetOnline(false) // still offline, no event
	n.SetOnline(true)

	assert.Equal(t, []bool{false, true}, calls)
	assert.Equal(t, QualityOffline, n.Quality(), "going offline forces quality offline")
}

func TestNetworkMonitor_ListenerDisposer(t *testing.T) {
	n := NewNetworkMonitor(MonitorOptions{})

	var count int
	dispose := n.AddListener(func(bool) { count++ })

	n.SetOnline(false)
	dispose()
	dispose() // disposing twice is harmless
	n.SetOnline(true)

	assert.Equal(t, 1, count)
}

func TestNetworkMonitor_ProbeClassifiesQuality(t *testing.T) {
	var latency atomic.Int64
	latency.Store(int64(50 * time.Millisecond))

	n := NewNetworkMonitor(MonitorOptions{
		Probe: func(ctx context.Context) (time.Duration, error) {
			return time.Duration(latency.Load()), nil
		},
		ProbeInterval: 5 * time.Millisecond,
		PoorThreshold: 2 * time.Second,
	})
	n.Start()
	defer n.Stop()

	require.Eventually(t, func() bool {
		return n.Quality() == QualityGood
	}, time.Second, time.Millisecond)

	latency.Store(int64(3 * time.Second))
	require.Eventually(t, func() bool {
		return n.Quality() == QualityPoor
	}, time.Second, time.Millisecond)
}

func TestNetworkMonitor_ProbeFailureDoesNotFlipOnlineFlag(t *testing.T) {
	n := NewNetworkMonitor(MonitorOptions{
		Probe: func(ctx context.Context) (time.Duration, error) {
			return 0, context.DeadlineExceeded
		},
		ProbeInterval: 5 * time.Millisecond,
	})
	n.Start()
	defer n.Stop()

	require.Eventually(t, func() bool {
		return n.Quality() == QualityOffline
	}, time.Second, time.Millisecond)
	assert.True(t, n.IsOnline(), "only SetOnline may change the binary flag")
}

func TestNetworkMonitor_SingleProbeInFlight(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32

	n := NewNetworkMonitor(MonitorOptions{
		Probe: func(ctx context.Context) (time.Duration, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			return time.Millisecond, nil
		},
		ProbeInterval: 2 * time.Millisecond,
	})
	n.Start()
	time.Sleep(150 * time.Millisecond)
	n.Stop()

	assert.LessOrEqual(t, maxInFlight.Load(), int32(1))
}

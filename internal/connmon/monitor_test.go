package connmon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// probeStub flips between reachable and unreachable under test control
type probeStub struct {
	failing atomic.Bool
}

func (p *probeStub) probe(ctx context.Context) error {
	if p.failing.Load() {
		return errors.New("connection refused")
	}
	return nil
}

// transitionLog records notifications delivered to one subscriber
type transitionLog struct {
	mu     sync.Mutex
	states []bool
}

func (tl *transitionLog) callback(online bool) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.states = append(tl.states, online)
}

func (tl *transitionLog) snapshot() []bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	out := make([]bool, len(tl.states))
	copy(out, tl.states)
	return out
}

func newTestMonitor(t *testing.T, probe Probe, opts *Options) *Monitor {
	t.Helper()
	m := New(probe, opts, zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

func TestMonitor_SubscribeInvokesImmediately(t *testing.T) {
	stub := &probeStub{}
	m := newTestMonitor(t, stub.probe, &Options{ProbeInterval: time.Hour})

	tl := &transitionLog{}
	unsubscribe := m.Subscribe(tl.callback)
	defer unsubscribe()

	require.Equal(t, []bool{true}, tl.snapshot())
}

func TestMonitor_RepeatedOfflineEventsNotifyOnce(t *testing.T) {
	stub := &probeStub{}
	m := newTestMonitor(t, stub.probe, &Options{ProbeInterval: time.Hour})

	tl := &transitionLog{}
	defer m.Subscribe(tl.callback)()

	m.NotifyOffline()
	m.NotifyOffline()
	m.NotifyOffline()

	// initial subscribe call plus exactly one transition
	assert.Equal(t, []bool{true, false}, tl.snapshot())
	assert.False(t, m.IsOnline())
}

func TestMonitor_ProbeRecoveryNotifiesOncePerTransition(t *testing.T) {
	stub := &probeStub{}
	stub.failing.Store(true)
	m := newTestMonitor(t, stub.probe, &Options{
		ProbeInterval:  5 * time.Millisecond,
		OnlineDebounce: time.Millisecond,
	})

	tl := &transitionLog{}
	defer m.Subscribe(tl.callback)()

	m.NotifyOffline()
	require.False(t, m.IsOnline())

	stub.failing.Store(false)
	require.Eventually(t, m.IsOnline, time.Second, time.Millisecond)

	// let several successful probes run; none may re-notify
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, tl.snapshot())
}

func TestMonitor_FailedProbeFlipsOfflineAfterQuietPeriod(t *testing.T) {
	stub := &probeStub{}
	stub.failing.Store(true)
	m := newTestMonitor(t, stub.probe, &Options{
		ProbeInterval:  5 * time.Millisecond,
		OnlineDebounce: 40 * time.Millisecond,
	})

	m.NotifyOffline()
	stub.failing.Store(false)
	require.Eventually(t, m.IsOnline, time.Second, time.Millisecond)

	// a failure right after coming online is held by the quiet period
	stub.failing.Store(true)
	time.Sleep(15 * time.Millisecond)
	assert.True(t, m.IsOnline())

	require.Eventually(t, func() bool { return !m.IsOnline() }, time.Second, time.Millisecond)
}

func TestMonitor_PanickingSubscriberDoesNotStarveOthers(t *testing.T) {
	stub := &probeStub{}
	m := newTestMonitor(t, stub.probe, &Options{ProbeInterval: time.Hour})

	defer m.Subscribe(func(bool) { panic("bad subscriber") })()
	tl := &transitionLog{}
	defer m.Subscribe(tl.callback)()

	m.NotifyOffline()
	m.NotifyOnline()

	assert.Equal(t, []bool{true, false, true}, tl.snapshot())
}

func TestMonitor_Unsubscribe(t *testing.T) {
	stub := &probeStub{}
	m := newTestMonitor(t, stub.probe, &Options{ProbeInterval: time.Hour})

	tl := &transitionLog{}
	unsubscribe := m.Subscribe(tl.callback)
	unsubscribe()

	m.NotifyOffline()
	assert.Equal(t, []bool{true}, tl.snapshot())
}

func TestMonitor_CloseIsIdempotent(t *testing.T) {
	stub := &probeStub{}
	m := New(stub.probe, &Options{ProbeInterval: time.Millisecond}, zap.NewNop())
	m.Close()
	m.Close()
}

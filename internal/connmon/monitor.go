// Package connmon tracks backend reachability for the POS terminal. It
// combines host-shell online/offline events with an active probe against the
// order service and tells subscribers only about genuine transitions.
package connmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval  = 5 * time.Second
	defaultOnlineDebounce = 2 * time.Second
	defaultProbeTimeout   = 3 * time.Second
)

// Probe performs one reachability check against the backend. A nil error
// means reachable.
type Probe func(ctx context.Context) error

// Options configures a Monitor
type Options struct {
	// ProbeInterval is how often the active probe runs
	ProbeInterval time.Duration
	// OnlineDebounce is the quiet period before a failed probe flips the
	// monitor offline, to avoid flapping on a single slow check
	OnlineDebounce time.Duration
	// ProbeTimeout bounds one probe call
	ProbeTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{
		ProbeInterval:  defaultProbeInterval,
		OnlineDebounce: defaultOnlineDebounce,
		ProbeTimeout:   defaultProbeTimeout,
	}
	if o == nil {
		return out
	}
	if o.ProbeInterval > 0 {
		out.ProbeInterval = o.ProbeInterval
	}
	if o.OnlineDebounce > 0 {
		out.OnlineDebounce = o.OnlineDebounce
	}
	if o.ProbeTimeout > 0 {
		out.ProbeTimeout = o.ProbeTimeout
	}
	return out
}

// Callback receives connectivity transitions
type Callback func(online bool)

// Monitor is a debounced connectivity signal. Subscribers are notified once
// per transition, never per probe.
type Monitor struct {
	probe  Probe
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	online      bool
	lastFlip    time.Time
	subscribers map[int]Callback
	nextSubID   int

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Monitor and starts its periodic probe. The monitor assumes
// online until the first evidence says otherwise, matching a terminal that
// boots with working connectivity.
func New(probe Probe, opts *Options, logger *zap.Logger) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		probe:       probe,
		opts:        opts.withDefaults(),
		logger:      logger,
		online:      true,
		subscribers: map[int]Callback{},
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go m.run(ctx)
	return m
}

// IsOnline returns the current connectivity state
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a callback. It is invoked immediately with the current
// state and then once per transition. The returned function unsubscribes.
func (m *Monitor) Subscribe(cb Callback) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = cb
	online := m.online
	m.mu.Unlock()

	safeInvoke(cb, online, m.logger)

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// NotifyOnline feeds a host-shell online event into the monitor
func (m *Monitor) NotifyOnline() {
	m.setOnline(true, "host event")
}

// NotifyOffline feeds a host-shell offline event into the monitor
func (m *Monitor) NotifyOffline() {
	m.setOnline(false, "host event")
}

// Close stops the probe loop and drops all subscribers. Safe to call more
// than once.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done
		m.mu.Lock()
		m.subscribers = map[int]Callback{}
		m.mu.Unlock()
	})
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("connection monitor stopped")
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	err := m.probe(probeCtx)
	cancel()

	if err == nil {
		m.setOnline(true, "probe ok")
		return
	}
	if ctx.Err() != nil {
		return
	}

	// one failed probe right after coming online is not enough to flip back
	m.mu.Lock()
	withinQuietPeriod := m.online && time.Since(m.lastFlip) < m.opts.OnlineDebounce
	m.mu.Unlock()
	if withinQuietPeriod {
		m.logger.Debug("probe failed within quiet period, holding state", zap.Error(err))
		return
	}
	m.setOnline(false, "probe failed")
}

func (m *Monitor) setOnline(online bool, reason string) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.lastFlip = time.Now()
	cbs := make([]Callback, 0, len(m.subscribers))
	for _, cb := range m.subscribers {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("connection restored", zap.String("reason", reason))
	} else {
		m.logger.Info("connection lost", zap.String("reason", reason))
	}

	for _, cb := range cbs {
		safeInvoke(cb, online, m.logger)
	}
}

// safeInvoke keeps one panicking subscriber from starving the rest
func safeInvoke(cb Callback, online bool, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("connection callback panicked", zap.Any("panic", r))
		}
	}()
	cb(online)
}

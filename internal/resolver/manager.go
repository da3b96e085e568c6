package resolver

import (
	"context"
	"net/netip"
	"time"

	"go.uber.org/atomic"

	"github.com/relaytrace/relaytrace-go/internal/ioloop"
	"github.com/relaytrace/relaytrace-go/internal/logging"
)

// ManagerOptions configures a single endpoint's resolution lifecycle.
type ManagerOptions struct {
	Name               string
	Family             Family
	MinRefreshPeriod   time.Duration
	MaxRefreshPeriod   time.Duration
	FailureRetryPeriod time.Duration
}

// Manager owns the DNS resolution lifecycle for a single satellite
// endpoint: it resolves once when Start is called, then schedules a jittered
// refresh on every success and a fixed retry on every failure, always
// replacing the address set atomically from the owning I/O loop goroutine.
// Other goroutines observe the address set only through Snapshot, which
// never blocks on the loop.
type Manager struct {
	opts     ManagerOptions
	resolver Resolver
	loop     *ioloop.Loop
	logger   logging.Logger

	addrs          atomic.Pointer[[]netip.Addr]
	resolveAttempt atomic.Uint64
}

// NewManager constructs a Manager without resolving anything; the first
// resolution begins when Start is called. Neither call blocks the caller.
func NewManager(opts ManagerOptions, resolver Resolver, loop *ioloop.Loop, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{opts: opts, resolver: resolver, loop: loop, logger: logger}
}

// Start triggers the initial resolution. Must be called from the I/O loop
// goroutine (or before the loop starts running).
func (m *Manager) Start() {
	m.resolveAsync()
}

// Snapshot returns the most recently resolved address set. Safe to call
// from any goroutine; returns nil if resolution has never succeeded.
func (m *Manager) Snapshot() []netip.Addr {
	p := m.addrs.Load()
	if p == nil {
		return nil
	}
	return *p
}

// ResolveAttempts returns how many resolution attempts (success or
// failure) have been made, for tests asserting on refresh cadence.
func (m *Manager) ResolveAttempts() uint64 {
	return m.resolveAttempt.Load()
}

// resolveAsync performs the (blocking) lookup off the loop goroutine, then
// hands the result back to the loop for state mutation and scheduling.
func (m *Manager) resolveAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		addrs, err := m.resolver.Resolve(ctx, m.opts.Name, m.opts.Family)
		m.loop.Post(func() {
			m.resolveAttempt.Add(1)
			if err != nil {
				m.logger.Debug("dns resolution failed", "name", m.opts.Name, "error", err.Error())
				m.onFailure()
				return
			}
			snapshot := addrs
			m.addrs.Store(&snapshot)
			m.scheduleRefresh()
		})
	}()
}

func (m *Manager) onFailure() {
	m.loop.OnTimeout(m.opts.FailureRetryPeriod, m.resolveAsync)
}

func (m *Manager) scheduleRefresh() {
	d := jitteredInterval(m.opts.MinRefreshPeriod, m.opts.MaxRefreshPeriod)
	m.loop.OnTimeout(d, m.resolveAsync)
}

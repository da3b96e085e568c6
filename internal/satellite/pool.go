// Package satellite implements the connection pool that fans outgoing
// reports across a configured list of satellite collector endpoints, each
// backed by its own DNS resolution manager.
package satellite

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"

	"github.com/relaytrace/relaytrace-go/internal/fragment"
	"github.com/relaytrace/relaytrace-go/internal/ioloop"
	"github.com/relaytrace/relaytrace-go/internal/logging"
	"github.com/relaytrace/relaytrace-go/internal/resolver"
)

// ErrNoAddresses is returned by Send when no configured endpoint currently
// has a resolved address to send to.
var ErrNoAddresses = errors.New("satellite: no resolved addresses available")

// EndpointConfig names one satellite collector.
type EndpointConfig struct {
	Host string
	Port int
}

// PoolOptions configures the connection pool.
type PoolOptions struct {
	Endpoints []EndpointConfig
	Family    resolver.Family

	DialTimeout time.Duration

	MinDNSRefreshPeriod   time.Duration
	MaxDNSRefreshPeriod   time.Duration
	DNSFailureRetryPeriod time.Duration

	// StickyRouting selects the destination IP within an endpoint by
	// hashing the routing key instead of round robin, so repeated sends
	// from the same reporter tend to land on the same connection.
	StickyRouting bool

	Resolver resolver.Resolver
	dial     dialFunc // test hook
}

type endpoint struct {
	cfg     EndpointConfig
	manager *resolver.Manager
	conns   map[netip.Addr]*connection
	rrIndex uint64
}

// Pool fans reports out across satellite endpoints using round-robin host
// selection (optionally sticky-by-hash within an endpoint), reusing
// persistent connections across flushes.
type Pool struct {
	opts      PoolOptions
	loop      *ioloop.Loop
	logger    logging.Logger
	endpoints []*endpoint
	rrIndex   uint64

	reportsSent   atomic.Uint64
	reportsFailed atomic.Uint64
	bytesSent     atomic.Uint64
}

// NewPool constructs a Pool and starts DNS resolution for every configured
// endpoint. Must be called from (or before starting) the owning loop.
func NewPool(opts PoolOptions, loop *ioloop.Loop, logger logging.Logger) (*Pool, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("satellite: at least one endpoint must be configured")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	res := opts.Resolver
	if res == nil {
		res = resolver.NewSystemResolver()
	}

	p := &Pool{opts: opts, loop: loop, logger: logger}
	for _, cfg := range opts.Endpoints {
		ep := &endpoint{cfg: cfg, conns: map[netip.Addr]*connection{}}
		ep.manager = resolver.NewManager(resolver.ManagerOptions{
			Name:               cfg.Host,
			Family:             opts.Family,
			MinRefreshPeriod:   opts.MinDNSRefreshPeriod,
			MaxRefreshPeriod:   opts.MaxDNSRefreshPeriod,
			FailureRetryPeriod: opts.DNSFailureRetryPeriod,
		}, res, loop, logger)
		p.endpoints = append(p.endpoints, ep)
	}
	for _, ep := range p.endpoints {
		ep.manager.Start()
	}
	return p, nil
}

// Stats snapshots cumulative pool counters.
type Stats struct {
	ReportsSent   uint64
	ReportsFailed uint64
	BytesSent     uint64
}

// Stats returns a snapshot of cumulative counters.
func (p *Pool) Stats() Stats {
	return Stats{
		ReportsSent:   p.reportsSent.Load(),
		ReportsFailed: p.reportsFailed.Load(),
		BytesSent:     p.bytesSent.Load(),
	}
}

// Send attempts to deliver fragments to exactly one satellite, round-robin
// across endpoints and (by default) round robin across each endpoint's
// resolved addresses. It tries one address per endpoint, falling back
// through every endpoint before giving up; other addresses of the same
// endpoint are reached only by later Send calls as the round robin advances. The actual socket I/O for each attempt runs off the loop
// goroutine via connection.writeAsync; done is invoked back on the loop
// goroutine exactly once, after every endpoint has been tried or one
// succeeds. Must be called from the I/O loop goroutine.
func (p *Pool) Send(fragments *fragment.Stream, routingKey []byte, deadline time.Time, done func(err error)) {
	n := len(p.endpoints)
	start := int(p.rrIndex % uint64(n))
	p.rrIndex++
	p.sendFrom(fragments, routingKey, deadline, start, 0, n, false, nil, done)
}

func (p *Pool) sendFrom(fragments *fragment.Stream, routingKey []byte, deadline time.Time, start, i, n int, tried bool, lastErr error, done func(error)) {
	if i >= n {
		p.reportsFailed.Add(1)
		if !tried {
			done(ErrNoAddresses)
			return
		}
		done(fmt.Errorf("satellite: all endpoints failed: %w", lastErr))
		return
	}

	ep := p.endpoints[(start+i)%n]
	c, err := p.pickConnection(ep, routingKey)
	if err != nil {
		p.sendFrom(fragments, routingKey, deadline, start, i+1, n, tried, err, done)
		return
	}

	c.writeAsync(p.loop, fragments, deadline, func(_ int, werr error) {
		if werr != nil {
			p.logger.Debug("satellite write failed, failing over", "endpoint", ep.cfg.Host, "error", werr.Error())
			p.sendFrom(fragments, routingKey, deadline, start, i+1, n, true, werr, done)
			return
		}
		p.reportsSent.Add(1)
		p.bytesSent.Add(uint64(fragments.NumBytes()))
		done(nil)
	})
}

func (p *Pool) pickConnection(ep *endpoint, routingKey []byte) (*connection, error) {
	addrs := ep.manager.Snapshot()
	// Drop connections for addresses no longer in the resolved set.
	for addr, c := range ep.conns {
		if !containsAddr(addrs, addr) {
			c.markBroken()
			delete(ep.conns, addr)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddresses, ep.cfg.Host)
	}

	var addr netip.Addr
	if p.opts.StickyRouting && len(routingKey) > 0 {
		h := xxhash.Sum64(routingKey)
		addr = addrs[h%uint64(len(addrs))]
	} else {
		addr = addrs[int(ep.rrIndex%uint64(len(addrs)))]
		ep.rrIndex++
	}

	c, ok := ep.conns[addr]
	if !ok || c.isBroken() {
		dial := p.opts.dial
		c = newConnection(addr, ep.cfg.Port, dial, p.opts.DialTimeout)
		ep.conns[addr] = c
	}
	return c, nil
}

func containsAddr(addrs []netip.Addr, target netip.Addr) bool {
	for _, a := range addrs {
		if a == target {
			return true
		}
	}
	return false
}

package satellite

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/relaytrace/relaytrace-go/internal/fragment"
	"github.com/relaytrace/relaytrace-go/internal/ioloop"
)

// state is the per-connection state machine of spec.md §4.6. A send that
// must dial goes idle -> connecting -> ready; a send on a ready connection
// goes ready -> writing -> ready. Any error ends in broken, and the pool
// replaces a broken connection with a fresh idle one. State changes happen
// only on the loop goroutine, so a freshly dialed connection never shows
// writing.
type state int

const (
	stateIdle state = iota
	stateConnecting
	stateWriting
	stateReady
	stateBroken
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateWriting:
		return "writing"
	case stateReady:
		return "ready"
	case stateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// dialFunc allows tests to substitute the network dialer.
type dialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

func defaultDial(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

// connection is one outbound streaming socket to a single resolved IP of a
// satellite endpoint. Its state field is only ever touched from the I/O loop
// goroutine; the actual dial and Write syscalls for one in-flight send run
// on a helper goroutine spawned by writeAsync, per spec.md §5's requirement
// that the loop goroutine itself never block in socket I/O.
type connection struct {
	addr netip.Addr
	port int

	dial        dialFunc
	dialTimeout time.Duration

	conn  net.Conn
	state state
}

func newConnection(addr netip.Addr, port int, dial dialFunc, dialTimeout time.Duration) *connection {
	if dial == nil {
		dial = defaultDial
	}
	return &connection{addr: addr, port: port, dial: dial, dialTimeout: dialTimeout, state: stateIdle}
}

// writeAsync drains fragments onto the socket via a helper goroutine,
// dialing first if the connection isn't already established. done is
// invoked back on loop's goroutine exactly once, with the number of bytes
// actually written before any error or deadline expiry. A full drain is
// transport success and the connection is left ready for reuse; any error
// marks it broken so the next pickConnection call replaces it.
//
// Must be called from the I/O loop goroutine; done runs there too, so it is
// safe for done to mutate other loop-owned state (as recorder.flush's
// callback does).
func (c *connection) writeAsync(loop *ioloop.Loop, fragments *fragment.Stream, deadline time.Time, done func(n int, err error)) {
	dial := c.dial
	dialTimeout := c.dialTimeout
	address := netip.AddrPortFrom(c.addr, uint16(c.port)).String()
	reused := c.conn
	needDial := c.state != stateReady || reused == nil

	if needDial {
		c.state = stateConnecting
	} else {
		c.state = stateWriting
	}

	var dialed net.Conn
	loop.OnSocketWritable(func() (int, error) {
		conn := reused
		if needDial {
			d, err := dial("tcp", address, dialTimeout)
			if err != nil {
				return 0, fmt.Errorf("satellite: dial %s: %w", address, err)
			}
			conn = d
			dialed = d
		}
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return 0, err
		}

		var total int
		var writeErr error
		fragments.ForEachFragment(func(b []byte) bool {
			for len(b) > 0 {
				n, err := conn.Write(b)
				total += n
				if err != nil {
					writeErr = err
					return false
				}
				b = b[n:]
			}
			return true
		})
		return total, writeErr
	}, func(n int, err error) {
		if err != nil {
			if dialed != nil {
				_ = dialed.Close()
			}
			c.markBroken()
			done(n, err)
			return
		}
		if dialed != nil {
			c.conn = dialed
		}
		c.state = stateReady
		done(n, err)
	})
}

func (c *connection) markBroken() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.state = stateBroken
}

func (c *connection) isBroken() bool { return c.state == stateBroken }

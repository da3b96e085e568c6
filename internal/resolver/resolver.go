// Package resolver implements asynchronous DNS name resolution with
// periodic, jittered refresh for satellite endpoints.
package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"time"
)

// Family selects which address family a Resolver should return.
type Family int

const (
	// FamilyAny resolves both IPv4 and IPv6 addresses.
	FamilyAny Family = iota
	// FamilyIPv4 resolves only IPv4 addresses.
	FamilyIPv4
	// FamilyIPv6 resolves only IPv6 addresses.
	FamilyIPv6
)

// Resolver performs a single asynchronous name lookup. Implementations may
// block the calling goroutine; Manager always calls Resolve from a
// dedicated helper goroutine, never from the I/O loop goroutine.
type Resolver interface {
	Resolve(ctx context.Context, name string, family Family) ([]netip.Addr, error)
}

// netResolver is the default Resolver, backed by net.Resolver.
type netResolver struct {
	r *net.Resolver
}

// NewSystemResolver returns a Resolver backed by the standard library's
// system resolver.
func NewSystemResolver() Resolver {
	return &netResolver{r: net.DefaultResolver}
}

func (n *netResolver) Resolve(ctx context.Context, name string, family Family) ([]netip.Addr, error) {
	ipAddrs, err := n.r.LookupIPAddr(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(ipAddrs))
	for _, a := range ipAddrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		switch family {
		case FamilyIPv4:
			if !addr.Is4() {
				continue
			}
		case FamilyIPv6:
			if !addr.Is6() {
				continue
			}
		}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("resolver: no addresses found for %s", name)
	}
	return out, nil
}

// jitteredInterval draws a uniform random duration in [min, max]. If
// max <= min it returns min.
func jitteredInterval(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(rand.Int63n(int64(span)+1))
}

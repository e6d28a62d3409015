// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/miekg/dns"
)

// AddressResolver selects the remote address for a connection attempt.
//
// The factory picks the strategy at construction time: round-robin DNS
// resolution when connecting directly, or a no-op strategy when a proxy is
// configured and the proxy itself resolves the gateway host.
//
// Close releases any resources held by the strategy. The factory closes its
// resolver from [*ConnFactory.Close].
type AddressResolver interface {
	// Resolve maps the endpoint to a concrete address for dialing.
	Resolve(ctx context.Context, endpoint Endpoint) (netip.AddrPort, error)

	// Close releases resources held by the resolver.
	Close() error
}

// ErrResolutionDisabled is returned by [*NoopResolver.Resolve]: when a proxy
// is configured, the proxy resolves the gateway host and the factory never
// resolves addresses itself.
var ErrResolutionDisabled = errors.New("pushconn: address resolution is disabled")

// ErrNoAddressFound is returned when DNS resolution succeeds but yields no
// usable address for the endpoint host.
var ErrNoAddressFound = errors.New("pushconn: no address found for host")

// NewRoundRobinDNSResolver creates a [*RoundRobinDNSResolver] configured
// from the system resolver configuration (/etc/resolv.conf).
func NewRoundRobinDNSResolver() (*RoundRobinDNSResolver, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("pushconn: cannot read resolver configuration: %w", err)
	}
	var servers []string
	for _, server := range conf.Servers {
		servers = append(servers, net.JoinHostPort(server, conf.Port))
	}
	client := &dns.Client{}
	return &RoundRobinDNSResolver{
		Exchange: func(ctx context.Context, query *dns.Msg, server string) (*dns.Msg, error) {
			response, _, err := client.ExchangeContext(ctx, query, server)
			return response, err
		},
		Servers: servers,
	}, nil
}

// RoundRobinDNSResolver resolves the endpoint host via DNS and rotates
// through the resolved addresses across successive connection attempts, so
// that a gateway publishing several addresses receives connections spread
// over all of them.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Resolve].
type RoundRobinDNSResolver struct {
	// Exchange performs a single DNS query against the given server.
	//
	// Set by [NewRoundRobinDNSResolver] to use [*dns.Client.ExchangeContext].
	Exchange func(ctx context.Context, query *dns.Msg, server string) (*dns.Msg, error)

	// Servers lists the "host:port" DNS servers to query in order.
	//
	// Set by [NewRoundRobinDNSResolver] from the system configuration.
	Servers []string

	// closed records that Close was called.
	closed atomic.Bool

	// next is the rotation counter across resolved addresses.
	next atomic.Uint64
}

var _ AddressResolver = &RoundRobinDNSResolver{}

// Resolve implements [AddressResolver].
//
// IP address literals are returned directly without querying DNS. Host
// names are resolved by querying for A records first and AAAA records when
// no A record exists; the resolved addresses are rotated round-robin.
func (r *RoundRobinDNSResolver) Resolve(ctx context.Context, endpoint Endpoint) (netip.AddrPort, error) {
	if r.closed.Load() {
		return netip.AddrPort{}, net.ErrClosed
	}
	if addr, err := netip.ParseAddr(endpoint.Host); err == nil {
		return netip.AddrPortFrom(addr, endpoint.Port), nil
	}
	addrs, err := r.lookup(ctx, endpoint.Host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	index := (r.next.Add(1) - 1) % uint64(len(addrs))
	return netip.AddrPortFrom(addrs[index], endpoint.Port), nil
}

// Close implements [AddressResolver].
//
// Subsequent calls to [Resolve] fail with [net.ErrClosed].
func (r *RoundRobinDNSResolver) Close() error {
	r.closed.Store(true)
	return nil
}

// lookup queries for the host's addresses, preferring IPv4.
func (r *RoundRobinDNSResolver) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addrs, err := r.query(ctx, host, qtype)
		if err != nil {
			return nil, err
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAddressFound, host)
}

// query issues a single query type to the configured servers in order and
// returns the addresses in the first answer that contains any.
func (r *RoundRobinDNSResolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(host), qtype)
	var lastErr error
	for _, server := range r.Servers {
		response, err := r.Exchange(ctx, query, server)
		if err != nil {
			lastErr = err
			continue
		}
		if addrs := answerAddrs(response); len(addrs) > 0 {
			return addrs, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// answerAddrs extracts the A and AAAA addresses from a DNS response.
func answerAddrs(response *dns.Msg) (addrs []netip.Addr) {
	for _, rr := range response.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(rr.A.To4()); ok {
				addrs = append(addrs, addr)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(rr.AAAA.To16()); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return
}

// NoopResolver is the [AddressResolver] used when a proxy is configured:
// the connection is addressed through the proxy using the unresolved
// authority, so the factory never resolves the gateway host itself.
//
// The zero value is ready to use.
type NoopResolver struct{}

var _ AddressResolver = NoopResolver{}

// Resolve implements [AddressResolver].
//
// This function always returns [ErrResolutionDisabled].
func (NoopResolver) Resolve(ctx context.Context, endpoint Endpoint) (netip.AddrPort, error) {
	return netip.AddrPort{}, ErrResolutionDisabled
}

// Close implements [AddressResolver].
//
// This function does nothing and returns nil.
func (NoopResolver) Close() error {
	return nil
}

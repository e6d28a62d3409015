// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"context"
	"net"

	"golang.org/x/net/proxy"
)

// ProxyHandlerFactory produces one proxy-tunneling [Dialer] per connection
// attempt. The tunneling dialer is handed the unresolved gateway authority,
// so the proxy performs host resolution; the factory switches to a
// [NoopResolver] when a proxy is configured.
type ProxyHandlerFactory interface {
	NewProxyDialer() (Dialer, error)
}

// NewSOCKS5ProxyHandlerFactory returns a [*SOCKS5ProxyHandlerFactory]
// tunneling through the SOCKS5 proxy at the given "host:port" address.
//
// The cfg argument contains the common configuration for pushconn
// operations; its [Dialer] opens the TCP connection to the proxy itself.
//
// The auth argument holds the optional proxy credentials; pass nil when the
// proxy requires no authentication.
func NewSOCKS5ProxyHandlerFactory(cfg *Config, address string, auth *proxy.Auth) *SOCKS5ProxyHandlerFactory {
	return &SOCKS5ProxyHandlerFactory{
		Address: address,
		Auth:    auth,
		Forward: cfg.Dialer,
	}
}

// SOCKS5ProxyHandlerFactory implements [ProxyHandlerFactory] for SOCKS5
// proxies using [golang.org/x/net/proxy].
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [NewProxyDialer].
type SOCKS5ProxyHandlerFactory struct {
	// Address is the "host:port" address of the proxy.
	//
	// Set by [NewSOCKS5ProxyHandlerFactory] to the user-provided address.
	Address string

	// Auth holds the optional proxy credentials.
	//
	// Set by [NewSOCKS5ProxyHandlerFactory] to the user-provided value.
	Auth *proxy.Auth

	// Forward dials the TCP connection to the proxy itself.
	//
	// Set by [NewSOCKS5ProxyHandlerFactory] from [Config.Dialer].
	Forward Dialer
}

var _ ProxyHandlerFactory = &SOCKS5ProxyHandlerFactory{}

// NewProxyDialer implements [ProxyHandlerFactory].
func (f *SOCKS5ProxyHandlerFactory) NewProxyDialer() (Dialer, error) {
	socksDialer, err := proxy.SOCKS5("tcp", f.Address, f.Auth, &forwardDialer{f.Forward})
	if err != nil {
		return nil, err
	}
	return &tunnelDialer{socksDialer}, nil
}

// forwardDialer adapts a [Dialer] to the [proxy.Dialer] and
// [proxy.ContextDialer] interfaces expected by [proxy.SOCKS5].
type forwardDialer struct {
	dialer Dialer
}

var (
	_ proxy.Dialer        = &forwardDialer{}
	_ proxy.ContextDialer = &forwardDialer{}
)

// Dial implements [proxy.Dialer].
func (d *forwardDialer) Dial(network, address string) (net.Conn, error) {
	return d.dialer.DialContext(context.Background(), network, address)
}

// DialContext implements [proxy.ContextDialer].
func (d *forwardDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, network, address)
}

// tunnelDialer adapts the dialer returned by [proxy.SOCKS5] back to the
// package's [Dialer] interface.
type tunnelDialer struct {
	dialer proxy.Dialer
}

var _ Dialer = &tunnelDialer{}

// DialContext implements [Dialer].
//
// The dialer returned by [proxy.SOCKS5] also implements
// [proxy.ContextDialer]; the assertion keeps a plain-Dial fallback in case
// a custom proxy dialer does not.
func (d *tunnelDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if contextDialer, ok := d.dialer.(proxy.ContextDialer); ok {
		return contextDialer.DialContext(ctx, network, address)
	}
	return d.dialer.Dial(network, address)
}

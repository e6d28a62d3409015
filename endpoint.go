// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"net"
	"strconv"
)

// Endpoint identifies the remote push-notification gateway.
//
// The host doubles as the authority: it is used both for TCP addressing
// (possibly after DNS resolution) and as the TLS server name and protocol
// authority of every connection produced for this endpoint.
//
// Endpoints are immutable for the lifetime of a [*ConnFactory].
type Endpoint struct {
	// Host is the gateway host name or IP address literal.
	Host string

	// Port is the gateway TCP port.
	Port uint16
}

// NewEndpoint creates an [Endpoint] from a host and port.
func NewEndpoint(host string, port uint16) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// Authority returns the host identity used for TLS server-name
// verification and protocol-level addressing.
func (e Endpoint) Authority() string {
	return e.Host
}

// Addr returns the "host:port" dial address for this endpoint.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

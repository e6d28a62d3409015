// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"context"
	"net"
	"time"

	"golang.org/x/net/http2"
)

// HandlerSettings configures the protocol handler attached to each
// produced connection. The factory fills it from [FactorySettings] at
// construction time; both builder variants share it.
type HandlerSettings struct {
	// Authority is the protocol-level host identity.
	Authority string

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// FrameLogging enables per-frame diagnostic I/O logging.
	FrameLogging bool

	// GracefulShutdownTimeout bounds graceful shutdown of in-flight work;
	// zero means close immediately.
	GracefulShutdownTimeout time.Duration

	// Logger is the structured logger.
	Logger SLogger

	// PingTimeout bounds each idle liveness ping.
	PingTimeout time.Duration

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

// HandlerBuilder builds the protocol handler for one connection, turning
// the fully wrapped transport connection into a [*GatewayConn].
//
// There are exactly two implementations, selected once at factory
// construction time: [*CertificateHandlerBuilder] when the TLS client
// certificate carries the client identity, and [*TokenHandlerBuilder] when
// the handler authenticates each request with a signed bearer token.
type HandlerBuilder interface {
	Build(ctx context.Context, conn *IdleConn) (*GatewayConn, error)
}

// CertificateHandlerBuilder builds protocol handlers for certificate
// authentication mode. The handler carries no authentication state of its
// own: the TLS handshake already proved the client identity.
type CertificateHandlerBuilder struct {
	// Settings configures the built handlers.
	Settings HandlerSettings
}

var _ HandlerBuilder = &CertificateHandlerBuilder{}

// Build implements [HandlerBuilder].
func (b *CertificateHandlerBuilder) Build(ctx context.Context, conn *IdleConn) (*GatewayConn, error) {
	return buildGatewayConn(&b.Settings, conn, nil)
}

// TokenHandlerBuilder builds protocol handlers for token authentication
// mode. Every handler shares the factory's [*TokenMinter], so all
// connections reuse one token until it expires.
type TokenHandlerBuilder struct {
	// Minter mints and refreshes the bearer tokens.
	Minter *TokenMinter

	// Settings configures the built handlers.
	Settings HandlerSettings
}

var _ HandlerBuilder = &TokenHandlerBuilder{}

// Build implements [HandlerBuilder].
func (b *TokenHandlerBuilder) Build(ctx context.Context, conn *IdleConn) (*GatewayConn, error) {
	return buildGatewayConn(&b.Settings, conn, b.Minter)
}

// buildGatewayConn starts the multiplexed session over the wrapped
// connection and wires the idle-watch callback to the session's liveness
// ping. On error the connection has been closed.
func buildGatewayConn(settings *HandlerSettings, conn *IdleConn, minter *TokenMinter) (*GatewayConn, error) {
	var protoConn net.Conn = conn
	if settings.FrameLogging {
		protoConn = newDiagConn(conn, settings.Logger, settings.ErrClassifier, settings.TimeNow)
	}

	transport := &http2.Transport{}
	cc, err := transport.NewClientConn(protoConn)
	if err != nil {
		protoConn.Close()
		return nil, err
	}

	gc := &GatewayConn{
		authority:               settings.Authority,
		cc:                      cc,
		conn:                    protoConn,
		errClassifier:           settings.ErrClassifier,
		gracefulShutdownTimeout: settings.GracefulShutdownTimeout,
		logger:                  settings.Logger,
		minter:                  minter,
		pingTimeout:             settings.PingTimeout,
		timeNow:                 settings.TimeNow,
	}
	conn.SetOnIdle(gc.idlePing)
	return gc, nil
}

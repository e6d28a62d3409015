// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// PooledConnFactory is the pooled-object-factory contract the external
// connection pool consumes: asynchronous creation and destruction, each
// keyed by an explicit [*ConnRequest] completion handle rather than a
// blocking call.
//
// [*ConnFactory] implements this contract.
type PooledConnFactory interface {
	// Create produces one ready connection, asynchronously.
	Create(request *ConnRequest) *ConnRequest

	// Destroy closes a previously created connection, asynchronously.
	Destroy(conn *GatewayConn, request *ConnRequest) *ConnRequest
}

// GatewayConn is a ready-to-use connection to the push-notification
// gateway: an authenticated, TLS-protected, multiplexed session over the
// fully assembled transport pipeline.
//
// GatewayConn is safe for concurrent use. The pool owns each connection
// until it hands it back to [*ConnFactory.Destroy].
type GatewayConn struct {
	// authority is the protocol-level host identity.
	authority string

	// cc is the multiplexed protocol session.
	cc *http2.ClientConn

	// closeOnce makes Close idempotent.
	closeOnce sync.Once

	// conn is the outermost transport connection under the session.
	conn net.Conn

	// errClassifier classifies errors for structured logging.
	errClassifier ErrClassifier

	// gracefulShutdownTimeout bounds graceful shutdown; zero forces
	// immediate close.
	gracefulShutdownTimeout time.Duration

	// logger is the structured logger.
	logger SLogger

	// minter mints bearer tokens in token mode; nil in certificate mode.
	minter *TokenMinter

	// pingTimeout bounds each liveness ping.
	pingTimeout time.Duration

	// timeNow returns the current time.
	timeNow func() time.Time
}

// Authority returns the host identity this connection authenticates and
// addresses requests with.
func (c *GatewayConn) Authority() string {
	return c.authority
}

// CanTakeNewRequest reports whether the session can multiplex another
// request. Pools use this to evict connections the gateway is draining.
func (c *GatewayConn) CanTakeNewRequest() bool {
	return c.cc.CanTakeNewRequest()
}

// RoundTrip sends one request over the multiplexed session.
//
// In token authentication mode the current bearer token is attached to the
// request before sending; the token is minted lazily and reused until it
// exceeds the configured expiration.
func (c *GatewayConn) RoundTrip(req *http.Request) (*http.Response, error) {
	if c.minter != nil {
		token, err := c.minter.Token()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.cc.RoundTrip(req)
}

// Ping sends a protocol-level liveness probe and waits for the
// acknowledgement unless interrupted by the context.
func (c *GatewayConn) Ping(ctx context.Context) error {
	return c.cc.Ping(ctx)
}

// idlePing is the idle-watch callback: it probes the gateway after the
// connection has been quiet for the configured interval.
func (c *GatewayConn) idlePing() {
	ctx, cancel := context.WithTimeout(context.Background(), c.pingTimeout)
	defer cancel()
	err := c.cc.Ping(ctx)
	c.logger.Info(
		"idlePing",
		slog.String("authority", c.authority),
		slog.Any("err", err),
		slog.String("errClass", c.errClassifier.Classify(err)),
		slog.Time("t", c.timeNow()),
	)
}

// Close closes the connection.
//
// When a graceful-shutdown timeout is configured, in-flight work gets that
// long to finish before the session is forced closed. The transport chain
// under the session (idle watcher, write coalescing, TLS, TCP) is closed in
// order. Repeated calls return [net.ErrClosed].
func (c *GatewayConn) Close() (err error) {
	err = net.ErrClosed
	c.closeOnce.Do(func() {
		err = c.shutdown()
		closeErr := c.conn.Close()
		if err == nil && closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = closeErr
		}
	})
	return
}

// shutdown terminates the multiplexed session, gracefully when configured.
func (c *GatewayConn) shutdown() error {
	if c.gracefulShutdownTimeout <= 0 {
		return c.cc.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.gracefulShutdownTimeout)
	defer cancel()
	if err := c.cc.Shutdown(ctx); err != nil {
		c.cc.Close()
		return err
	}
	return nil
}

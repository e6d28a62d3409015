// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making [*DialFunc] depend on an abstract implementation we allow
// for unit testing and for dialing through a proxy tunnel.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialFunc returns a new [*DialFunc] with the configured dialer.
//
// The cfg argument contains the common configuration for pushconn operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDialFunc(cfg *Config, logger SLogger) *DialFunc {
	return &DialFunc{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// DialFunc opens the TCP transport connection for one connection attempt.
//
// The input is the "host:port" address to dial: a resolved address when
// connecting directly, or the unresolved authority when the configured
// [Dialer] tunnels through a proxy that resolves the host itself.
//
// Returns either a valid [net.Conn] or an error, never both. On success,
// Nagle's algorithm is disabled on the connection so small protocol frames
// are not held back by the kernel.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type DialFunc struct {
	// Dialer is the [Dialer] to use.
	//
	// Set by [NewDialFunc] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDialFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewDialFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewDialFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[string, net.Conn] = &DialFunc{}

// Call invokes the [*DialFunc] to connect to the given "host:port" address.
func (op *DialFunc) Call(ctx context.Context, address string) (net.Conn, error) {
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.logConnectStart(address, t0, deadline)
	conn, err := op.Dialer.DialContext(ctx, "tcp", address)
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	op.logConnectDone(address, t0, deadline, conn, err)
	return conn, err
}

func (op *DialFunc) logConnectStart(address string, t0 time.Time, deadline time.Time) {
	op.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", address),
		slog.Time("t", t0),
	)
}

func (op *DialFunc) logConnectDone(
	address string, t0 time.Time, deadline time.Time, conn net.Conn, err error) {
	op.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", address),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}

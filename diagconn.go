// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
)

// newDiagConn wraps a [net.Conn] to log every read, write, and close.
//
// The factory wraps the connection handed to the protocol handler when
// frame-level diagnostics are enabled, so the logged bytes are the
// plaintext protocol frames flowing above TLS. Per-I/O events are emitted
// at [slog.LevelDebug]; close events at [slog.LevelInfo].
func newDiagConn(conn net.Conn, logger SLogger, classifier ErrClassifier, timeNow func() time.Time) net.Conn {
	return &diagConn{
		classifier: classifier,
		conn:       conn,
		laddr:      safeconn.LocalAddr(conn),
		logger:     logger,
		raddr:      safeconn.RemoteAddr(conn),
		timeNow:    timeNow,
	}
}

// diagConn logs I/O operations on a [net.Conn].
type diagConn struct {
	classifier ErrClassifier
	closeonce  sync.Once
	conn       net.Conn
	laddr      string
	logger     SLogger
	raddr      string
	timeNow    func() time.Time
}

// Read implements [net.Conn].
func (c *diagConn) Read(buf []byte) (int, error) {
	t0 := c.timeNow()
	count, err := c.conn.Read(buf)
	c.logger.Debug(
		"frameRead",
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", c.classifier.Classify(err)),
		slog.String("localAddr", c.laddr),
		slog.String("remoteAddr", c.raddr),
		slog.Time("t0", t0),
		slog.Time("t", c.timeNow()),
	)
	return count, err
}

// Write implements [net.Conn].
func (c *diagConn) Write(data []byte) (int, error) {
	t0 := c.timeNow()
	count, err := c.conn.Write(data)
	c.logger.Debug(
		"frameWrite",
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", c.classifier.Classify(err)),
		slog.String("localAddr", c.laddr),
		slog.String("remoteAddr", c.raddr),
		slog.Time("t0", t0),
		slog.Time("t", c.timeNow()),
	)
	return count, err
}

// Close implements [net.Conn].
//
// Subsequent calls return [net.ErrClosed], consistent with Go's standard
// library behavior for closed connections.
func (c *diagConn) Close() (err error) {
	err = net.ErrClosed
	c.closeonce.Do(func() {
		t0 := c.timeNow()
		c.logger.Info(
			"closeStart",
			slog.String("localAddr", c.laddr),
			slog.String("remoteAddr", c.raddr),
			slog.Time("t", t0),
		)

		err = c.conn.Close()

		c.logger.Info(
			"closeDone",
			slog.Any("err", err),
			slog.String("errClass", c.classifier.Classify(err)),
			slog.String("localAddr", c.laddr),
			slog.String("remoteAddr", c.raddr),
			slog.Time("t0", t0),
			slog.Time("t", c.timeNow()),
		)
	})
	return
}

// LocalAddr implements [net.Conn].
func (c *diagConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr implements [net.Conn].
func (c *diagConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline implements [net.Conn].
func (c *diagConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline implements [net.Conn].
func (c *diagConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.Conn].
func (c *diagConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
)

// NewIdleWatchFunc returns a new [*IdleWatchFunc] firing after the given
// quiet period.
//
// The cfg argument contains the common configuration for pushconn operations.
//
// The interval argument is the quiet period after which the connection is
// considered idle; it must be positive.
func NewIdleWatchFunc(cfg *Config, interval time.Duration) *IdleWatchFunc {
	runtimex.Assert(interval > 0)
	return &IdleWatchFunc{
		Interval: interval,
		TimeNow:  cfg.TimeNow,
	}
}

// IdleWatchFunc wraps a [net.Conn] so that a callback fires whenever no
// read or write has happened for the configured interval.
//
// The factory uses the callback to trigger a protocol-level liveness ping,
// keeping the multiplexed connection warm and detecting dead peers while
// the connection sits idle in the pool. The callback keeps firing once per
// interval for as long as the connection stays quiet.
//
// The callback is registered on the returned [*IdleConn] after the wrapper
// exists, because the protocol handler that answers the callback is itself
// built on top of the wrapped connection.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type IdleWatchFunc struct {
	// Interval is the quiet period after which the connection is idle.
	//
	// Set by [NewIdleWatchFunc] to the user-provided interval.
	Interval time.Duration

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewIdleWatchFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[net.Conn, *IdleConn] = &IdleWatchFunc{}

// Call invokes the [*IdleWatchFunc] to wrap a connection.
func (op *IdleWatchFunc) Call(ctx context.Context, conn net.Conn) (*IdleConn, error) {
	ic := &IdleConn{
		conn:     conn,
		interval: op.Interval,
		timeNow:  op.TimeNow,
	}
	ic.lastActivity = op.TimeNow()
	ic.timer = time.AfterFunc(op.Interval, ic.watch)
	return ic, nil
}

// IdleConn is a [net.Conn] that tracks I/O activity and fires a callback
// after the configured quiet period. Created by [*IdleWatchFunc].
type IdleConn struct {
	conn     net.Conn
	interval time.Duration
	timeNow  func() time.Time

	mu           sync.Mutex
	closed       bool
	lastActivity time.Time
	onIdle       func()
	timer        *time.Timer
}

// SetOnIdle registers the idle callback.
//
// The callback runs on a timer goroutine and must not block for long; the
// factory registers a closure that triggers the protocol handler's
// liveness ping. A nil callback disables idle notification.
func (c *IdleConn) SetOnIdle(onIdle func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIdle = onIdle
}

// watch runs when the idle timer fires: it invokes the callback if the
// connection has been quiet for a full interval, otherwise it rearms the
// timer for the remainder of the quiet period.
func (c *IdleConn) watch() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	idleFor := c.timeNow().Sub(c.lastActivity)
	onIdle := c.onIdle
	if idleFor < c.interval {
		c.timer.Reset(c.interval - idleFor)
		c.mu.Unlock()
		return
	}
	c.lastActivity = c.timeNow()
	c.timer.Reset(c.interval)
	c.mu.Unlock()

	if onIdle != nil {
		onIdle()
	}
}

// touch records I/O activity.
func (c *IdleConn) touch() {
	c.mu.Lock()
	c.lastActivity = c.timeNow()
	c.mu.Unlock()
}

// Read implements [net.Conn].
func (c *IdleConn) Read(buf []byte) (int, error) {
	count, err := c.conn.Read(buf)
	c.touch()
	return count, err
}

// Write implements [net.Conn].
func (c *IdleConn) Write(data []byte) (int, error) {
	count, err := c.conn.Write(data)
	c.touch()
	return count, err
}

// Close implements [net.Conn].
//
// The idle timer is stopped before the underlying connection is closed.
// Repeated calls return [net.ErrClosed].
func (c *IdleConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.closed = true
	c.timer.Stop()
	c.mu.Unlock()
	return c.conn.Close()
}

// LocalAddr implements [net.Conn].
func (c *IdleConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr implements [net.Conn].
func (c *IdleConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline implements [net.Conn].
func (c *IdleConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline implements [net.Conn].
func (c *IdleConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.Conn].
func (c *IdleConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

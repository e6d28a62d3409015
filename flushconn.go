// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"
)

// DefaultFlushAfterWrites is the number of buffered writes that forces an
// immediate flush regardless of the coalescing window.
const DefaultFlushAfterWrites = 256

// DefaultCoalesceWindow is how long a buffered write may wait for more
// writes before the buffer is flushed to the underlying connection.
const DefaultCoalesceWindow = time.Millisecond

// NewFlushCoalesceFunc returns a new [*FlushCoalesceFunc] with default
// flush threshold and coalescing window.
func NewFlushCoalesceFunc[T net.Conn]() *FlushCoalesceFunc[T] {
	return &FlushCoalesceFunc[T]{
		FlushAfterWrites: DefaultFlushAfterWrites,
		Window:           DefaultCoalesceWindow,
	}
}

// FlushCoalesceFunc wraps a [net.Conn] so that bursts of small writes are
// coalesced into fewer, larger writes to the underlying connection.
//
// A multiplexed protocol emits many small frames in quick succession
// (headers, payload, window updates); writing each of them straight to the
// socket costs one syscall apiece. The wrapper buffers writes and flushes
// either when [FlushAfterWrites] writes have accumulated or when the
// coalescing [Window] elapses after the first buffered write, whichever
// comes first. Reads pass through untouched.
//
// Closing the returned connection flushes any buffered data before closing
// the underlying connection.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type FlushCoalesceFunc[T net.Conn] struct {
	// FlushAfterWrites is the buffered-write count that forces a flush.
	//
	// Set by [NewFlushCoalesceFunc] to [DefaultFlushAfterWrites].
	FlushAfterWrites int

	// Window is the maximum time a buffered write waits to be flushed.
	//
	// Set by [NewFlushCoalesceFunc] to [DefaultCoalesceWindow].
	Window time.Duration
}

var _ Func[TLSConn, net.Conn] = &FlushCoalesceFunc[TLSConn]{}
var _ Func[net.Conn, net.Conn] = &FlushCoalesceFunc[net.Conn]{}

// Call invokes the [*FlushCoalesceFunc] to wrap a connection.
func (op *FlushCoalesceFunc[T]) Call(ctx context.Context, conn T) (net.Conn, error) {
	return &coalescedConn{
		conn:             conn,
		flushAfterWrites: op.FlushAfterWrites,
		window:           op.Window,
		writer:           bufio.NewWriter(conn),
	}, nil
}

// coalescedConn buffers writes to a [net.Conn] and flushes them in batches.
type coalescedConn struct {
	conn             net.Conn
	flushAfterWrites int
	window           time.Duration

	mu       sync.Mutex
	closed   bool
	flushErr error
	pending  int
	timer    *time.Timer
	writer   *bufio.Writer
}

// Write implements [net.Conn].
//
// The data is buffered; a flush is scheduled after the coalescing window
// unless the buffered-write threshold forces one immediately. A failure
// from a deferred flush surfaces on the next write or on close.
func (c *coalescedConn) Write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.flushErr != nil {
		return 0, c.flushErr
	}
	count, err := c.writer.Write(data)
	if err != nil {
		c.flushErr = err
		return count, err
	}
	c.pending++
	if c.pending >= c.flushAfterWrites {
		return count, c.flushLocked()
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.flushAfterWindow)
	}
	return count, nil
}

// flushAfterWindow runs when the coalescing window elapses.
func (c *coalescedConn) flushAfterWindow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	if c.closed || c.flushErr != nil {
		return
	}
	c.flushLocked()
}

// flushLocked flushes the buffered writes. Callers must hold c.mu.
func (c *coalescedConn) flushLocked() error {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = 0
	if err := c.writer.Flush(); err != nil {
		c.flushErr = err
		return err
	}
	return nil
}

// Close implements [net.Conn].
//
// Buffered writes are flushed before the underlying connection is closed;
// a flush failure is reported in preference to the close outcome. Repeated
// calls return [net.ErrClosed].
func (c *coalescedConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.closed = true
	var flushErr error
	if c.flushErr == nil {
		flushErr = c.flushLocked()
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	closeErr := c.conn.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Read implements [net.Conn].
func (c *coalescedConn) Read(buf []byte) (int, error) {
	return c.conn.Read(buf)
}

// LocalAddr implements [net.Conn].
func (c *coalescedConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr implements [net.Conn].
func (c *coalescedConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline implements [net.Conn].
func (c *coalescedConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline implements [net.Conn].
func (c *coalescedConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.Conn].
func (c *coalescedConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

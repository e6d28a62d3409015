// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"crypto/tls"
	"errors"
	"sync/atomic"

	"github.com/bassosimone/runtimex"
)

// ErrTLSContextReleased is returned when releasing a [*SharedTLSContext]
// whose reference count already dropped to zero.
var ErrTLSContextReleased = errors.New("pushconn: TLS context already released")

// NewSharedTLSContext creates a [*SharedTLSContext] wrapping the given
// [*tls.Config] with a reference count of one, owned by the caller.
//
// The configuration must not be mutated after construction: it is shared
// by every holder and by every connection the holders create.
func NewSharedTLSContext(config *tls.Config) *SharedTLSContext {
	runtimex.Assert(config != nil)
	ctx := &SharedTLSContext{config: config}
	ctx.refs.Store(1)
	return ctx
}

// SharedTLSContext is an immutable TLS configuration (certificate chain,
// trust roots, cipher policy) with shared, reference-counted ownership.
//
// Several factories may hold the same context at once. Each holder calls
// [SharedTLSContext.Retain] when it takes a reference and
// [SharedTLSContext.Release] exactly once when it is done, regardless of
// how many connections it created in between. The context is dead once the
// count reaches zero; releasing past zero is reported as an error.
type SharedTLSContext struct {
	// config is the wrapped immutable configuration.
	config *tls.Config

	// refs counts the live references.
	refs atomic.Int64
}

// Config returns the wrapped [*tls.Config].
//
// The returned configuration is shared: callers needing to adjust fields
// must clone it first.
func (c *SharedTLSContext) Config() *tls.Config {
	return c.config
}

// Retain increments the reference count and returns the context so that
// retain-and-assign reads as one expression.
func (c *SharedTLSContext) Retain() *SharedTLSContext {
	c.refs.Add(1)
	return c
}

// Release decrements the reference count.
//
// Releasing more times than the context was retained returns
// [ErrTLSContextReleased]; the count never goes below zero.
func (c *SharedTLSContext) Release() error {
	for {
		current := c.refs.Load()
		if current <= 0 {
			return ErrTLSContextReleased
		}
		if c.refs.CompareAndSwap(current, current-1) {
			return nil
		}
	}
}

// Refs returns the current reference count.
func (c *SharedTLSContext) Refs() int64 {
	return c.refs.Load()
}

// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"context"
	"sync"

	"github.com/bassosimone/runtimex"
)

// NewConnRequest creates an unresolved [*ConnRequest].
func NewConnRequest() *ConnRequest {
	return &ConnRequest{done: make(chan Unit)}
}

// ConnRequest is an in-flight unit of work representing "produce one ready
// connection" (or, for [*ConnFactory.Destroy], "close this connection").
//
// A request is created by the pool, handed to the factory, and resolved
// exactly once with either a usable [*GatewayConn] or a failure cause.
// Requests are never reused. A caller that stops caring about the outcome
// simply discards the request; the attempt still runs and its result is
// dropped.
//
// ConnRequest is safe for concurrent use.
type ConnRequest struct {
	mu        sync.Mutex
	conn      *GatewayConn
	done      chan Unit
	err       error
	observers []func(conn *GatewayConn, err error)
	resolved  bool
}

// AddObserver registers a completion observer.
//
// Observers run synchronously, in registration order, when the request
// resolves, before [Done] is signalled; registering on an already resolved
// request runs the observer immediately. The factory uses observers to
// commit backoff transitions and emit diagnostics.
func (r *ConnRequest) AddObserver(observer func(conn *GatewayConn, err error)) {
	r.mu.Lock()
	if !r.resolved {
		r.observers = append(r.observers, observer)
		r.mu.Unlock()
		return
	}
	conn, err := r.conn, r.err
	r.mu.Unlock()
	observer(conn, err)
}

// Resolve resolves the request with a usable connection.
//
// Returns false if the request was already resolved, in which case the
// caller keeps ownership of the connection.
func (r *ConnRequest) Resolve(conn *GatewayConn) bool {
	return r.complete(conn, nil)
}

// Fail resolves the request with a failure cause.
//
// Returns false if the request was already resolved.
func (r *ConnRequest) Fail(err error) bool {
	runtimex.Assert(err != nil)
	return r.complete(nil, err)
}

// complete performs the single resolution transition.
func (r *ConnRequest) complete(conn *GatewayConn, err error) bool {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return false
	}
	r.resolved = true
	r.conn = conn
	r.err = err
	observers := r.observers
	r.observers = nil
	r.mu.Unlock()

	for _, observer := range observers {
		observer(conn, err)
	}
	close(r.done)
	return true
}

// Done returns a channel closed once the request has resolved.
func (r *ConnRequest) Done() <-chan Unit {
	return r.done
}

// Result returns the resolution outcome.
//
// Calling Result before [Done] is signalled is a programming error.
func (r *ConnRequest) Result() (*GatewayConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtimex.Assert(r.resolved)
	return r.conn, r.err
}

// Wait blocks until the request resolves or the context is done.
//
// A context expiry only abandons the wait: the scheduled attempt still
// runs and its result is dropped by the factory.
func (r *ConnRequest) Wait(ctx context.Context) (*GatewayConn, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

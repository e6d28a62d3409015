// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is a sequence of operations that can fail in a single, specific
// way. The factory allocates one span per connection attempt and attaches
// it to the attempt's logger, so the connect, TLS handshake, and handler
// events of one attempt can be correlated across pipeline stages.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}

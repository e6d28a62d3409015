// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"sync/atomic"
	"time"
)

// Bounds for the exponential backoff between connection attempts, in
// seconds. The delay starts at zero, doubles after each failed attempt
// within these bounds, and resets to zero after a success.
const (
	minConnectDelaySeconds = 1
	maxConnectDelaySeconds = 60
)

// backoffState is the shared backoff delay for one factory instance.
//
// Multiple in-flight attempts read and update the delay concurrently. The
// growth transition is compare-and-set against the delay observed when the
// attempt started, so an attempt that began from a stale delay cannot
// inflate a delay that a newer attempt already advanced, and cannot stomp
// a more recent reset. The reset-to-zero transition on success is a plain
// store: a stale success may overwrite a newer failure's larger delay.
// That leniency is deliberate and covered by a test; do not tighten it
// without revisiting the concurrency contract.
type backoffState struct {
	delaySeconds atomic.Int64
}

// current returns the delay, in seconds, an attempt dispatched now would
// observe and wait for.
func (b *backoffState) current() int64 {
	return b.delaySeconds.Load()
}

// delay returns the current delay as a [time.Duration].
func (b *backoffState) delay() time.Duration {
	return time.Duration(b.current()) * time.Second
}

// recordFailure grows the delay by doubling the value observed at the
// start of the failed attempt, clamped to the configured bounds. Only the
// attempt whose observed value still matches the shared state commits the
// transition.
func (b *backoffState) recordFailure(observedSeconds int64) {
	updated := min(observedSeconds*2, maxConnectDelaySeconds)
	updated = max(updated, minConnectDelaySeconds)
	b.delaySeconds.CompareAndSwap(observedSeconds, updated)
}

// recordSuccess resets the delay to zero.
func (b *backoffState) recordSuccess() {
	b.delaySeconds.Store(0)
}

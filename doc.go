// SPDX-License-Identifier: GPL-3.0-or-later

// Package pushconn produces ready-to-use, authenticated, TLS-protected
// transport connections for a push-notification-gateway client pool.
//
// # Core Abstraction
//
// The package is built around the [*ConnFactory], which implements the
// [PooledConnFactory] contract expected by an external connection pool:
//
//	Create(request *ConnRequest) *ConnRequest
//	Destroy(conn *GatewayConn, request *ConnRequest) *ConnRequest
//
// Both operations are asynchronous: they return immediately and resolve the
// given [*ConnRequest] exactly once, later, with either a usable
// [*GatewayConn] or a failure cause. The factory applies exponential backoff
// between connection attempts: the shared delay doubles after each failed
// attempt (clamped to [1s, 60s]) and resets to zero after a success, so a
// freshly constructed factory always connects without delay.
//
// # Pipeline
//
// Each connection attempt assembles an ordered pipeline of stages using the
// [Func] composition primitives:
//
//   - proxy tunneling (only when a [ProxyHandlerFactory] is configured)
//   - TCP connect via [*DialFunc], addressed either through the proxy or
//     through a round-robin DNS [AddressResolver]
//   - TLS handshake via [*TLSHandshakeFunc], using the shared
//     [*SharedTLSContext]
//   - write coalescing via [*FlushCoalesceFunc]
//   - idle watching via [*IdleWatchFunc], which triggers a liveness ping
//     after the configured quiet period
//   - protocol handler construction, producing the [*GatewayConn] that
//     multiplexes requests over the connection
//
// Stage ordering is a correctness contract: the proxy tunnel must wrap the
// raw TCP stream before TLS, and TLS must wrap the stream before the
// application protocol.
//
// # Authentication
//
// The factory supports two client authentication strategies, selected once
// at construction time:
//
//   - Certificate: the TLS client certificate inside the shared TLS context
//     carries the client identity; the protocol handler needs no extra state.
//   - Token: a [*SigningKey] plus a token-expiration duration; the protocol
//     handler mints ES256 bearer tokens via a [*TokenMinter] and refreshes
//     them once they exceed the configured expiration.
//
// # Resource Lifetime
//
// The factory retains a shared reference to its [*SharedTLSContext] for its
// whole lifetime and releases it exactly once from [*ConnFactory.Close],
// even under concurrent or repeated close calls. Close also closes the
// [AddressResolver]; the TLS-context release is attempted regardless of the
// resolver-close outcome.
//
// Connections produced by [*ConnFactory.Create] are owned by the caller (in
// practice, the pool) and are returned to the factory through
// [*ConnFactory.Destroy], which closes them and resolves the destroy request
// with the close outcome, never leaving it pending.
//
// # Error Classification
//
// [IsCertificatePathFailure] walks a failure's cause chain to detect
// trust-chain construction failures (the TLS trust chain could not be built
// to a trusted root). The factory uses it to emit an actionable trust-store
// diagnostic instead of a generic connection-failure message; callers can
// use it the same way. For structured-log labels, error classification is
// configurable via [ErrClassifier]; by default, a no-op classifier is used.
//
// # Observability
//
// All operations support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled. Set a custom [*slog.Logger]
// to enable it.
//
// The factory emits span events (*Start/*Done pairs) for each connection
// attempt and its stages: connAttemptStart/connAttemptDone,
// connectStart/connectDone, resolveStart/resolveDone,
// tlsHandshakeStart/tlsHandshakeDone, closeStart/closeDone. Completion
// events include t0 (start time), err, and errClass. When frame-level
// diagnostics are enabled, per-I/O events (read, write) are emitted at
// [slog.LevelDebug]; lifecycle events use [slog.LevelInfo]; the trust-store
// diagnostic uses [slog.LevelWarn].
//
// Every attempt is tagged with a unique, time-ordered span ID (UUIDv7, see
// [NewSpanID]) so that log entries from one attempt can be correlated
// across pipeline stages.
//
// # Concurrency
//
// Create and Destroy never block: scheduled attempts run on the Go
// runtime's shared timer and goroutine machinery, and the factory spawns no
// dedicated long-lived goroutines. The only state mutated by concurrent
// attempts is the shared backoff delay, updated with compare-and-set
// semantics so that only the attempt that observed the originating delay
// value commits its growth transition. Cancellation of in-flight attempts
// is not exposed: a caller that no longer wants a connection discards the
// request, the scheduled attempt still runs, and its result is closed and
// dropped.
//
// # Design Boundaries
//
// This package intentionally stops at the transport-connection lifecycle.
// The following are out of scope and belong to higher-level packages:
//
//   - The pool's acquisition and eviction policy
//   - The push-notification delivery protocol (payload format, error codes)
//   - Signed-token distribution and revocation
//
// The produced [*GatewayConn] exposes the multiplexed protocol boundary
// (round trips, liveness pings, graceful shutdown) and nothing more.
package pushconn

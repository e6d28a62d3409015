// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// Construction errors returned by [NewConnFactory].
var (
	// ErrMissingEndpoint means the factory settings lack a gateway endpoint.
	ErrMissingEndpoint = errors.New("pushconn: endpoint is required")

	// ErrMissingTLSContext means the factory settings lack a TLS context.
	ErrMissingTLSContext = errors.New("pushconn: TLS context is required")

	// ErrMissingIdlePingInterval means the factory settings lack the
	// idle/keep-alive interval, which is required to derive the idle-watch
	// layer and the liveness-ping deadline.
	ErrMissingIdlePingInterval = errors.New("pushconn: idle ping interval is required")

	// ErrMissingTokenExpiration means a signing key was configured without
	// a token-expiration duration.
	ErrMissingTokenExpiration = errors.New("pushconn: token expiration is required with a signing key")
)

// FactorySettings configures a [*ConnFactory]. All fields are read at
// construction time and immutable afterward.
type FactorySettings struct {
	// ConnectTimeout bounds each connection attempt (dial, TLS handshake,
	// and handler setup). Optional: zero means no per-attempt deadline.
	ConnectTimeout time.Duration

	// Endpoint is the remote gateway. Required.
	Endpoint Endpoint

	// FrameLogging enables frame-level diagnostic I/O logging on produced
	// connections. Optional.
	FrameLogging bool

	// GracefulShutdownTimeout is how long in-flight work may take to
	// finish when a produced connection is closed. Optional: zero means
	// close immediately.
	GracefulShutdownTimeout time.Duration

	// IdlePingInterval is the quiet period after which a produced
	// connection pings the gateway. Required.
	IdlePingInterval time.Duration

	// ProxyFactory produces one proxy-tunneling dialer per connection.
	// Optional: when set, address resolution is left to the proxy.
	ProxyFactory ProxyHandlerFactory

	// SigningKey selects token authentication mode when set; when nil the
	// TLS client certificate inside the TLS context carries the identity.
	SigningKey *SigningKey

	// TLSContext is the shared TLS configuration. Required. The factory
	// retains a reference for its lifetime.
	TLSContext *SharedTLSContext

	// TokenExpiration is how long minted bearer tokens are reused.
	// Required when SigningKey is set, ignored otherwise.
	TokenExpiration time.Duration
}

// NewConnFactory creates a [*ConnFactory] from the given settings.
//
// The cfg argument contains the common configuration for pushconn operations.
//
// The logger argument is the [SLogger] to use for structured logging.
//
// The factory retains a reference to the settings' TLS context; the caller
// must eventually call [*ConnFactory.Close] to release it and the address
// resolver.
func NewConnFactory(cfg *Config, settings *FactorySettings, logger SLogger) (*ConnFactory, error) {
	if settings.Endpoint.Host == "" {
		return nil, ErrMissingEndpoint
	}
	if settings.TLSContext == nil {
		return nil, ErrMissingTLSContext
	}
	if settings.IdlePingInterval <= 0 {
		return nil, ErrMissingIdlePingInterval
	}
	if settings.SigningKey != nil && settings.TokenExpiration <= 0 {
		return nil, ErrMissingTokenExpiration
	}

	// When a proxy is configured the proxy resolves the gateway host, so
	// the factory's own resolution strategy must be a no-op.
	var resolver AddressResolver
	if settings.ProxyFactory != nil {
		resolver = NoopResolver{}
	} else {
		var err error
		resolver, err = NewRoundRobinDNSResolver()
		if err != nil {
			return nil, err
		}
	}

	tlsConfig := settings.TLSContext.Config().Clone()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = settings.Endpoint.Authority()
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{"h2"}
	}

	handlerSettings := HandlerSettings{
		Authority:               settings.Endpoint.Authority(),
		ErrClassifier:           cfg.ErrClassifier,
		FrameLogging:            settings.FrameLogging,
		GracefulShutdownTimeout: settings.GracefulShutdownTimeout,
		Logger:                  logger,
		PingTimeout:             settings.IdlePingInterval,
		TimeNow:                 cfg.TimeNow,
	}
	var builder HandlerBuilder
	if settings.SigningKey != nil {
		builder = &TokenHandlerBuilder{
			Minter:   NewTokenMinter(cfg, settings.SigningKey, settings.TokenExpiration),
			Settings: handlerSettings,
		}
	} else {
		builder = &CertificateHandlerBuilder{Settings: handlerSettings}
	}

	return &ConnFactory{
		builder:          builder,
		cfg:              cfg,
		connectTimeout:   settings.ConnectTimeout,
		endpoint:         settings.Endpoint,
		idlePingInterval: settings.IdlePingInterval,
		logger:           logger,
		proxyFactory:     settings.ProxyFactory,
		resolver:         resolver,
		tlsConfig:        tlsConfig,
		tlsContext:       settings.TLSContext.Retain(),
	}, nil
}

// ConnFactory produces ready connections to the push-notification gateway
// for an external connection pool, applying exponential backoff between
// attempts. See the package documentation for the full lifecycle.
//
// ConnFactory is safe for concurrent use.
type ConnFactory struct {
	// backoff is the shared backoff delay across all attempts.
	backoff backoffState

	// builder builds the protocol handler for each connection.
	builder HandlerBuilder

	// cfg is the common pushconn configuration.
	cfg *Config

	// connectTimeout bounds each attempt; zero means no deadline.
	connectTimeout time.Duration

	// endpoint is the remote gateway.
	endpoint Endpoint

	// idlePingInterval is the idle-watch quiet period.
	idlePingInterval time.Duration

	// logger is the structured logger.
	logger SLogger

	// proxyFactory is nil unless a proxy is configured.
	proxyFactory ProxyHandlerFactory

	// releasedTLSContext guards the single TLS-context release.
	releasedTLSContext atomic.Bool

	// resolver is the address-resolution strategy.
	resolver AddressResolver

	// tlsConfig is the per-factory TLS configuration derived from the
	// shared context, with the server name bound to the authority.
	tlsConfig *tls.Config

	// tlsContext is the retained shared TLS context.
	tlsContext *SharedTLSContext
}

var _ PooledConnFactory = &ConnFactory{}

// Create produces one connection, asynchronously. The attempt is scheduled
// after the current backoff delay; the first attempt from a fresh factory
// runs immediately.
//
// The returned handle is the given request: it resolves exactly once with
// either a usable [*GatewayConn] or the connect failure as cause. Every
// completion commits exactly one backoff transition: growth by doubling
// the delay observed when this call ran (clamped to [1s, 60s]) on failure,
// reset to zero on success.
func (f *ConnFactory) Create(request *ConnRequest) *ConnRequest {
	observedDelay := f.backoff.current()

	request.AddObserver(func(conn *GatewayConn, err error) {
		if err == nil {
			f.backoff.recordSuccess()
			return
		}
		f.backoff.recordFailure(observedDelay)
		if IsCertificatePathFailure(err) {
			f.logger.Warn(
				"certificatePathFailure",
				slog.String("authority", f.endpoint.Authority()),
				slog.Any("err", err),
				slog.String("hint", "cannot build a certificate path to the gateway's certificate; the configured trust store probably lacks the gateway's root CA"),
				slog.Time("t", f.cfg.TimeNow()),
			)
		}
	})

	time.AfterFunc(time.Duration(observedDelay)*time.Second, func() {
		f.attempt(request)
	})
	return request
}

// attempt runs one scheduled connection attempt and resolves the request.
func (f *ConnFactory) attempt(request *ConnRequest) {
	logger := withSpanID(f.logger, NewSpanID())

	ctx := context.Background()
	if f.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.connectTimeout)
		defer cancel()
	}

	t0 := f.cfg.TimeNow()
	deadline, _ := ctx.Deadline()
	logger.Info(
		"connAttemptStart",
		slog.String("authority", f.endpoint.Authority()),
		slog.Time("deadline", deadline),
		slog.String("remoteAddr", f.endpoint.Addr()),
		slog.Time("t", t0),
	)

	conn, err := f.pipeline(logger).Call(ctx, Unit{})

	logger.Info(
		"connAttemptDone",
		slog.String("authority", f.endpoint.Authority()),
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", f.cfg.ErrClassifier.Classify(err)),
		slog.String("remoteAddr", f.endpoint.Addr()),
		slog.Time("t0", t0),
		slog.Time("t", f.cfg.TimeNow()),
	)

	if err != nil {
		request.Fail(err)
		return
	}
	if !request.Resolve(conn) {
		// The request was resolved by someone else; nobody owns the
		// connection we just built, so drop it.
		conn.Close()
	}
}

// pipeline assembles the ordered stage pipeline for one attempt. The
// ordering is a correctness contract: the proxy tunnel must wrap the raw
// stream before TLS, and TLS before the application protocol.
func (f *ConnFactory) pipeline(logger SLogger) Func[Unit, *GatewayConn] {
	return Compose5(
		f.transport(logger),
		NewTLSHandshakeFunc(f.cfg, f.tlsConfig, logger),
		NewFlushCoalesceFunc[TLSConn](),
		NewIdleWatchFunc(f.cfg, f.idlePingInterval),
		FuncAdapter[*IdleConn, *GatewayConn](f.builder.Build),
	)
}

// transport returns the stage that opens the TCP transport connection,
// through the proxy tunnel when one is configured and via round-robin DNS
// resolution otherwise.
func (f *ConnFactory) transport(logger SLogger) Func[Unit, net.Conn] {
	if f.proxyFactory != nil {
		return FuncAdapter[Unit, net.Conn](func(ctx context.Context, _ Unit) (net.Conn, error) {
			proxyDialer, err := f.proxyFactory.NewProxyDialer()
			if err != nil {
				return nil, err
			}
			dial := NewDialFunc(f.cfg, logger)
			dial.Dialer = proxyDialer
			return dial.Call(ctx, f.endpoint.Addr())
		})
	}
	return Compose2(f.resolve(logger), NewDialFunc(f.cfg, logger))
}

// resolve returns the stage that picks the remote address for this attempt.
func (f *ConnFactory) resolve(logger SLogger) Func[Unit, string] {
	return FuncAdapter[Unit, string](func(ctx context.Context, _ Unit) (string, error) {
		t0 := f.cfg.TimeNow()
		logger.Info(
			"resolveStart",
			slog.String("hostname", f.endpoint.Host),
			slog.Time("t", t0),
		)
		addr, err := f.resolver.Resolve(ctx, f.endpoint)
		logger.Info(
			"resolveDone",
			slog.Any("err", err),
			slog.String("errClass", f.cfg.ErrClassifier.Classify(err)),
			slog.String("hostname", f.endpoint.Host),
			slog.String("remoteAddr", addr.String()),
			slog.Time("t0", t0),
			slog.Time("t", f.cfg.TimeNow()),
		)
		if err != nil {
			return "", err
		}
		return addr.String(), nil
	})
}

// Destroy closes a previously created connection, asynchronously.
//
// The request resolves once close completes, propagating close's own
// outcome: a close failure is still reported, but the request is never
// left pending. The resolution carries no connection.
func (f *ConnFactory) Destroy(conn *GatewayConn, request *ConnRequest) *ConnRequest {
	go func() {
		if err := conn.Close(); err != nil {
			request.Fail(err)
			return
		}
		request.Resolve(nil)
	}()
	return request
}

// Close releases all resources the factory retained: the address
// resolver is closed, and the shared TLS context reference is released
// exactly once, even under concurrent or repeated Close calls. The
// context release is attempted regardless of the resolver-close outcome.
func (f *ConnFactory) Close() (err error) {
	defer func() {
		if f.releasedTLSContext.CompareAndSwap(false, true) {
			if releaseErr := f.tlsContext.Release(); releaseErr != nil && err == nil {
				err = releaseErr
			}
		}
	}()
	err = f.resolver.Close()
	return
}

// maxCauseChainDepth bounds the cause-chain walk in
// [IsCertificatePathFailure] so that a cyclic chain cannot hang it.
const maxCauseChainDepth = 64

// IsCertificatePathFailure reports whether the given failure cause is, or
// is caused by, a certificate-path-building failure: the TLS trust chain
// could not be built from the gateway's certificate to a trusted root.
//
// Callers use this to emit a trust-store misconfiguration diagnostic
// instead of a generic connection-failure message. A nil cause is not a
// certificate-path failure.
func IsCertificatePathFailure(err error) bool {
	for depth := 0; err != nil && depth < maxCauseChainDepth; depth++ {
		switch err.(type) {
		case x509.UnknownAuthorityError, *x509.UnknownAuthorityError:
			return true
		case x509.SystemRootsError, *x509.SystemRootsError:
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// withSpanID returns a logger that tags every record with the given span ID.
func withSpanID(logger SLogger, spanID string) SLogger {
	if sl, ok := logger.(*slog.Logger); ok {
		return sl.With(slog.String("spanID", spanID))
	}
	return &spanIDLogger{logger: logger, spanID: spanID}
}

// spanIDLogger tags records for [SLogger] implementations that are not a
// [*slog.Logger].
type spanIDLogger struct {
	logger SLogger
	spanID string
}

var _ SLogger = &spanIDLogger{}

// Debug implements [SLogger].
func (l *spanIDLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, l.tag(args)...)
}

// Info implements [SLogger].
func (l *spanIDLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.tag(args)...)
}

// Warn implements [SLogger].
func (l *spanIDLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, l.tag(args)...)
}

// tag appends the span ID without mutating the caller's slice.
func (l *spanIDLogger) tag(args []any) []any {
	out := make([]any, 0, len(args)+1)
	out = append(out, args...)
	return append(out, slog.String("spanID", l.spanID))
}

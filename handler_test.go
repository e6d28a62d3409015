// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestIdleConn wraps the given conn in an IdleConn with a quiet period
// long enough that the idle callback never fires during the test.
func newTestIdleConn(t *testing.T, conn net.Conn) *IdleConn {
	t.Helper()
	fn := NewIdleWatchFunc(NewConfig(), time.Hour)
	idle, err := fn.Call(context.Background(), conn)
	require.NoError(t, err)
	return idle
}

// newTestHandlerSettings returns handler settings suitable for tests.
func newTestHandlerSettings(logger SLogger) HandlerSettings {
	return HandlerSettings{
		Authority:     "api.gateway.example.com",
		ErrClassifier: DefaultErrClassifier,
		Logger:        logger,
		PingTimeout:   time.Second,
		TimeNow:       time.Now,
	}
}

// Build starts the multiplexed session and returns a GatewayConn bound to
// the configured authority.
func TestCertificateHandlerBuilderBuild(t *testing.T) {
	idle := newTestIdleConn(t, newBlockingConn())
	builder := &CertificateHandlerBuilder{
		Settings: newTestHandlerSettings(DefaultSLogger()),
	}

	conn, err := builder.Build(context.Background(), idle)

	require.NoError(t, err)
	require.NotNil(t, conn)
	defer conn.Close()

	assert.Equal(t, "api.gateway.example.com", conn.Authority())
	assert.True(t, conn.CanTakeNewRequest())
	assert.Nil(t, conn.minter)
}

// Build wires the shared token minter into every connection it builds.
func TestTokenHandlerBuilderBuild(t *testing.T) {
	key, err := NewSigningKey("ABC123DEFG", "DEF123GHIJ", newTestECDSAKey(t))
	require.NoError(t, err)
	minter := NewTokenMinter(NewConfig(), key, 50*time.Minute)

	builder := &TokenHandlerBuilder{
		Minter:   minter,
		Settings: newTestHandlerSettings(DefaultSLogger()),
	}

	idle := newTestIdleConn(t, newBlockingConn())
	conn, err := builder.Build(context.Background(), idle)

	require.NoError(t, err)
	require.NotNil(t, conn)
	defer conn.Close()

	assert.Same(t, minter, conn.minter)
}

// Build wraps the connection for frame-level diagnostics when frame
// logging is enabled, so session setup already emits frameWrite events.
func TestHandlerBuilderFrameLogging(t *testing.T) {
	logger, records := newCapturingLogger()
	settings := newTestHandlerSettings(logger)
	settings.FrameLogging = true

	builder := &CertificateHandlerBuilder{Settings: settings}

	idle := newTestIdleConn(t, newBlockingConn())
	conn, err := builder.Build(context.Background(), idle)
	require.NoError(t, err)
	defer conn.Close()

	assert.Contains(t, recordMessages(records), "frameWrite")
}

// Build closes the connection when session setup fails.
func TestHandlerBuilderSetupFailure(t *testing.T) {
	wantErr := errors.New("broken pipe")
	closed := false

	raw := newMinimalConn()
	raw.WriteFunc = func(data []byte) (int, error) {
		return 0, wantErr
	}
	raw.ReadFunc = func(buf []byte) (int, error) {
		return 0, wantErr
	}
	raw.CloseFunc = func() error {
		closed = true
		return nil
	}

	idle := newTestIdleConn(t, raw)
	builder := &CertificateHandlerBuilder{
		Settings: newTestHandlerSettings(DefaultSLogger()),
	}

	conn, err := builder.Build(context.Background(), idle)

	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, closed, "connection should be closed on setup failure")
}

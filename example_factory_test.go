// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/pushwire/pushconn"
)

// This example shows how to create a connection factory in token
// authentication mode, obtain one ready connection, send a notification
// over it, and tear everything down.
//
// There is no runnable push gateway to connect to, so this example is
// compiled but not executed.
func Example_tokenAuthentication() {
	// Create a config and a JSON logger writing to standard error.
	cfg := pushconn.NewConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	// The signing key would normally come from a PEM file distributed by
	// the gateway operator; see [pushconn.ParseSigningKeyPEM].
	rawKey := runtimex.PanicOnError1(ecdsa.GenerateKey(elliptic.P256(), rand.Reader))
	signingKey := runtimex.PanicOnError1(pushconn.NewSigningKey("ABC123DEFG", "DEF123GHIJ", rawKey))

	// The TLS context is shared: several factories may hold it at once and
	// each one releases its reference when closed.
	tlsContext := pushconn.NewSharedTLSContext(&tls.Config{})
	defer tlsContext.Release()

	factory := runtimex.PanicOnError1(pushconn.NewConnFactory(cfg, &pushconn.FactorySettings{
		ConnectTimeout:          30 * time.Second,
		Endpoint:                pushconn.NewEndpoint("api.gateway.example.com", 443),
		GracefulShutdownTimeout: 5 * time.Second,
		IdlePingInterval:        time.Minute,
		SigningKey:              signingKey,
		TLSContext:              tlsContext,
		TokenExpiration:         50 * time.Minute,
	}, logger))
	defer factory.Close()

	// Ask for one ready connection. The attempt is scheduled after the
	// factory's current backoff delay and the request resolves once the
	// connection is usable or the attempt failed.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn := runtimex.PanicOnError1(factory.Create(pushconn.NewConnRequest()).Wait(ctx))

	// Send one notification; the bearer token is attached automatically.
	req := runtimex.PanicOnError1(http.NewRequestWithContext(
		ctx, http.MethodPost, "https://api.gateway.example.com/3/device/0123456789abcdef", http.NoBody))
	resp := runtimex.PanicOnError1(conn.RoundTrip(req))
	defer resp.Body.Close()

	// Hand the connection back once done with it. Destroy always resolves
	// the request, even when closing fails.
	runtimex.PanicOnError1(factory.Destroy(conn, pushconn.NewConnRequest()).Wait(ctx))
}

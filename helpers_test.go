// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
	"golang.org/x/net/http2"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var (
		mu      sync.Mutex
		records []slog.Record
	)
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			mu.Lock()
			records = append(records, record)
			mu.Unlock()
			return nil
		},
	}
	return slog.New(handler), &records
}

// recordMessages extracts the messages from captured log records.
func recordMessages(records *[]slog.Record) (out []string) {
	for _, record := range *records {
		out = append(out, record.Message)
	}
	return
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] that wraps the given
// [TLSConn]. The engine's ClientFunc returns the conn, NameFunc returns
// "mock", and ParrotFunc returns "".
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// newBlockingConn returns a [*netstub.FuncConn] whose reads block until
// the connection is closed and whose writes always succeed. This is enough
// to start a multiplexed session over the connection without a peer.
func newBlockingConn() *netstub.FuncConn {
	halt := make(chan struct{})
	var once sync.Once
	conn := newMinimalConn()
	conn.ReadFunc = func(buf []byte) (int, error) {
		<-halt
		return 0, io.EOF
	}
	conn.WriteFunc = func(data []byte) (int, error) {
		return len(data), nil
	}
	conn.CloseFunc = func() error {
		once.Do(func() { close(halt) })
		return nil
	}
	return conn
}

// newPassthroughTLSConn returns a [*tlsstub.FuncTLSConn] that forwards all
// I/O to the given conn, handshakes successfully without touching the
// wire, and reports "h2" as the negotiated protocol. Tests use it to run
// the post-handshake pipeline stages over a plaintext connection.
func newPassthroughTLSConn(conn net.Conn) *tlsstub.FuncTLSConn {
	return &tlsstub.FuncTLSConn{
		FuncConn: &netstub.FuncConn{
			CloseFunc:       conn.Close,
			LocalAddrFunc:   conn.LocalAddr,
			ReadFunc:        conn.Read,
			RemoteAddrFunc:  conn.RemoteAddr,
			SetDeadlineFunc: conn.SetDeadline,
			SetReadDeadFunc: conn.SetReadDeadline,
			SetWriteDeaFunc: conn.SetWriteDeadline,
			WriteFunc:       conn.Write,
		},
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{NegotiatedProtocol: "h2"}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

// newPassthroughTLSEngine returns a [*tlsstub.FuncTLSEngine] whose client
// connections pass I/O straight through to the underlying conn.
func newPassthroughTLSEngine() *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return newPassthroughTLSConn(c)
		},
		NameFunc: func() string {
			return "passthrough"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// startGatewayServer starts an in-process HTTP/2 server side for a
// [net.Pipe] and returns the client side. The server answers every
// request with 200 and stops when the pipe closes.
func startGatewayServer(t *testing.T) net.Conn {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	server := &http2.Server{}
	go server.ServeConn(serverSide, &http2.ServeConnOpts{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	})
	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})
	return clientSide
}

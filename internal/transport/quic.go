// Package transport provides the reference QUIC byte-duplex the agent
// dispatcher (internal/agent) runs over. The credentialed transport is an
// external collaborator the core only consumes through io.ReadWriteCloser;
// this package is the one concrete implementation shipped so cmd/backupd
// is runnable standalone.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go"
)

// Stream adapts a single QUIC stream to io.ReadWriteCloser, the interface
// the agent dispatcher depends on. The dispatcher never imports quic-go
// directly, so any other duplex (a pipe in tests, a TLS TCP conn) is an
// equally valid substitute.
type Stream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (s *Stream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.stream.Write(p) }

// Close closes the stream and the underlying connection. The agent treats
// one connection as one client session.
func (s *Stream) Close() error {
	_ = s.stream.Close()
	return s.conn.CloseWithError(0, "session closed")
}

const (
	keepAlive = 10 * time.Second
	idleTO    = 60 * time.Second
	streamWin = 8 << 20   // 8 MiB
	connWin   = 128 << 20 // 128 MiB
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                keepAlive,
		MaxIdleTimeout:                 idleTO,
		InitialStreamReceiveWindow:     streamWin,
		InitialConnectionReceiveWindow: connWin,
	}
}

// Listener accepts one agent-dispatcher session at a time: the agent is a
// single long-lived process multiplexing one client connection, not a
// multi-tenant server.
type Listener struct {
	ql *quic.Listener
}

// Listen starts a QUIC listener on addr using the given TLS config (build
// one with GenerateSelfSignedCert + ServerTLSConfig for local development,
// or supply a properly issued certificate in production).
func Listen(addr string, tlsConf *tls.Config) (*Listener, error) {
	ql, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &Listener{ql: ql}, nil
}

// Accept blocks for the next incoming connection and opens its single
// bidirectional control stream, returning it as an io.ReadWriteCloser for
// the agent dispatcher.
func (l *Listener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no control stream")
		return nil, err
	}
	return &Stream{conn: conn, stream: stream}, nil
}

func (l *Listener) Addr() string { return l.ql.Addr().String() }

func (l *Listener) Close() error { return l.ql.Close() }

// Dial connects to a backupd agent at addr and opens the control stream
// the client side writes RPC frames over.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (io.ReadWriteCloser, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "could not open control stream")
		return nil, err
	}
	return &Stream{conn: conn, stream: stream}, nil
}

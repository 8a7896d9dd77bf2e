package iec104

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"
)

/*
Transport is the byte stream a session runs on. TCP, TLS and QUIC satisfy it;
tests substitute an in-memory pipe. The read deadline is used by the reader
goroutine to wake up periodically and observe shutdown.
*/
type Transport interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Dialer establishes one transport connection. The context carries the
// connect timeout (t0).
type Dialer func(ctx context.Context) (Transport, error)

// dialerFor selects the dialer from the server URL scheme.
func dialerFor(server *url.URL, tc *tls.Config) (Dialer, error) {
	switch server.Scheme {
	case "tcp":
		return func(ctx context.Context) (Transport, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", server.Host)
			if err != nil {
				return nil, err
			}
			return conn.(*net.TCPConn), nil
		}, nil
	case "ssl", "tls", "tcps":
		if tc == nil {
			return nil, fmt.Errorf("scheme %q requires a tls config", server.Scheme)
		}
		return func(ctx context.Context) (Transport, error) {
			d := tls.Dialer{Config: tc}
			conn, err := d.DialContext(ctx, "tcp", server.Host)
			if err != nil {
				return nil, err
			}
			return conn.(*tls.Conn), nil
		}, nil
	case "quic":
		if tc == nil {
			return nil, fmt.Errorf("scheme %q requires a tls config", server.Scheme)
		}
		return func(ctx context.Context) (Transport, error) {
			return dialQUIC(ctx, server.Host, tc)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported server scheme: %q", server.Scheme)
	}
}

/*
quicTransport maps one bidirectional QUIC stream onto the Transport interface.
Closing it closes the stream and then the whole connection; the engine opens
exactly one stream per connection.
*/
type quicTransport struct {
	udp    *net.UDPConn
	conn   *quic.Conn
	stream *quic.Stream
}

func dialQUIC(ctx context.Context, host string, tc *tls.Config) (*quicTransport, error) {
	remote, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	conn, err := quic.Dial(ctx, udpConn, remote, tc, nil)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic dial %s: %w", host, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		udpConn.Close()
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &quicTransport{udp: udpConn, conn: conn, stream: stream}, nil
}

func (t *quicTransport) Read(p []byte) (int, error)  { return t.stream.Read(p) }
func (t *quicTransport) Write(p []byte) (int, error) { return t.stream.Write(p) }

func (t *quicTransport) SetReadDeadline(d time.Time) error {
	return t.stream.SetReadDeadline(d)
}

func (t *quicTransport) Close() error {
	t.stream.Close()
	err := t.conn.CloseWithError(0, "closed")
	t.udp.Close()
	return err
}

package mapi

import (
	"io"
	"net"
	"time"
)

// transport owns the single stream socket of a connection. TCP and Unix
// domain sockets behave identically after connect, except that on a Unix
// socket the client announces itself with a single '0' byte (unless the
// session speaks the control sub-language).
type transport struct {
	conn net.Conn

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// dialTransport connects to the endpoint described by params.
func dialTransport(params ConnParams, dialTimeout time.Duration) (*transport, error) {
	tcpAddr, unixPath := params.endpoint()
	dialer := net.Dialer{Timeout: dialTimeout}

	if tcpAddr != "" {
		conn, err := dialer.Dial("tcp", tcpAddr)
		if err != nil {
			return nil, ioError(err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		return &transport{conn: conn}, nil
	}

	conn, err := dialer.Dial("unix", unixPath)
	if err != nil {
		return nil, ioError(err)
	}
	t := &transport{conn: conn}

	// MonetDB expects one '0' byte on a local socket before the
	// challenge. Control sessions skip it.
	if params.Language != LangControl {
		if err := t.writeAll([]byte{'0'}); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return t, nil
}

// readFull reads exactly len(buf) bytes, retrying short reads. A clean EOF
// mid-message means the server hung up on us.
func (t *transport) readFull(buf []byte) error {
	if t.readTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		defer t.conn.SetReadDeadline(time.Time{})
	}
	_, err := io.ReadFull(t.conn, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return connectionError("Server closed the connection")
	}
	if err != nil {
		return ioError(err)
	}
	return nil
}

// writeAll writes the whole buffer.
func (t *transport) writeAll(buf []byte) error {
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(buf); err != nil {
		return ioError(err)
	}
	return nil
}

// shutdown closes the socket in both directions.
func (t *transport) shutdown() error {
	if err := t.conn.Close(); err != nil {
		return ioError(err)
	}
	return nil
}

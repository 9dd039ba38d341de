package icap

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// Transport abstracts a single ICAP byte-stream connection. All write
// methods are fire-and-forget from the caller's perspective; errors
// surface on the next Flush or read. One Transport is acquired per
// validate/options call and closed on every exit path.
type Transport interface {
	Write(p []byte) (int, error)
	WriteString(s string) (int, error)
	Flush() error
	// ReadUntil reads until delim has been seen (inclusive) or maxBytes
	// have been read, whichever comes first.
	ReadUntil(delim []byte, maxBytes int) ([]byte, error)
	// PipeBody decodes an HTTP/1.1 chunked body from the stream and
	// writes the decoded bytes to sink, returning the number of bytes
	// written, or a negative value if the chunk framing was malformed.
	PipeBody(sink io.Writer) (int64, error)
	Close() error
}

// ConnectionManager supplies an open Transport for an ICAP call. It owns
// any pooling; the engine never caches transports across calls.
type ConnectionManager interface {
	Connect(ctx context.Context, host string, port int, serviceName string, secure bool, connectTimeout, readTimeout time.Duration) (Transport, error)
}

// socketTransport is the default Transport: a plain or TLS-wrapped TCP
// socket with independent connect/read timeouts.
type socketTransport struct {
	conn        net.Conn
	r           *bufio.Reader
	w           *bufio.Writer
	readTimeout time.Duration
}

func newSocketTransport(conn net.Conn, readTimeout time.Duration) *socketTransport {
	return &socketTransport{
		conn:        conn,
		r:           bufio.NewReaderSize(conn, 8192),
		w:           bufio.NewWriterSize(conn, 8192),
		readTimeout: readTimeout,
	}
}

// NewSocketTransport wraps an already-dialed net.Conn as a Transport. It is
// exported so alternative ConnectionManager implementations (e.g.
// icap/connmgr) can reuse the wire-level framing without duplicating it.
func NewSocketTransport(conn net.Conn, readTimeout time.Duration) Transport {
	return newSocketTransport(conn, readTimeout)
}

func (t *socketTransport) Write(p []byte) (int, error) { return t.w.Write(p) }

func (t *socketTransport) WriteString(s string) (int, error) { return t.w.WriteString(s) }

func (t *socketTransport) Flush() error { return t.w.Flush() }

func (t *socketTransport) Close() error { return t.conn.Close() }

func (t *socketTransport) applyReadDeadline() error {
	if t.readTimeout <= 0 {
		return nil
	}
	return t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
}

// ReadUntil reads into buf until delim has been fully seen or maxBytes is
// exceeded. It is used for the bounded ICAP header block read
// (delim = "\r\n\r\n").
func (t *socketTransport) ReadUntil(delim []byte, maxBytes int) ([]byte, error) {
	if err := t.applyReadDeadline(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for {
		if maxBytes > 0 && buf.Len() >= maxBytes {
			return buf.Bytes(), fmt.Errorf("icap: header block exceeded %d bytes", maxBytes)
		}
		b, err := t.r.ReadByte()
		if err != nil {
			return buf.Bytes(), err
		}
		buf.WriteByte(b)
		if buf.Len() >= len(delim) && bytes.HasSuffix(buf.Bytes(), delim) {
			return buf.Bytes(), nil
		}
	}
}

// PipeBody streams an HTTP/1.1 chunked body (hex-len CRLF bytes CRLF ...
// terminated by "0\r\n\r\n" or "0; ieof\r\n\r\n") from the connection into
// sink, returning the total decoded byte count or a negative sentinel if
// the framing is malformed.
func (t *socketTransport) PipeBody(sink io.Writer) (int64, error) {
	var total int64
	for {
		if err := t.applyReadDeadline(); err != nil {
			return -1, err
		}
		line, err := t.r.ReadString('\n')
		if err != nil {
			return -1, err
		}
		sizeField := trimCRLF(line)
		if semi := indexByte(sizeField, ';'); semi >= 0 {
			sizeField = sizeField[:semi]
		}
		size, err := strconv.ParseInt(trimSpace(sizeField), 16, 64)
		if err != nil {
			return -1, fmt.Errorf("icap: malformed chunk size %q: %w", sizeField, err)
		}
		if size == 0 {
			// Terminator chunk; consume the trailing CRLF and stop.
			if _, err := t.r.ReadString('\n'); err != nil && err != io.EOF {
				return -1, err
			}
			return total, nil
		}

		if err := t.applyReadDeadline(); err != nil {
			return -1, err
		}
		n, err := io.CopyN(sink, t.r, size)
		total += n
		if err != nil {
			return -1, err
		}
		// consume the CRLF following the chunk data
		if _, err := t.r.ReadString('\n'); err != nil {
			return -1, err
		}
	}
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// defaultConnectionManager dials plain or TLS TCP connections directly. It
// does no pooling of its own; it exists so the client is runnable without
// requiring every caller to supply one. Production deployments are
// expected to inject their own ConnectionManager backed by a real pool.
type defaultConnectionManager struct {
	tlsConfig *tls.Config
}

// NewDefaultConnectionManager returns a ConnectionManager that dials a
// fresh connection per call. tlsConfig is used for secure connections; nil
// selects sensible defaults.
func NewDefaultConnectionManager(tlsConfig *tls.Config) ConnectionManager {
	return &defaultConnectionManager{tlsConfig: tlsConfig}
}

func (m *defaultConnectionManager) Connect(ctx context.Context, host string, port int, serviceName string, secure bool, connectTimeout, readTimeout time.Duration) (Transport, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: connectTimeout}

	var conn net.Conn
	var err error
	if secure {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: m.tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &IoError{Reason: "connect to " + addr, Cause: err}
	}
	_ = serviceName // path segment is part of the ICAP request line, not the dial target
	return newSocketTransport(conn, readTimeout), nil
}

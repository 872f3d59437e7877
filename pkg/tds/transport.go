package tds

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/ha1tch/minitds/pkg/errors"
)

// PDUCallback receives one inbound PDU with its 8-byte header stripped.
// The payload slice is only valid for the duration of the call.
type PDUCallback func(pktType PacketType, status PacketStatus, payload []byte) error

// Transport is the narrow capability the session requires of a network
// backend. The session frames messages into the transport's send buffer
// (including length back-patching) and consumes inbound PDUs through the
// registered callback. Implementations are free to sit on top of blocking
// sockets, an event loop, or an in-memory mock.
type Transport interface {
	// Connect establishes the connection to host:port.
	Connect(host string, port uint16) error

	// Write appends bytes to the send buffer.
	Write(p []byte)

	// WriteAt patches previously buffered bytes at the given offset.
	WriteAt(offset int, p []byte)

	// WriteOffset returns the current length of the send buffer.
	WriteOffset() int

	// Send flushes the send buffer to the peer and clears it.
	Send() error

	// ReceivePDU reads the next inbound PDU, strips its header, and
	// delivers the payload to the registered callback. It may be called
	// repeatedly to stitch together a multi-PDU response.
	ReceivePDU() error

	// RegisterPDUCallback installs the inbound PDU handler.
	RegisterPDUCallback(cb PDUCallback)

	// SetPacketSize adjusts the negotiated packet size. Called when the
	// server renegotiates via ENVCHANGE.
	SetPacketSize(n uint16)

	// Close tears the connection down.
	Close() error
}

// GracefulCloser is an optional transport capability: a disconnect that
// flushes and half-closes before dropping the connection. Logout prefers it
// over Close when available.
type GracefulCloser interface {
	CloseGraceful() error
}

// TCPTransport implements Transport over a plain TCP socket.
type TCPTransport struct {
	conn       net.Conn
	reader     *bufio.Reader
	sendBuf    []byte
	packetSize uint16
	cb         PDUCallback

	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// TCPOption configures a TCPTransport.
type TCPOption func(*TCPTransport)

// WithDialTimeout sets the connect timeout.
func WithDialTimeout(d time.Duration) TCPOption {
	return func(t *TCPTransport) {
		t.dialTimeout = d
	}
}

// WithReadTimeout sets the per-PDU read timeout.
func WithReadTimeout(d time.Duration) TCPOption {
	return func(t *TCPTransport) {
		t.readTimeout = d
	}
}

// WithWriteTimeout sets the send timeout.
func WithWriteTimeout(d time.Duration) TCPOption {
	return func(t *TCPTransport) {
		t.writeTimeout = d
	}
}

// NewTCPTransport creates an unconnected TCP transport.
func NewTCPTransport(opts ...TCPOption) *TCPTransport {
	t := &TCPTransport{
		packetSize:  DefaultPacketSize,
		dialTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials host:port.
func (t *TCPTransport) Connect(host string, port uint16) error {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
	if err != nil {
		return errors.Wrapf(err, errors.ErrCodeConnectFailed, "dialing %s", addr)
	}
	t.conn = conn
	t.reader = bufio.NewReaderSize(conn, MaxPacketSize)
	return nil
}

// Write appends to the send buffer.
func (t *TCPTransport) Write(p []byte) {
	t.sendBuf = append(t.sendBuf, p...)
}

// WriteAt patches previously buffered bytes.
func (t *TCPTransport) WriteAt(offset int, p []byte) {
	if offset < 0 || offset+len(p) > len(t.sendBuf) {
		return
	}
	copy(t.sendBuf[offset:], p)
}

// WriteOffset returns the current send buffer length.
func (t *TCPTransport) WriteOffset() int {
	return len(t.sendBuf)
}

// Send flushes the send buffer to the socket and clears it.
func (t *TCPTransport) Send() error {
	if t.conn == nil {
		return errors.New(errors.ErrCodeConnectionClosed, "transport not connected")
	}
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	n, err := t.conn.Write(t.sendBuf)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeShortWrite, "writing PDU")
	}
	if n != len(t.sendBuf) {
		return errors.Newf(errors.ErrCodeShortWrite, "short write: %d of %d bytes", n, len(t.sendBuf))
	}
	t.sendBuf = t.sendBuf[:0]
	return nil
}

// ReceivePDU reads one PDU and delivers its payload to the callback.
func (t *TCPTransport) ReceivePDU() error {
	if t.conn == nil {
		return errors.New(errors.ErrCodeConnectionClosed, "transport not connected")
	}
	if t.cb == nil {
		return errors.New(errors.ErrCodeInternal, "no PDU callback registered")
	}

	if t.readTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}

	hdr, err := ReadHeader(t.reader)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeShortRead, "reading PDU header")
	}
	if hdr.Length < HeaderSize {
		return errors.Newf(errors.ErrCodeMalformedPDU, "invalid PDU length %d", hdr.Length)
	}

	payload := make([]byte, hdr.PayloadLength())
	if _, err := io.ReadFull(t.reader, payload); err != nil {
		return errors.Wrap(err, errors.ErrCodeShortRead, "reading PDU payload")
	}

	return t.cb(hdr.Type, hdr.Status, payload)
}

// RegisterPDUCallback installs the inbound PDU handler.
func (t *TCPTransport) RegisterPDUCallback(cb PDUCallback) {
	t.cb = cb
}

// SetPacketSize adjusts the negotiated packet size.
func (t *TCPTransport) SetPacketSize(n uint16) {
	if n >= MinPacketSize && n <= MaxPacketSize {
		t.packetSize = n
	}
}

// PacketSize returns the current packet size.
func (t *TCPTransport) PacketSize() uint16 {
	return t.packetSize
}

// Close drops the connection.
func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// CloseGraceful half-closes the write side before dropping the connection,
// giving the peer a chance to observe EOF.
func (t *TCPTransport) CloseGraceful() error {
	if t.conn == nil {
		return nil
	}
	if tc, ok := t.conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	return t.Close()
}

// RemoteAddr returns the remote address, or "" when unconnected.
func (t *TCPTransport) RemoteAddr() string {
	if t.conn == nil {
		return ""
	}
	return fmt.Sprintf("%v", t.conn.RemoteAddr())
}

package atlas

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/atlaskv/atlas-go/wire"
)

// Connection is one physical stream to one node. It owns a buffered reader;
// writes go straight to the socket since commands are encoded into a single
// contiguous buffer first.
//
// A Connection is never shared while checked out: the pool hands it to
// exactly one caller at a time, so no locking happens on the data path.
type Connection struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
	closed bool
}

func newConnection(netConn net.Conn, addr string) *Connection {
	return &Connection{
		addr:   addr,
		conn:   netConn,
		reader: bufio.NewReader(netConn),
	}
}

// dialNode opens a fresh connection using the given dialer.
func dialNode(dialer *net.Dialer, addr string) (*Connection, error) {
	netConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	return newConnection(netConn, addr), nil
}

// SetDeadline bounds the next socket operations. An attempt sets the
// tighter of the per-attempt socket timeout and the overall command
// deadline.
func (c *Connection) SetDeadline(total time.Time, socketTimeout time.Duration) error {
	deadline := total
	if socketTimeout > 0 {
		socketDeadline := time.Now().Add(socketTimeout)
		if deadline.IsZero() || socketDeadline.Before(deadline) {
			deadline = socketDeadline
		}
	}
	return c.conn.SetDeadline(deadline)
}

// Write flushes the whole buffer to the socket.
func (c *Connection) Write(p []byte) error {
	if c.closed {
		return ErrConnectionClosed
	}
	if _, err := c.conn.Write(p); err != nil {
		c.markClosed()
		return &ConnectionError{Addr: c.addr, Err: err}
	}
	return nil
}

// ReadFully fills p from the stream.
func (c *Connection) ReadFully(p []byte) error {
	if c.closed {
		return ErrConnectionClosed
	}
	if _, err := io.ReadFull(c.reader, p); err != nil {
		c.markClosed()
		return &ConnectionError{Addr: c.addr, Err: err}
	}
	return nil
}

// ReadProtoHeader reads and validates the next 8-byte frame prefix.
func (c *Connection) ReadProtoHeader(maxSize int) (wire.ProtoHeader, error) {
	var hdr [wire.ProtoHeaderSize]byte
	if err := c.ReadFully(hdr[:]); err != nil {
		return wire.ProtoHeader{}, err
	}
	proto, err := wire.ParseProtoHeader(hdr[:], maxSize)
	if err != nil {
		// Stream position unknown from here on.
		c.markClosed()
		return wire.ProtoHeader{}, &ProtocolError{Err: err}
	}
	return proto, nil
}

// RequestInfo runs one info protocol round trip on this connection.
func (c *Connection) RequestInfo(names ...string) (map[string]string, error) {
	if err := c.Write(wire.InfoRequest(names...)); err != nil {
		return nil, err
	}
	m, err := wire.ReadInfoResponse(c.reader)
	if err != nil {
		c.markClosed()
		return nil, &ConnectionError{Addr: c.addr, Err: err}
	}
	return m, nil
}

// Addr returns the remote address this connection is attached to.
func (c *Connection) Addr() string { return c.addr }

// IsClosed reports whether the connection was poisoned or closed.
func (c *Connection) IsClosed() bool { return c.closed }

// Close shuts the socket down. Safe to call twice.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.markClosed()
	return c.conn.Close()
}

func (c *Connection) markClosed() {
	c.closed = true
}

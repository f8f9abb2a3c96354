package atlas

import (
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlaskv/atlas-go/wire"
)

// mockServer speaks just enough of the wire protocol to stand in for a
// cluster node: it answers info requests from a configurable map and routes
// command messages to a handler.
type mockServer struct {
	tb       testing.TB
	listener net.Listener

	mu        sync.Mutex
	info      map[string]string
	openConns []net.Conn

	// onCommand receives the message body (header included) and returns the
	// response frames to write back. Nil responds OK with no bins.
	onCommand func(body []byte) [][]byte

	commands atomic.Int64
	conns    atomic.Int64
	closed   atomic.Bool
}

// newMockServer starts a node that owns every partition of namespace "test".
func newMockServer(tb testing.TB, name string) *mockServer {
	tb.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("mock server listen: %v", err)
	}
	s := &mockServer{
		tb:       tb,
		listener: listener,
		info: map[string]string{
			"node":                 name,
			"partition-generation": "1",
			"peers":                "",
			"rack-id":              "0",
			"partition-count":      strconv.Itoa(defaultPartitionCount),
			"replicas":             "test:" + fullBitmapB64(),
		},
	}
	go s.serve()
	tb.Cleanup(s.close)
	return s
}

func (s *mockServer) addr() string { return s.listener.Addr().String() }

func (s *mockServer) host() Host {
	host, portStr, _ := strings.Cut(s.addr(), ":")
	port, _ := strconv.Atoi(portStr)
	return NewHost(host, port)
}

func (s *mockServer) setInfo(name, value string) {
	s.mu.Lock()
	s.info[name] = value
	s.mu.Unlock()
}

func (s *mockServer) infoValue(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info[name]
}

// close stops the listener and severs every open connection, so pooled
// connections to this node start failing immediately.
func (s *mockServer) close() {
	if s.closed.CompareAndSwap(false, true) {
		s.listener.Close()
		s.mu.Lock()
		for _, conn := range s.openConns {
			conn.Close()
		}
		s.openConns = nil
		s.mu.Unlock()
	}
}

func (s *mockServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.conns.Add(1)
		s.mu.Lock()
		s.openConns = append(s.openConns, conn)
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

func (s *mockServer) handleConn(conn net.Conn) {
	defer conn.Close()
	hdr := make([]byte, wire.ProtoHeaderSize)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		raw := binary.BigEndian.Uint64(hdr)
		msgType := uint8(raw >> 48)
		size := int(raw & 0x0000FFFFFFFFFFFF)
		body := make([]byte, size)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		switch msgType {
		case wire.MsgTypeInfo:
			if err := s.answerInfo(conn, body); err != nil {
				return
			}
		case wire.MsgTypeCommand:
			s.commands.Add(1)
			frames := s.commandFrames(body)
			for _, frame := range frames {
				if _, err := conn.Write(frame); err != nil {
					return
				}
			}
		default:
			return
		}
	}
}

func (s *mockServer) commandFrames(body []byte) [][]byte {
	s.mu.Lock()
	handler := s.onCommand
	s.mu.Unlock()
	if handler != nil {
		return handler(body)
	}
	return [][]byte{buildResponseFrame(uint8(wire.ResultOK), 0, 1, 0, nil, nil)}
}

func (s *mockServer) answerInfo(conn net.Conn, body []byte) error {
	var reply strings.Builder
	for _, name := range strings.Split(strings.Trim(string(body), "\n"), "\n") {
		if name == "" {
			continue
		}
		reply.WriteString(name)
		reply.WriteByte('\t')
		reply.WriteString(s.infoValue(name))
		reply.WriteByte('\n')
	}
	payload := reply.String()
	frame := make([]byte, wire.ProtoHeaderSize+len(payload))
	raw := uint64(len(payload)) | uint64(wire.ProtoVersion)<<56 | uint64(wire.MsgTypeInfo)<<48
	binary.BigEndian.PutUint64(frame[:8], raw)
	copy(frame[wire.ProtoHeaderSize:], payload)
	_, err := conn.Write(frame)
	return err
}

func (s *mockServer) setHandler(handler func(body []byte) [][]byte) {
	s.mu.Lock()
	s.onCommand = handler
	s.mu.Unlock()
}

type respField struct {
	typ  wire.FieldType
	data []byte
}

type respBin struct {
	name     string
	particle wire.ParticleType
	value    []byte
}

// buildResponseFrame assembles one complete response message: proto header,
// message header, fields and operation entries.
func buildResponseFrame(resultCode, info3 uint8, generation, expiration uint32, fields []respField, bins []respBin) []byte {
	bodySize := wire.MsgHeaderSize
	for _, f := range fields {
		bodySize += wire.FieldHeaderSize + len(f.data)
	}
	for _, b := range bins {
		bodySize += wire.OperationHeaderSize + len(b.name) + len(b.value)
	}

	frame := make([]byte, wire.ProtoHeaderSize+bodySize)
	raw := uint64(bodySize) | uint64(wire.ProtoVersion)<<56 | uint64(wire.MsgTypeCommand)<<48
	binary.BigEndian.PutUint64(frame[:8], raw)

	h := frame[wire.ProtoHeaderSize:]
	h[0] = wire.MsgHeaderSize
	h[3] = info3
	h[5] = resultCode
	binary.BigEndian.PutUint32(h[6:10], generation)
	binary.BigEndian.PutUint32(h[10:14], expiration)
	binary.BigEndian.PutUint16(h[18:20], uint16(len(fields)))
	binary.BigEndian.PutUint16(h[20:22], uint16(len(bins)))

	offset := wire.MsgHeaderSize
	for _, f := range fields {
		binary.BigEndian.PutUint32(h[offset:], uint32(len(f.data)+1))
		h[offset+4] = uint8(f.typ)
		copy(h[offset+wire.FieldHeaderSize:], f.data)
		offset += wire.FieldHeaderSize + len(f.data)
	}
	for _, b := range bins {
		binary.BigEndian.PutUint32(h[offset:], uint32(len(b.name)+len(b.value)+4))
		h[offset+4] = uint8(wire.OpRead)
		h[offset+5] = uint8(b.particle)
		h[offset+7] = uint8(len(b.name))
		copy(h[offset+wire.OperationHeaderSize:], b.name)
		copy(h[offset+wire.OperationHeaderSize+len(b.name):], b.value)
		offset += wire.OperationHeaderSize + len(b.name) + len(b.value)
	}
	return frame
}

// lastFrame is the stream terminator for batch, scan and query responses.
func lastFrame() []byte {
	return buildResponseFrame(uint8(wire.ResultOK), wire.Info3Last, 0, 0, nil, nil)
}

// fullBitmapB64 encodes a bitmap claiming all partitions.
func fullBitmapB64() string {
	bitmap := make([]byte, defaultPartitionCount/8)
	for i := range bitmap {
		bitmap[i] = 0xFF
	}
	return base64.StdEncoding.EncodeToString(bitmap)
}

// halfBitmapB64 encodes a bitmap claiming the lower or upper half of the
// partition space.
func halfBitmapB64(upper bool) string {
	bitmap := make([]byte, defaultPartitionCount/8)
	half := len(bitmap) / 2
	for i := range bitmap {
		if (i >= half) == upper {
			bitmap[i] = 0xFF
		}
	}
	return base64.StdEncoding.EncodeToString(bitmap)
}

// testClientPolicy returns a policy tuned for fast unit tests.
func testClientPolicy() *ClientPolicy {
	policy := NewClientPolicy()
	policy.ConnectTimeout = 2 * time.Second
	policy.TendInterval = 50 * time.Millisecond
	policy.MaxConnsPerNode = 4
	if err := policy.validate(); err != nil {
		panic(err)
	}
	return policy
}

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultMaxBufferSize caps command buffers to protect against pathological
// payloads and corrupted size prefixes. Tweak via Buffer.MaxSize if a
// workload legitimately ships larger records.
const DefaultMaxBufferSize = 128*1024*1024 + ProtoHeaderSize

// ErrBufferTooLarge is returned when an encode would exceed the configured
// buffer cap. It is a terminal condition; the command must not be retried.
var ErrBufferTooLarge = errors.New("wire: buffer exceeds maximum size")

// Buffer builds one complete command message in a single contiguous byte
// slice so it can be flushed with one write. The proto header is written
// last, by End, once the final size is known.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	data    []byte
	offset  int
	MaxSize int
}

// NewBuffer returns a Buffer with a small initial capacity and the default
// size cap.
func NewBuffer() *Buffer {
	return &Buffer{
		data:    make([]byte, 1024),
		MaxSize: DefaultMaxBufferSize,
	}
}

// Begin resets the buffer and reserves room for the proto and message
// headers. Field and operation writers append after the reserved region.
func (b *Buffer) Begin() {
	b.offset = TotalHeaderSize
}

// End stamps the proto header (version, message type, body size) over the
// reserved region and returns the finished message.
func (b *Buffer) End() []byte {
	size := uint64(b.offset-ProtoHeaderSize) & protoSizeMask
	hdr := size | uint64(ProtoVersion)<<56 | uint64(MsgTypeCommand)<<48
	binary.BigEndian.PutUint64(b.data[0:8], hdr)
	return b.data[:b.offset]
}

// Cap returns the current backing capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Reset rewinds the write position without releasing the backing slice.
func (b *Buffer) Reset() { b.offset = 0 }

// Grow reserves capacity for n more bytes so a run of writes with a known
// total size reallocates at most once. Fails like any write would when the
// reservation would exceed the buffer cap.
func (b *Buffer) Grow(n int) error { return b.ensure(n) }

// ensure grows the backing slice geometrically to fit n more bytes.
func (b *Buffer) ensure(n int) error {
	need := b.offset + n
	if need > b.MaxSize {
		return fmt.Errorf("%w: need %d bytes, cap %d", ErrBufferTooLarge, need, b.MaxSize)
	}
	if need <= len(b.data) {
		return nil
	}
	newSize := len(b.data) * 2
	for newSize < need {
		newSize *= 2
	}
	if newSize > b.MaxSize {
		newSize = b.MaxSize
	}
	grown := make([]byte, newSize)
	copy(grown, b.data[:b.offset])
	b.data = grown
	return nil
}

func (b *Buffer) WriteUint8(v uint8) error {
	if err := b.ensure(1); err != nil {
		return err
	}
	b.data[b.offset] = v
	b.offset++
	return nil
}

func (b *Buffer) WriteUint16(v uint16) error {
	if err := b.ensure(2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b.data[b.offset:], v)
	b.offset += 2
	return nil
}

func (b *Buffer) WriteUint32(v uint32) error {
	if err := b.ensure(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b.data[b.offset:], v)
	b.offset += 4
	return nil
}

func (b *Buffer) WriteUint64(v uint64) error {
	if err := b.ensure(8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b.data[b.offset:], v)
	b.offset += 8
	return nil
}

func (b *Buffer) WriteBytes(p []byte) error {
	if err := b.ensure(len(p)); err != nil {
		return err
	}
	copy(b.data[b.offset:], p)
	b.offset += len(p)
	return nil
}

func (b *Buffer) WriteString(s string) error {
	if err := b.ensure(len(s)); err != nil {
		return err
	}
	copy(b.data[b.offset:], s)
	b.offset += len(s)
	return nil
}

// WriteHeader writes the fixed 22-byte message header. Generation,
// expiration and serverTimeout are zero for plain reads.
func (b *Buffer) WriteHeader(info1, info2, info3 uint8, generation, expiration, serverTimeout uint32, fieldCount, opCount uint16) error {
	if b.offset != TotalHeaderSize {
		return fmt.Errorf("wire: header must be written at offset %d, at %d", TotalHeaderSize, b.offset)
	}
	// Stamp directly into the reserved region.
	h := b.data[ProtoHeaderSize:TotalHeaderSize]
	h[0] = MsgHeaderSize
	h[1] = info1
	h[2] = info2
	h[3] = info3
	h[4] = 0 // unused
	h[5] = 0 // result code, requests only
	binary.BigEndian.PutUint32(h[6:10], generation)
	binary.BigEndian.PutUint32(h[10:14], expiration)
	binary.BigEndian.PutUint32(h[14:18], serverTimeout)
	binary.BigEndian.PutUint16(h[18:20], fieldCount)
	binary.BigEndian.PutUint16(h[20:22], opCount)
	return nil
}

// WriteFieldHeader writes a field entry header. The length on the wire
// includes the type byte but not the length itself.
func (b *Buffer) WriteFieldHeader(size int, typ FieldType) error {
	if err := b.WriteUint32(uint32(size + 1)); err != nil {
		return err
	}
	return b.WriteUint8(uint8(typ))
}

// WriteFieldString writes a complete field entry with a string payload.
func (b *Buffer) WriteFieldString(typ FieldType, s string) error {
	if err := b.WriteFieldHeader(len(s), typ); err != nil {
		return err
	}
	return b.WriteString(s)
}

// WriteFieldBytes writes a complete field entry with a raw payload.
func (b *Buffer) WriteFieldBytes(typ FieldType, p []byte) error {
	if err := b.WriteFieldHeader(len(p), typ); err != nil {
		return err
	}
	return b.WriteBytes(p)
}

// WriteFieldUint64 writes a complete field entry with an 8-byte payload.
func (b *Buffer) WriteFieldUint64(typ FieldType, v uint64) error {
	if err := b.WriteFieldHeader(8, typ); err != nil {
		return err
	}
	return b.WriteUint64(v)
}

// WriteOperation writes a complete operation entry. For read operations the
// value is empty and the particle type is null.
func (b *Buffer) WriteOperation(op OperationType, particle ParticleType, binName string, value []byte) error {
	size := len(binName) + len(value) + 4
	if err := b.WriteUint32(uint32(size)); err != nil {
		return err
	}
	if err := b.WriteUint8(uint8(op)); err != nil {
		return err
	}
	if err := b.WriteUint8(uint8(particle)); err != nil {
		return err
	}
	if err := b.WriteUint8(0); err != nil { // bin version, reserved
		return err
	}
	if err := b.WriteUint8(uint8(len(binName))); err != nil {
		return err
	}
	if err := b.WriteString(binName); err != nil {
		return err
	}
	return b.WriteBytes(value)
}

// SizeOperation returns the encoded size of an operation entry, used to
// estimate buffers before writing.
func SizeOperation(binName string, valueLen int) int {
	return OperationHeaderSize + len(binName) + valueLen
}

// SizeField returns the encoded size of a field entry.
func SizeField(payloadLen int) int {
	return FieldHeaderSize + payloadLen
}

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrBadProtoHeader is returned when the 8-byte proto header carries an
	// unknown version or an implausible size. The connection that produced
	// it must be discarded: the stream position is no longer trustworthy.
	ErrBadProtoHeader = errors.New("wire: malformed proto header")

	// ErrBadMessage is returned when a message body does not parse. Like
	// ErrBadProtoHeader this poisons the connection.
	ErrBadMessage = errors.New("wire: malformed message")
)

// ProtoHeader is the decoded form of the 8-byte frame prefix.
type ProtoHeader struct {
	Version uint8
	Type    uint8
	Size    int // body size, excluding the proto header itself
}

// ParseProtoHeader decodes the 8-byte frame prefix and sanity-checks it
// against maxSize.
func ParseProtoHeader(p []byte, maxSize int) (ProtoHeader, error) {
	if len(p) < ProtoHeaderSize {
		return ProtoHeader{}, fmt.Errorf("%w: short header (%d bytes)", ErrBadProtoHeader, len(p))
	}
	raw := binary.BigEndian.Uint64(p)
	h := ProtoHeader{
		Version: uint8(raw >> 56),
		Type:    uint8(raw >> 48),
		Size:    int(raw & protoSizeMask),
	}
	if h.Version != ProtoVersion {
		return ProtoHeader{}, fmt.Errorf("%w: unsupported version %d", ErrBadProtoHeader, h.Version)
	}
	if h.Size > maxSize {
		return ProtoHeader{}, fmt.Errorf("%w: size %d exceeds cap %d", ErrBadProtoHeader, h.Size, maxSize)
	}
	return h, nil
}

// MessageHeader is the decoded form of the fixed 22-byte command header that
// both requests and responses share.
type MessageHeader struct {
	HeaderLen  uint8
	Info1      uint8
	Info2      uint8
	Info3      uint8
	ResultCode ResultCode
	Generation uint32
	Expiration uint32
	FieldCount uint16
	OpCount    uint16
}

// ParseMessageHeader decodes the 22-byte message header.
func ParseMessageHeader(p []byte) (MessageHeader, error) {
	if len(p) < MsgHeaderSize {
		return MessageHeader{}, fmt.Errorf("%w: short message header (%d bytes)", ErrBadMessage, len(p))
	}
	h := MessageHeader{
		HeaderLen:  p[0],
		Info1:      p[1],
		Info2:      p[2],
		Info3:      p[3],
		ResultCode: ResultCode(p[5]),
		Generation: binary.BigEndian.Uint32(p[6:10]),
		Expiration: binary.BigEndian.Uint32(p[10:14]),
		FieldCount: binary.BigEndian.Uint16(p[18:20]),
		OpCount:    binary.BigEndian.Uint16(p[20:22]),
	}
	if h.HeaderLen != MsgHeaderSize {
		return MessageHeader{}, fmt.Errorf("%w: header length %d", ErrBadMessage, h.HeaderLen)
	}
	return h, nil
}

// IsLast reports whether this message closes a streaming response.
func (h MessageHeader) IsLast() bool {
	return h.Info3&Info3Last != 0
}

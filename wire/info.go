package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// infoMaxBufferSize caps info responses; these are small text documents
// (peer lists, partition bitmaps), never record payloads.
const infoMaxBufferSize = 1024*1024 + ProtoHeaderSize

// InfoRequest encodes an info (control) protocol request for the given
// command names. The body is the newline-joined name list; responses come
// back as "name\tvalue\n" pairs.
func InfoRequest(names ...string) []byte {
	body := strings.Join(names, "\n") + "\n"
	buf := make([]byte, ProtoHeaderSize+len(body))
	hdr := uint64(len(body))&protoSizeMask | uint64(ProtoVersion)<<56 | uint64(MsgTypeInfo)<<48
	binary.BigEndian.PutUint64(buf[0:8], hdr)
	copy(buf[ProtoHeaderSize:], body)
	return buf
}

// ReadInfoResponse reads one complete info response from r and returns the
// parsed name→value map.
func ReadInfoResponse(r *bufio.Reader) (map[string]string, error) {
	var hdr [ProtoHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	proto, err := ParseProtoHeader(hdr[:], infoMaxBufferSize)
	if err != nil {
		return nil, err
	}
	if proto.Type != MsgTypeInfo {
		return nil, fmt.Errorf("%w: unexpected message type %d for info response", ErrBadMessage, proto.Type)
	}
	body := make([]byte, proto.Size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return parseInfoBody(string(body)), nil
}

func parseInfoBody(body string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(strings.Trim(body, "\n"), "\n") {
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, "\t")
		if !found {
			// Commands with no payload echo just the name.
			result[line] = ""
			continue
		}
		result[name] = value
	}
	return result
}

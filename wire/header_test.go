package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protoHeaderBytes(version, msgType uint8, size uint64) []byte {
	p := make([]byte, ProtoHeaderSize)
	binary.BigEndian.PutUint64(p, size&protoSizeMask|uint64(version)<<56|uint64(msgType)<<48)
	return p
}

func TestParseProtoHeader(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		maxSize int
		want    ProtoHeader
		wantErr error
	}{
		{
			name:    "command frame",
			input:   protoHeaderBytes(ProtoVersion, MsgTypeCommand, 1234),
			maxSize: DefaultMaxBufferSize,
			want:    ProtoHeader{Version: ProtoVersion, Type: MsgTypeCommand, Size: 1234},
		},
		{
			name:    "info frame",
			input:   protoHeaderBytes(ProtoVersion, MsgTypeInfo, 64),
			maxSize: DefaultMaxBufferSize,
			want:    ProtoHeader{Version: ProtoVersion, Type: MsgTypeInfo, Size: 64},
		},
		{
			name:    "short input",
			input:   []byte{2, 3},
			maxSize: DefaultMaxBufferSize,
			wantErr: ErrBadProtoHeader,
		},
		{
			name:    "wrong version",
			input:   protoHeaderBytes(9, MsgTypeCommand, 10),
			maxSize: DefaultMaxBufferSize,
			wantErr: ErrBadProtoHeader,
		},
		{
			name:    "size over cap",
			input:   protoHeaderBytes(ProtoVersion, MsgTypeCommand, 4096),
			maxSize: 1024,
			wantErr: ErrBadProtoHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProtoHeader(tt.input, tt.maxSize)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMessageHeader(t *testing.T) {
	p := make([]byte, MsgHeaderSize)
	p[0] = MsgHeaderSize
	p[1] = Info1Read
	p[3] = Info3Last
	p[5] = uint8(ResultKeyNotFound)
	binary.BigEndian.PutUint32(p[6:10], 42)
	binary.BigEndian.PutUint32(p[10:14], 86400)
	binary.BigEndian.PutUint16(p[18:20], 3)
	binary.BigEndian.PutUint16(p[20:22], 5)

	h, err := ParseMessageHeader(p)
	require.NoError(t, err)
	assert.Equal(t, uint8(Info1Read), h.Info1)
	assert.Equal(t, ResultKeyNotFound, h.ResultCode)
	assert.Equal(t, uint32(42), h.Generation)
	assert.Equal(t, uint32(86400), h.Expiration)
	assert.Equal(t, uint16(3), h.FieldCount)
	assert.Equal(t, uint16(5), h.OpCount)
	assert.True(t, h.IsLast())
}

func TestParseMessageHeaderRejectsBadLength(t *testing.T) {
	p := make([]byte, MsgHeaderSize)
	p[0] = 21
	_, err := ParseMessageHeader(p)
	require.ErrorIs(t, err, ErrBadMessage)

	_, err = ParseMessageHeader(p[:10])
	require.ErrorIs(t, err, ErrBadMessage)
}

func TestResultCodeTransient(t *testing.T) {
	transient := []ResultCode{
		ResultServerTimeout, ResultServerNotAvailable, ResultKeyBusy,
		ResultDeviceOverload, ResultPartitionUnavailable, ResultClusterKeyMismatch,
	}
	for _, code := range transient {
		assert.True(t, code.Transient(), "code %s", code)
	}

	terminal := []ResultCode{
		ResultOK, ResultKeyNotFound, ResultGenerationMismatch,
		ResultParameterError, ResultKeyExists, ResultRecordTooBig,
	}
	for _, code := range terminal {
		assert.False(t, code.Transient(), "code %s", code)
	}
}

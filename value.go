package atlas

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/atlaskv/atlas-go/wire"
)

// Value is an opaque wire payload with its declared particle type. The
// command layer carries values through without interpreting them; encoding
// and decoding are the job of a ValueCodec.
type Value struct {
	Type  wire.ParticleType
	Bytes []byte
}

// NullValue is the zero payload.
var NullValue = Value{Type: wire.ParticleNull}

// ValueCodec converts between Go values and wire payloads. The client ships
// a minimal built-in codec for scalar types; applications with richer type
// systems plug in their own.
type ValueCodec interface {
	Encode(v any) (Value, error)
	Decode(v Value) (any, error)
}

// defaultCodec handles nil, strings, byte slices, integers and floats.
type defaultCodec struct{}

func (defaultCodec) Encode(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return NullValue, nil
	case Value:
		return t, nil
	case string:
		return Value{Type: wire.ParticleString, Bytes: []byte(t)}, nil
	case []byte:
		return Value{Type: wire.ParticleBlob, Bytes: t}, nil
	case int:
		return encodeInt(int64(t)), nil
	case int32:
		return encodeInt(int64(t)), nil
	case int64:
		return encodeInt(t), nil
	case uint32:
		return encodeInt(int64(t)), nil
	case float64:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(t))
		return Value{Type: wire.ParticleFloat, Bytes: b}, nil
	default:
		return NullValue, fmt.Errorf("unsupported value type %T", v)
	}
}

func (defaultCodec) Decode(v Value) (any, error) {
	switch v.Type {
	case wire.ParticleNull:
		return nil, nil
	case wire.ParticleString:
		return string(v.Bytes), nil
	case wire.ParticleBlob:
		return v.Bytes, nil
	case wire.ParticleInteger:
		if len(v.Bytes) != 8 {
			return nil, fmt.Errorf("integer payload is %d bytes", len(v.Bytes))
		}
		return int64(binary.BigEndian.Uint64(v.Bytes)), nil
	case wire.ParticleFloat:
		if len(v.Bytes) != 8 {
			return nil, fmt.Errorf("float payload is %d bytes", len(v.Bytes))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(v.Bytes)), nil
	default:
		return nil, fmt.Errorf("unsupported particle type %d", v.Type)
	}
}

func encodeInt(v int64) Value {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return Value{Type: wire.ParticleInteger, Bytes: b}
}

// Bin is one named value inside a record.
type Bin struct {
	Name  string
	Value Value
}

// NewBin encodes v with the default codec. It panics on unsupported types;
// this is a construction-time programming error, not a runtime condition.
func NewBin(name string, v any) Bin {
	val, err := defaultCodec{}.Encode(v)
	if err != nil {
		panic(fmt.Sprintf("atlas: %v", err))
	}
	return Bin{Name: name, Value: val}
}

// BinMap holds a record's bins by name.
type BinMap map[string]Value

// Record is the result of a read operation.
type Record struct {
	Key        *Key
	Bins       BinMap
	Generation uint32
	Expiration uint32
}

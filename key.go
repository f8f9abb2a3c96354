package atlas

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/xxh3"
)

// DigestSize is the length of a record digest in bytes.
const DigestSize = 16

// Key identifies a record. Routing uses only the digest, a fixed-size hash
// of set name and user key, so key size never affects partition placement.
type Key struct {
	Namespace string
	SetName   string

	// UserKey is the caller-supplied key, kept so it can optionally be sent
	// to the server (Policy.SendKey) and echoed in results.
	UserKey Value

	digest [DigestSize]byte
}

// NewKey builds a key and computes its digest. The user key is encoded with
// the default codec; use NewKeyValue to supply a pre-encoded value.
func NewKey(namespace, setName string, userKey any) (*Key, error) {
	v, err := defaultCodec{}.Encode(userKey)
	if err != nil {
		return nil, fmt.Errorf("atlas: cannot encode user key: %w", err)
	}
	return NewKeyValue(namespace, setName, v), nil
}

// NewKeyValue builds a key from an already-encoded user key value.
func NewKeyValue(namespace, setName string, userKey Value) *Key {
	k := &Key{
		Namespace: namespace,
		SetName:   setName,
		UserKey:   userKey,
	}
	k.computeDigest()
	return k
}

// computeDigest hashes set name, particle type and encoded user key into a
// 128-bit digest. The digest, not the raw key, is what travels on the wire
// and what partition routing consumes.
func (k *Key) computeDigest() {
	buf := make([]byte, 0, len(k.SetName)+1+len(k.UserKey.Bytes))
	buf = append(buf, k.SetName...)
	buf = append(buf, byte(k.UserKey.Type))
	buf = append(buf, k.UserKey.Bytes...)
	sum := xxh3.Hash128(buf)
	binary.BigEndian.PutUint64(k.digest[0:8], sum.Hi)
	binary.BigEndian.PutUint64(k.digest[8:16], sum.Lo)
}

// Digest returns the record digest.
func (k *Key) Digest() []byte { return k.digest[:] }

// PartitionID returns the partition slot this key hashes to, for a cluster
// with the given partition count (always a power of two).
func (k *Key) PartitionID(partitionCount int) int {
	// Mask instead of mod: partition counts are powers of two and masking
	// keeps the value non-negative.
	return int(binary.LittleEndian.Uint32(k.digest[0:4])) & (partitionCount - 1)
}

func (k *Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Namespace, k.SetName, hex.EncodeToString(k.digest[:]))
}

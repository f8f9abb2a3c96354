package atlas

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/atlaskv/atlas-go/wire"
)

// batchNodeCommand fetches the subset of a batch that routes to one node.
// Results land in the shared records slice at each key's original position,
// so the caller sees the batch in request order regardless of how it was
// split.
type batchNodeCommand struct {
	policy     *BasePolicy
	node       *Node
	keys       []*Key
	indexes    []int
	allKeys    []*Key
	records    []*Record
	headerOnly bool
}

func (c *batchNodeCommand) basePolicy() *BasePolicy { return c.policy }
func (c *batchNodeCommand) idempotent() bool        { return true }

// targetNode pins the command to the node its keys were grouped for. If the
// node went down mid-batch the whole group fails and the caller can retry
// against fresh topology.
func (c *batchNodeCommand) targetNode(cluster *Cluster, prev *Node) (*Node, error) {
	if !c.node.IsActive() {
		return nil, ErrNoAvailableNode
	}
	return c.node, nil
}

func (c *batchNodeCommand) writeTo(buf *wire.Buffer) error {
	buf.Begin()
	info1 := uint8(wire.Info1Read | wire.Info1Batch)
	if c.headerOnly {
		info1 |= wire.Info1NoBinData
	} else {
		info1 |= wire.Info1GetAll
	}
	fieldCount := uint16(len(c.keys) * 4)
	if err := buf.WriteHeader(info1, 0, 0, 0, 0,
		timeoutMillis(c.policy), fieldCount, 0); err != nil {
		return err
	}
	need := 0
	for _, key := range c.keys {
		need += wire.SizeField(4) + wire.SizeField(len(key.Namespace)) +
			wire.SizeField(len(key.SetName)) + wire.SizeField(DigestSize)
	}
	if err := buf.Grow(need); err != nil {
		return err
	}
	var index [4]byte
	for i, key := range c.keys {
		binary.BigEndian.PutUint32(index[:], uint32(c.indexes[i]))
		if err := buf.WriteFieldBytes(wire.FieldBatchIndex, index[:]); err != nil {
			return err
		}
		if err := buf.WriteFieldString(wire.FieldNamespace, key.Namespace); err != nil {
			return err
		}
		if err := buf.WriteFieldString(wire.FieldSet, key.SetName); err != nil {
			return err
		}
		if err := buf.WriteFieldBytes(wire.FieldDigest, key.Digest()); err != nil {
			return err
		}
	}
	return nil
}

// parseResult consumes the response stream. Each message carries one record
// tagged with its batch index; the terminator message has the last flag set.
func (c *batchNodeCommand) parseResult(conn *Connection) error {
	for {
		body, hdr, err := readResponseBody(conn)
		if err != nil {
			return err
		}
		if hdr.IsLast() {
			if err := resultError(hdr.ResultCode); err != nil {
				return err
			}
			return nil
		}
		if hdr.ResultCode == wire.ResultKeyNotFound {
			// Missing records stay nil in the result slice. The
			// index field still has to be consumed from the stream.
			continue
		}
		if err := resultError(hdr.ResultCode); err != nil {
			return err
		}
		if err := c.parseBatchRecord(body, hdr); err != nil {
			return err
		}
	}
}

func (c *batchNodeCommand) parseBatchRecord(body []byte, hdr wire.MessageHeader) error {
	offset := 0
	batchIndex := -1
	for i := uint16(0); i < hdr.FieldCount; i++ {
		if offset+wire.FieldHeaderSize > len(body) {
			return &ProtocolError{Err: fmt.Errorf("truncated field header at %d", offset)}
		}
		size := int(binary.BigEndian.Uint32(body[offset:])) - 1
		typ := wire.FieldType(body[offset+4])
		offset += wire.FieldHeaderSize
		if size < 0 || offset+size > len(body) {
			return &ProtocolError{Err: fmt.Errorf("field overruns body at %d", offset)}
		}
		if typ == wire.FieldBatchIndex && size == 4 {
			batchIndex = int(binary.BigEndian.Uint32(body[offset:]))
		}
		offset += size
	}
	if batchIndex < 0 || batchIndex >= len(c.records) {
		return &ProtocolError{Err: fmt.Errorf("batch index %d out of range", batchIndex)}
	}

	bins, _, err := parseBins(body, offset, hdr.OpCount)
	if err != nil {
		return err
	}
	c.records[batchIndex] = &Record{
		Key:        c.allKeys[batchIndex],
		Bins:       bins,
		Generation: hdr.Generation,
		Expiration: hdr.Expiration,
	}
	return nil
}

// batchGet splits keys by owning node, fans the groups out concurrently and
// reassembles the records in request order.
func (c *Cluster) batchGet(ctx context.Context, policy *BasePolicy, keys []*Key, headerOnly bool) ([]*Record, error) {
	records := make([]*Record, len(keys))
	if len(keys) == 0 {
		return records, nil
	}

	groups := make(map[*Node]*batchNodeCommand)
	for i, key := range keys {
		node, err := c.NodeForKey(key, policy, nil)
		if err != nil {
			return nil, err
		}
		group := groups[node]
		if group == nil {
			group = &batchNodeCommand{
				policy:     policy,
				node:       node,
				allKeys:    keys,
				records:    records,
				headerOnly: headerOnly,
			}
			groups[node] = group
		}
		group.keys = append(group.keys, key)
		group.indexes = append(group.indexes, i)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, group := range groups {
		group := group
		eg.Go(func() error {
			return c.execute(egCtx, group)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

package atlas

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/atlaskv/atlas-go/wire"
)

// ScanPolicy tunes full-namespace scans.
type ScanPolicy struct {
	BasePolicy

	// MaxConcurrentNodes bounds how many nodes are scanned in parallel.
	// Zero means all nodes at once.
	MaxConcurrentNodes int

	// IncludeBinData set false returns record metadata only.
	IncludeBinData bool

	// RecordQueueSize is the Recordset channel capacity.
	RecordQueueSize int
}

// NewScanPolicy returns scan defaults: unlimited node parallelism, bin data
// included, no retries. A scan restarted mid-stream would duplicate records,
// so failed node scans surface as errors instead of retrying.
func NewScanPolicy() *ScanPolicy {
	base := NewPolicy()
	base.MaxRetries = 0
	base.TotalTimeout = 0
	return &ScanPolicy{
		BasePolicy:      *base,
		IncludeBinData:  true,
		RecordQueueSize: 64,
	}
}

// Result is one element of a Recordset stream: a record or a terminal error.
type Result struct {
	Record *Record
	Err    error
}

// Recordset streams records produced by a scan or query. Consume Results
// until the channel closes; Close abandons the stream early.
type Recordset struct {
	results chan *Result
	cancel  context.CancelFunc
	once    sync.Once
}

func newRecordset(queueSize int, cancel context.CancelFunc) *Recordset {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Recordset{
		results: make(chan *Result, queueSize),
		cancel:  cancel,
	}
}

// Results returns the stream channel. It is closed when all nodes finished
// or after Close.
func (r *Recordset) Results() <-chan *Result { return r.results }

// Close abandons the stream. In-flight node scans are cancelled; the results
// channel drains and closes shortly after.
func (r *Recordset) Close() {
	r.once.Do(r.cancel)
}

// streamCommand is the shared node-level machinery for scans and queries:
// it consumes a multi-message response stream and forwards each record to
// the recordset until the server sends the last-message marker.
type streamCommand struct {
	policy    *BasePolicy
	node      *Node
	namespace string
	setName   string
	ctx       context.Context
	recordset *Recordset
}

func (c *streamCommand) basePolicy() *BasePolicy { return c.policy }
func (c *streamCommand) idempotent() bool        { return true }

func (c *streamCommand) targetNode(cluster *Cluster, prev *Node) (*Node, error) {
	if !c.node.IsActive() {
		return nil, ErrNoAvailableNode
	}
	return c.node, nil
}

func (c *streamCommand) parseResult(conn *Connection) error {
	for {
		body, hdr, err := readResponseBody(conn)
		if err != nil {
			return err
		}
		if hdr.IsLast() {
			return resultError(hdr.ResultCode)
		}
		// Aborting mid-stream leaves unread messages on the socket, so
		// the connection cannot go back to the pool.
		if err := resultError(hdr.ResultCode); err != nil {
			conn.markClosed()
			return err
		}
		record, err := c.parseStreamRecord(body, hdr)
		if err != nil {
			conn.markClosed()
			return err
		}
		select {
		case c.recordset.results <- &Result{Record: record}:
		case <-c.ctx.Done():
			conn.markClosed()
			return ErrRecordsetClosed
		}
	}
}

// parseStreamRecord rebuilds the record key from the echoed digest field and
// decodes the bins.
func (c *streamCommand) parseStreamRecord(body []byte, hdr wire.MessageHeader) (*Record, error) {
	key := &Key{Namespace: c.namespace, SetName: c.setName}
	offset := 0
	for i := uint16(0); i < hdr.FieldCount; i++ {
		if offset+wire.FieldHeaderSize > len(body) {
			return nil, &ProtocolError{Err: fmt.Errorf("truncated field header at %d", offset)}
		}
		size := int(binary.BigEndian.Uint32(body[offset:])) - 1
		typ := wire.FieldType(body[offset+4])
		offset += wire.FieldHeaderSize
		if size < 0 || offset+size > len(body) {
			return nil, &ProtocolError{Err: fmt.Errorf("field overruns body at %d", offset)}
		}
		switch typ {
		case wire.FieldDigest:
			if size != DigestSize {
				return nil, &ProtocolError{Err: fmt.Errorf("digest field is %d bytes, want %d", size, DigestSize)}
			}
			copy(key.digest[:], body[offset:offset+size])
		case wire.FieldSet:
			key.SetName = string(body[offset : offset+size])
		case wire.FieldUserKey:
			if size > 0 {
				value := make([]byte, size-1)
				copy(value, body[offset+1:offset+size])
				key.UserKey = Value{Type: wire.ParticleType(body[offset]), Bytes: value}
			}
		}
		offset += size
	}

	bins, _, err := parseBins(body, offset, hdr.OpCount)
	if err != nil {
		return nil, err
	}
	return &Record{
		Key:        key,
		Bins:       bins,
		Generation: hdr.Generation,
		Expiration: hdr.Expiration,
	}, nil
}

// scanNodeCommand scans one node's share of a namespace.
type scanNodeCommand struct {
	streamCommand
	scanPolicy *ScanPolicy
	taskID     uint64
}

func (c *scanNodeCommand) writeTo(buf *wire.Buffer) error {
	buf.Begin()
	info1 := uint8(wire.Info1Read)
	if c.scanPolicy.IncludeBinData {
		info1 |= wire.Info1GetAll
	} else {
		info1 |= wire.Info1NoBinData
	}

	fieldCount := uint16(2)
	if c.setName != "" {
		fieldCount++
	}
	if err := buf.WriteHeader(info1, 0, 0, 0, 0, timeoutMillis(c.policy), fieldCount, 0); err != nil {
		return err
	}
	if err := buf.WriteFieldString(wire.FieldNamespace, c.namespace); err != nil {
		return err
	}
	if c.setName != "" {
		if err := buf.WriteFieldString(wire.FieldSet, c.setName); err != nil {
			return err
		}
	}
	return buf.WriteFieldUint64(wire.FieldTaskID, c.taskID)
}

// scan fans a namespace scan out to every active node and streams results
// through a Recordset.
func (c *Cluster) scan(ctx context.Context, policy *ScanPolicy, namespace, setName string) (*Recordset, error) {
	nodes := c.activeNodes()
	if len(nodes) == 0 {
		return nil, ErrNoAvailableNode
	}

	scanCtx, cancel := context.WithCancel(ctx)
	recordset := newRecordset(policy.RecordQueueSize, cancel)
	taskID := rand.Uint64()

	eg, egCtx := errgroup.WithContext(scanCtx)
	if policy.MaxConcurrentNodes > 0 {
		eg.SetLimit(policy.MaxConcurrentNodes)
	}
	for _, node := range nodes {
		cmd := &scanNodeCommand{
			streamCommand: streamCommand{
				policy:    &policy.BasePolicy,
				node:      node,
				namespace: namespace,
				setName:   setName,
				ctx:       egCtx,
				recordset: recordset,
			},
			scanPolicy: policy,
			taskID:     taskID,
		}
		eg.Go(func() error {
			return c.execute(egCtx, cmd)
		})
	}

	go func() {
		if err := eg.Wait(); err != nil {
			select {
			case recordset.results <- &Result{Err: err}:
			case <-scanCtx.Done():
			}
		}
		cancel()
		close(recordset.results)
	}()
	return recordset, nil
}

package atlas

import (
	"encoding/binary"
	"fmt"

	"github.com/atlaskv/atlas-go/wire"
)

// command is one unit of work: it resolves its target node, encodes itself
// into a request buffer, and parses the response. The executor owns retry,
// timeout and health bookkeeping; commands only know their wire shape.
//
// The command set is closed: every database operation is one of the
// concrete types below.
type command interface {
	// targetNode resolves the node this attempt should hit. prev is the
	// node the previous attempt failed on.
	targetNode(cluster *Cluster, prev *Node) (*Node, error)

	// writeTo encodes the complete request into buf (Begin through End).
	writeTo(buf *wire.Buffer) error

	// parseResult reads and decodes the response from conn.
	parseResult(conn *Connection) error

	// basePolicy exposes the command's timeout/retry policy.
	basePolicy() *BasePolicy

	// idempotent reports whether a retry can never double-apply.
	idempotent() bool
}

// singleCommand carries what every single-record command shares.
type singleCommand struct {
	key    *Key
	policy *BasePolicy
}

func (c *singleCommand) targetNode(cluster *Cluster, prev *Node) (*Node, error) {
	return cluster.NodeForKey(c.key, c.policy, prev)
}

func (c *singleCommand) basePolicy() *BasePolicy { return c.policy }

// writeKeyFields emits the routing fields shared by all single-record
// commands and returns the field count written.
func writeKeyFields(buf *wire.Buffer, key *Key, sendKey bool) (uint16, error) {
	if err := buf.WriteFieldString(wire.FieldNamespace, key.Namespace); err != nil {
		return 0, err
	}
	if err := buf.WriteFieldString(wire.FieldSet, key.SetName); err != nil {
		return 0, err
	}
	if err := buf.WriteFieldBytes(wire.FieldDigest, key.Digest()); err != nil {
		return 0, err
	}
	count := uint16(3)
	if sendKey {
		payload := make([]byte, 1+len(key.UserKey.Bytes))
		payload[0] = byte(key.UserKey.Type)
		copy(payload[1:], key.UserKey.Bytes)
		if err := buf.WriteFieldBytes(wire.FieldUserKey, payload); err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

// keyFieldCount mirrors writeKeyFields for header accounting.
func keyFieldCount(sendKey bool) uint16 {
	if sendKey {
		return 4
	}
	return 3
}

// readCommand implements Get and GetHeader.
type readCommand struct {
	singleCommand
	binNames   []string // nil means all bins
	headerOnly bool
	record     *Record
}

func newReadCommand(key *Key, policy *BasePolicy, binNames []string, headerOnly bool) *readCommand {
	return &readCommand{
		singleCommand: singleCommand{key: key, policy: policy},
		binNames:      binNames,
		headerOnly:    headerOnly,
	}
}

func (c *readCommand) idempotent() bool { return true }

func (c *readCommand) writeTo(buf *wire.Buffer) error {
	buf.Begin()

	info1 := uint8(wire.Info1Read)
	opCount := uint16(len(c.binNames))
	switch {
	case c.headerOnly:
		info1 |= wire.Info1NoBinData
	case len(c.binNames) == 0:
		info1 |= wire.Info1GetAll
	}

	if err := buf.WriteHeader(info1, 0, 0, 0, 0, timeoutMillis(c.policy), keyFieldCount(false), opCount); err != nil {
		return err
	}
	if _, err := writeKeyFields(buf, c.key, false); err != nil {
		return err
	}
	for _, name := range c.binNames {
		if err := buf.WriteOperation(wire.OpRead, wire.ParticleNull, name, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *readCommand) parseResult(conn *Connection) error {
	body, hdr, err := readResponseBody(conn)
	if err != nil {
		return err
	}
	if err := resultError(hdr.ResultCode); err != nil {
		return err
	}
	record, err := parseRecordBody(c.key, body, hdr)
	if err != nil {
		return err
	}
	c.record = record
	return nil
}

// existsCommand checks record presence without transferring bins.
type existsCommand struct {
	singleCommand
	exists bool
}

func newExistsCommand(key *Key, policy *BasePolicy) *existsCommand {
	return &existsCommand{singleCommand: singleCommand{key: key, policy: policy}}
}

func (c *existsCommand) idempotent() bool { return true }

func (c *existsCommand) writeTo(buf *wire.Buffer) error {
	buf.Begin()
	if err := buf.WriteHeader(wire.Info1Read|wire.Info1NoBinData, 0, 0, 0, 0, timeoutMillis(c.policy), keyFieldCount(false), 0); err != nil {
		return err
	}
	_, err := writeKeyFields(buf, c.key, false)
	return err
}

func (c *existsCommand) parseResult(conn *Connection) error {
	_, hdr, err := readResponseBody(conn)
	if err != nil {
		return err
	}
	switch hdr.ResultCode {
	case wire.ResultOK:
		c.exists = true
		return nil
	case wire.ResultKeyNotFound:
		c.exists = false
		return nil
	default:
		return resultError(hdr.ResultCode)
	}
}

// writeCommand implements Put, Append and Prepend.
type writeCommand struct {
	singleCommand
	writePolicy *WritePolicy
	bins        []Bin
	opType      wire.OperationType
}

func newWriteCommand(key *Key, policy *WritePolicy, bins []Bin, opType wire.OperationType) *writeCommand {
	return &writeCommand{
		singleCommand: singleCommand{key: key, policy: &policy.BasePolicy},
		writePolicy:   policy,
		bins:          bins,
		opType:        opType,
	}
}

func (c *writeCommand) idempotent() bool { return c.writePolicy.idempotent() }

// Writes go to the partition master; replicas cannot accept them.
func (c *writeCommand) targetNode(cluster *Cluster, prev *Node) (*Node, error) {
	return cluster.MasterForKey(c.key, prev)
}

func (c *writeCommand) writeTo(buf *wire.Buffer) error {
	buf.Begin()
	info2, info3 := writeAttrs(c.writePolicy)
	fieldCount := keyFieldCount(c.policy.SendKey)
	if err := buf.WriteHeader(0, info2, info3, c.writePolicy.Generation, c.writePolicy.Expiration,
		timeoutMillis(c.policy), fieldCount, uint16(len(c.bins))); err != nil {
		return err
	}
	if _, err := writeKeyFields(buf, c.key, c.policy.SendKey); err != nil {
		return err
	}
	need := 0
	for _, bin := range c.bins {
		need += wire.SizeOperation(bin.Name, len(bin.Value.Bytes))
	}
	if err := buf.Grow(need); err != nil {
		return err
	}
	for _, bin := range c.bins {
		if err := buf.WriteOperation(c.opType, bin.Value.Type, bin.Name, bin.Value.Bytes); err != nil {
			return err
		}
	}
	return nil
}

func (c *writeCommand) parseResult(conn *Connection) error {
	_, hdr, err := readResponseBody(conn)
	if err != nil {
		return err
	}
	return resultError(hdr.ResultCode)
}

// deleteCommand removes a record.
type deleteCommand struct {
	singleCommand
	writePolicy *WritePolicy
	existed     bool
}

func newDeleteCommand(key *Key, policy *WritePolicy) *deleteCommand {
	return &deleteCommand{
		singleCommand: singleCommand{key: key, policy: &policy.BasePolicy},
		writePolicy:   policy,
	}
}

// Deletes are idempotent: deleting twice converges to the same state.
func (c *deleteCommand) idempotent() bool { return true }

func (c *deleteCommand) targetNode(cluster *Cluster, prev *Node) (*Node, error) {
	return cluster.MasterForKey(c.key, prev)
}

func (c *deleteCommand) writeTo(buf *wire.Buffer) error {
	buf.Begin()
	info2, info3 := writeAttrs(c.writePolicy)
	info2 |= wire.Info2Delete
	if c.writePolicy.DurableDelete {
		info2 |= wire.Info2DurableDelete
	}
	if err := buf.WriteHeader(0, info2, info3, c.writePolicy.Generation, 0,
		timeoutMillis(c.policy), keyFieldCount(false), 0); err != nil {
		return err
	}
	_, err := writeKeyFields(buf, c.key, false)
	return err
}

func (c *deleteCommand) parseResult(conn *Connection) error {
	_, hdr, err := readResponseBody(conn)
	if err != nil {
		return err
	}
	switch hdr.ResultCode {
	case wire.ResultOK:
		c.existed = true
		return nil
	case wire.ResultKeyNotFound:
		c.existed = false
		return nil
	default:
		return resultError(hdr.ResultCode)
	}
}

// touchCommand resets a record's TTL without writing bins.
type touchCommand struct {
	singleCommand
	writePolicy *WritePolicy
}

func newTouchCommand(key *Key, policy *WritePolicy) *touchCommand {
	return &touchCommand{
		singleCommand: singleCommand{key: key, policy: &policy.BasePolicy},
		writePolicy:   policy,
	}
}

func (c *touchCommand) idempotent() bool { return true }

func (c *touchCommand) targetNode(cluster *Cluster, prev *Node) (*Node, error) {
	return cluster.MasterForKey(c.key, prev)
}

func (c *touchCommand) writeTo(buf *wire.Buffer) error {
	buf.Begin()
	info2, info3 := writeAttrs(c.writePolicy)
	if err := buf.WriteHeader(0, info2, info3, c.writePolicy.Generation, c.writePolicy.Expiration,
		timeoutMillis(c.policy), keyFieldCount(false), 1); err != nil {
		return err
	}
	if _, err := writeKeyFields(buf, c.key, false); err != nil {
		return err
	}
	return buf.WriteOperation(wire.OpTouch, wire.ParticleNull, "", nil)
}

func (c *touchCommand) parseResult(conn *Connection) error {
	_, hdr, err := readResponseBody(conn)
	if err != nil {
		return err
	}
	return resultError(hdr.ResultCode)
}

// Operation is one step of an Operate command.
type Operation struct {
	Op      wire.OperationType
	BinName string
	Value   Value
}

// GetBinOp reads one bin.
func GetBinOp(binName string) Operation {
	return Operation{Op: wire.OpRead, BinName: binName}
}

// PutBinOp writes one bin.
func PutBinOp(bin Bin) Operation {
	return Operation{Op: wire.OpWrite, BinName: bin.Name, Value: bin.Value}
}

// AddBinOp increments a numeric bin.
func AddBinOp(bin Bin) Operation {
	return Operation{Op: wire.OpIncr, BinName: bin.Name, Value: bin.Value}
}

// AppendBinOp appends to a string or blob bin.
func AppendBinOp(bin Bin) Operation {
	return Operation{Op: wire.OpAppend, BinName: bin.Name, Value: bin.Value}
}

// PrependBinOp prepends to a string or blob bin.
func PrependBinOp(bin Bin) Operation {
	return Operation{Op: wire.OpPrepend, BinName: bin.Name, Value: bin.Value}
}

// TouchOp resets the record TTL as part of an Operate.
func TouchOp() Operation {
	return Operation{Op: wire.OpTouch}
}

// operateCommand runs a mixed read/write operation list atomically on one
// record.
type operateCommand struct {
	singleCommand
	writePolicy *WritePolicy
	ops         []Operation
	hasWrite    bool
	record      *Record
}

func newOperateCommand(key *Key, policy *WritePolicy, ops []Operation) *operateCommand {
	hasWrite := false
	for _, op := range ops {
		if op.Op != wire.OpRead {
			hasWrite = true
			break
		}
	}
	return &operateCommand{
		singleCommand: singleCommand{key: key, policy: &policy.BasePolicy},
		writePolicy:   policy,
		ops:           ops,
		hasWrite:      hasWrite,
	}
}

func (c *operateCommand) idempotent() bool {
	return !c.hasWrite || c.writePolicy.idempotent()
}

// A read-only operation list follows the replica preference; anything that
// mutates must hit the master.
func (c *operateCommand) targetNode(cluster *Cluster, prev *Node) (*Node, error) {
	if c.hasWrite {
		return cluster.MasterForKey(c.key, prev)
	}
	return c.singleCommand.targetNode(cluster, prev)
}

func (c *operateCommand) writeTo(buf *wire.Buffer) error {
	buf.Begin()
	var info1, info2, info3 uint8
	for _, op := range c.ops {
		if op.Op == wire.OpRead {
			info1 |= wire.Info1Read
		}
	}
	if c.hasWrite {
		info2, info3 = writeAttrs(c.writePolicy)
		info2 |= wire.Info2RespondAllOps
	}
	if err := buf.WriteHeader(info1, info2, info3, c.writePolicy.Generation, c.writePolicy.Expiration,
		timeoutMillis(c.policy), keyFieldCount(c.policy.SendKey && c.hasWrite), uint16(len(c.ops))); err != nil {
		return err
	}
	if _, err := writeKeyFields(buf, c.key, c.policy.SendKey && c.hasWrite); err != nil {
		return err
	}
	for _, op := range c.ops {
		if err := buf.WriteOperation(op.Op, op.Value.Type, op.BinName, op.Value.Bytes); err != nil {
			return err
		}
	}
	return nil
}

func (c *operateCommand) parseResult(conn *Connection) error {
	body, hdr, err := readResponseBody(conn)
	if err != nil {
		return err
	}
	if err := resultError(hdr.ResultCode); err != nil {
		return err
	}
	record, err := parseRecordBody(c.key, body, hdr)
	if err != nil {
		return err
	}
	c.record = record
	return nil
}

// writeAttrs maps write policy knobs onto info2/info3 bits.
func writeAttrs(policy *WritePolicy) (info2, info3 uint8) {
	info2 = wire.Info2Write
	switch policy.RecordExistsAction {
	case UpdateOnly:
		info3 |= wire.Info3UpdateOnly
	case Replace:
		info3 |= wire.Info3CreateOrReplace
	case ReplaceOnly:
		info3 |= wire.Info3ReplaceOnly
	case CreateOnly:
		info2 |= wire.Info2CreateOnly
	}
	switch policy.GenerationPolicy {
	case GenerationEqual:
		info2 |= wire.Info2Generation
	case GenerationGreater:
		info2 |= wire.Info2GenerationGT
	}
	return info2, info3
}

// timeoutMillis converts the socket timeout for the server-side header.
func timeoutMillis(policy *BasePolicy) uint32 {
	if policy.SocketTimeout <= 0 {
		return 0
	}
	return uint32(policy.SocketTimeout.Milliseconds())
}

// readResponseBody reads one complete response frame and decodes its
// message header.
func readResponseBody(conn *Connection) ([]byte, wire.MessageHeader, error) {
	proto, err := conn.ReadProtoHeader(wire.DefaultMaxBufferSize)
	if err != nil {
		return nil, wire.MessageHeader{}, err
	}
	if proto.Size < wire.MsgHeaderSize {
		conn.markClosed()
		return nil, wire.MessageHeader{}, &ProtocolError{
			Err: fmt.Errorf("response body %d bytes, need at least %d", proto.Size, wire.MsgHeaderSize),
		}
	}
	body := make([]byte, proto.Size)
	if err := conn.ReadFully(body); err != nil {
		return nil, wire.MessageHeader{}, err
	}
	hdr, err := wire.ParseMessageHeader(body[:wire.MsgHeaderSize])
	if err != nil {
		conn.markClosed()
		return nil, wire.MessageHeader{}, &ProtocolError{Err: err}
	}
	return body[wire.MsgHeaderSize:], hdr, nil
}

// parseRecordBody decodes fields and bins from a response body (header
// already stripped).
func parseRecordBody(key *Key, body []byte, hdr wire.MessageHeader) (*Record, error) {
	offset := 0

	// Routing fields echoed by the server are not needed for single-record
	// responses; skip them.
	for i := uint16(0); i < hdr.FieldCount; i++ {
		if offset+4 > len(body) {
			return nil, &ProtocolError{Err: fmt.Errorf("truncated field header at %d", offset)}
		}
		size := int(binary.BigEndian.Uint32(body[offset:]))
		offset += 4 + size
		if offset > len(body) {
			return nil, &ProtocolError{Err: fmt.Errorf("field overruns body: %d > %d", offset, len(body))}
		}
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

// parseBins decodes opCount operation entries starting at offset and returns
// the bins plus the offset past the last entry.
func parseBins(body []byte, offset int, opCount uint16) (BinMap, int, error) {
	bins := make(BinMap, opCount)
	for i := uint16(0); i < opCount; i++ {
		if offset+wire.OperationHeaderSize > len(body) {
			return nil, 0, &ProtocolError{Err: fmt.Errorf("truncated operation header at %d", offset)}
		}
		size := int(binary.BigEndian.Uint32(body[offset:]))
		particle := wire.ParticleType(body[offset+5])
		nameLen := int(body[offset+7])
		offset += wire.OperationHeaderSize

		valueLen := size - 4 - nameLen
		if valueLen < 0 || offset+nameLen+valueLen > len(body) {
			return nil, 0, &ProtocolError{Err: fmt.Errorf("operation overruns body at %d", offset)}
		}
		name := string(body[offset : offset+nameLen])
		offset += nameLen
		value := make([]byte, valueLen)
		copy(value, body[offset:offset+valueLen])
		offset += valueLen

		bins[name] = Value{Type: particle, Bytes: value}
	}
	return bins, offset, nil
}

// Package wire implements the Atlas binary wire protocol: request framing,
// response headers, the info (control) protocol used for cluster discovery,
// and the server result codes.
//
// All multi-byte integers on the wire are big-endian. A message consists of
// an 8-byte proto header followed by a message-type specific body. Command
// messages carry a fixed 22-byte header, then field entries, then operation
// entries.
package wire

// Proto header layout: version(1) | type(1) | size(6), packed into a single
// big-endian uint64.
const (
	ProtoVersion = 2

	// Message types carried in the proto header.
	MsgTypeInfo    = 1
	MsgTypeCommand = 3

	ProtoHeaderSize     = 8
	MsgHeaderSize       = 22
	TotalHeaderSize     = ProtoHeaderSize + MsgHeaderSize
	FieldHeaderSize     = 5
	OperationHeaderSize = 8

	protoSizeMask = 0x0000FFFFFFFFFFFF
)

// Read attribute bits (info1).
const (
	Info1Read      = 1 << 0
	Info1GetAll    = 1 << 1
	Info1Batch     = 1 << 3
	Info1NoBinData = 1 << 5
)

// Write attribute bits (info2).
const (
	Info2Write         = 1 << 0
	Info2Delete        = 1 << 1
	Info2Generation    = 1 << 2
	Info2GenerationGT  = 1 << 3
	Info2DurableDelete = 1 << 4
	Info2CreateOnly    = 1 << 5
	Info2RespondAllOps = 1 << 7
)

// Response attribute bits (info3).
const (
	Info3Last            = 1 << 0
	Info3PartitionDone   = 1 << 2
	Info3UpdateOnly      = 1 << 3
	Info3CreateOrReplace = 1 << 4
	Info3ReplaceOnly     = 1 << 5
)

// FieldType identifies a field entry in a command message. Values align with
// the server-side proto definitions.
type FieldType uint8

const (
	FieldNamespace   FieldType = 0
	FieldSet         FieldType = 1
	FieldUserKey     FieldType = 2
	FieldDigest      FieldType = 4
	FieldTaskID      FieldType = 7
	FieldScanTimeout FieldType = 9
	FieldPIDArray    FieldType = 11
	FieldIndexRange  FieldType = 22
	FieldQueryBins   FieldType = 40
	FieldBatchIndex  FieldType = 41
)

// OperationType identifies an operation entry in a command message.
type OperationType uint8

const (
	OpRead    OperationType = 1
	OpWrite   OperationType = 2
	OpIncr    OperationType = 5
	OpAppend  OperationType = 9
	OpPrepend OperationType = 10
	OpTouch   OperationType = 11
)

// ParticleType declares the encoding of an operation's value payload. The
// client treats payloads as opaque; these tags travel with the bytes so the
// value codec on either end can interpret them.
type ParticleType uint8

const (
	ParticleNull    ParticleType = 0
	ParticleInteger ParticleType = 1
	ParticleFloat   ParticleType = 2
	ParticleString  ParticleType = 3
	ParticleBlob    ParticleType = 4
)

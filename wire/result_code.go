package wire

import "strconv"

// ResultCode is the status byte returned by the server in every command
// response header. Zero means success; everything else is an application or
// server condition.
type ResultCode uint8

const (
	ResultOK                   ResultCode = 0
	ResultServerError          ResultCode = 1
	ResultKeyNotFound          ResultCode = 2
	ResultGenerationMismatch   ResultCode = 3
	ResultParameterError       ResultCode = 4
	ResultKeyExists            ResultCode = 5
	ResultClusterKeyMismatch   ResultCode = 7
	ResultServerMemError       ResultCode = 8
	ResultServerTimeout        ResultCode = 9
	ResultServerNotAvailable   ResultCode = 11
	ResultBinTypeMismatch      ResultCode = 12
	ResultRecordTooBig         ResultCode = 13
	ResultKeyBusy              ResultCode = 14
	ResultScanAbort            ResultCode = 15
	ResultUnsupportedFeature   ResultCode = 16
	ResultBinNotFound          ResultCode = 17
	ResultDeviceOverload       ResultCode = 18
	ResultKeyMismatch          ResultCode = 19
	ResultInvalidNamespace     ResultCode = 20
	ResultPartitionUnavailable ResultCode = 27
	ResultIllegalState         ResultCode = 56
	ResultQueryAborted         ResultCode = 210
	ResultQueryQueueFull       ResultCode = 211
	ResultQueryTimeout         ResultCode = 212
)

// Transient reports whether the condition is expected to clear on its own,
// typically because the cluster is mid-migration or a node is briefly
// overloaded. Transient results are safe to retry on another replica for
// idempotent commands.
func (rc ResultCode) Transient() bool {
	switch rc {
	case ResultServerTimeout, ResultServerNotAvailable, ResultKeyBusy,
		ResultDeviceOverload, ResultPartitionUnavailable, ResultClusterKeyMismatch:
		return true
	default:
		return false
	}
}

func (rc ResultCode) String() string {
	switch rc {
	case ResultOK:
		return "ok"
	case ResultServerError:
		return "server error"
	case ResultKeyNotFound:
		return "key not found"
	case ResultGenerationMismatch:
		return "generation mismatch"
	case ResultParameterError:
		return "parameter error"
	case ResultKeyExists:
		return "key already exists"
	case ResultClusterKeyMismatch:
		return "cluster key mismatch"
	case ResultServerMemError:
		return "server out of memory"
	case ResultServerTimeout:
		return "server timeout"
	case ResultServerNotAvailable:
		return "server not available"
	case ResultBinTypeMismatch:
		return "bin type mismatch"
	case ResultRecordTooBig:
		return "record too big"
	case ResultKeyBusy:
		return "hot key"
	case ResultScanAbort:
		return "scan aborted"
	case ResultUnsupportedFeature:
		return "unsupported server feature"
	case ResultBinNotFound:
		return "bin not found"
	case ResultDeviceOverload:
		return "device overload"
	case ResultKeyMismatch:
		return "key mismatch"
	case ResultInvalidNamespace:
		return "invalid namespace"
	case ResultPartitionUnavailable:
		return "partition unavailable"
	case ResultIllegalState:
		return "illegal state"
	case ResultQueryAborted:
		return "query aborted"
	case ResultQueryQueueFull:
		return "query queue full"
	case ResultQueryTimeout:
		return "query timeout"
	default:
		return "unknown result code " + strconv.Itoa(int(rc))
	}
}

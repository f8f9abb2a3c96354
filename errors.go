package atlas

import (
	"errors"
	"fmt"

	"github.com/atlaskv/atlas-go/wire"
)

var (
	// ErrClosed is returned for operations on a closed client or cluster.
	ErrClosed = errors.New("atlas: client closed")

	// ErrNoAvailableNode is returned when the current partition map has no
	// candidate node for the target partition. It clears once a tend cycle
	// observes an owner; callers decide whether to retry.
	ErrNoAvailableNode = errors.New("atlas: no available node for partition")

	// ErrPoolTimeout is returned when a connection could not be acquired
	// from a node's pool within the command deadline.
	ErrPoolTimeout = errors.New("atlas: connection pool acquire timed out")

	// ErrTimeout is returned when the command's total deadline elapsed,
	// including all retries.
	ErrTimeout = errors.New("atlas: command timed out")

	// ErrMaybeApplied is returned when a non-idempotent write failed after
	// the request may have reached the server. The write may or may not
	// have been applied; the client never retries in this state to avoid a
	// double apply.
	ErrMaybeApplied = errors.New("atlas: write outcome unknown, may have been applied")

	// ErrPayloadTooLarge is returned when an encoded command would exceed
	// the configured buffer cap. Terminal; never retried.
	ErrPayloadTooLarge = errors.New("atlas: encoded payload exceeds buffer cap")

	// ErrConnectionClosed is returned when using a connection that was
	// closed underneath the caller.
	ErrConnectionClosed = errors.New("atlas: connection closed")

	// ErrRecordsetClosed is returned by streaming reads after the caller
	// cancelled the recordset.
	ErrRecordsetClosed = errors.New("atlas: recordset closed")
)

// ConnectionError wraps a transport-level failure (refused, reset, I/O).
// Connection errors are retryable; the offending connection is discarded.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("atlas: connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ServerError carries an application-level result code from the server.
// Server errors are never retried automatically unless the code is
// transient (migration, overload).
type ServerError struct {
	Code wire.ResultCode
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("atlas: server error: %s", e.Code)
}

// Transient reports whether the server condition is expected to clear on
// its own (node-not-master, partition-in-migration, overload).
func (e *ServerError) Transient() bool { return e.Code.Transient() }

// ProtocolError indicates a malformed response. Always terminal; the
// connection it arrived on is discarded because its stream position can no
// longer be trusted.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("atlas: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// resultError maps a non-zero result code to an error. Returns nil for OK.
func resultError(code wire.ResultCode) error {
	if code == wire.ResultOK {
		return nil
	}
	return &ServerError{Code: code}
}

// retryable reports whether an attempt that failed with err may be retried
// on another (or the same) node within the command's budget.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPoolTimeout):
		return true
	case errors.Is(err, ErrPayloadTooLarge), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrMaybeApplied), errors.Is(err, ErrClosed):
		return false
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.Transient()
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return false
	}
	var ce *ConnectionError
	return errors.As(err, &ce)
}

package atlas

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// NewCircuitBreakerConfig returns a factory that creates one breaker per
// node. Wire it into ClientPolicy.NewCircuitBreaker to shed traffic from a
// node that keeps failing instead of burning the retry budget on it.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) *gobreaker.CircuitBreaker[bool] {
	return func(nodeAddr string) *gobreaker.CircuitBreaker[bool] {
		settings := gobreaker.Settings{
			Name:        nodeAddr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: func(err error) bool {
				return !breakerFailure(err)
			},
		}
		return gobreaker.NewCircuitBreaker[bool](settings)
	}
}

// breakerFailure reports whether err counts against a node's breaker. Only
// transport faults and transient server conditions do; an application result
// such as key-not-found means the node answered and is healthy, and a
// recordset abandoned by the caller says nothing about the node at all.
func breakerFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPoolTimeout), errors.Is(err, ErrMaybeApplied),
		errors.Is(err, ErrConnectionClosed):
		return true
	case errors.Is(err, ErrRecordsetClosed):
		return false
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.Transient()
	}
	var ce *ConnectionError
	return errors.As(err, &ce)
}

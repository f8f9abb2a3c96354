package atlas

import (
	"context"
	"errors"
	"time"

	"github.com/atlaskv/atlas-go/wire"
	"github.com/sony/gobreaker/v2"
)

// execute drives a command through its retry loop: resolve a node, borrow a
// connection, write the request, read the response. Failed attempts feed the
// node health counters; retries prefer a different node than the one that
// just failed.
func (c *Cluster) execute(ctx context.Context, cmd command) error {
	policy := cmd.basePolicy()
	deadline := policy.deadline(time.Now())
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	var (
		prev  *Node
		sleep = policy.SleepBetweenRetries
	)
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			c.opStats.recordTimeout()
			return ErrTimeout
		}

		node, err := cmd.targetNode(c, prev)
		if err != nil {
			// No routable node is terminal; the tend loop has to
			// recover the cluster before commands can succeed.
			return err
		}

		err = c.attempt(ctx, node, cmd)
		if err == nil {
			node.recordSuccess()
			return nil
		}
		if errors.Is(err, ErrMaybeApplied) || !retryable(err) {
			return err
		}
		if attempt >= policy.MaxRetries {
			return err
		}

		prev = node
		c.opStats.recordRetry()
		if sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.opStats.recordTimeout()
				return ErrTimeout
			case <-timer.C:
			}
			if policy.SleepMultiplier > 1 {
				sleep = time.Duration(float64(sleep) * policy.SleepMultiplier)
			}
		}
	}
}

// attempt runs a single try of cmd against node. Connection and server
// failures are recorded against the node; a write that may have reached the
// server on a non-idempotent command comes back as ErrMaybeApplied.
func (c *Cluster) attempt(ctx context.Context, node *Node, cmd command) error {
	run := func() error {
		res, err := node.getConnection(ctx)
		if err != nil {
			node.recordFailure()
			return err
		}
		conn := res.Value()

		buf := acquireBuffer()
		defer releaseBuffer(buf)
		if err := cmd.writeTo(buf); err != nil {
			res.Release()
			if errors.Is(err, wire.ErrBufferTooLarge) {
				return ErrPayloadTooLarge
			}
			return err
		}
		msg := buf.End()

		policy := cmd.basePolicy()
		totalDeadline, _ := ctx.Deadline()
		if err := conn.SetDeadline(totalDeadline, policy.SocketTimeout); err != nil {
			node.recordFailure()
			res.Destroy()
			return &ConnectionError{Addr: conn.Addr(), Err: err}
		}

		if err := conn.Write(msg); err != nil {
			node.recordFailure()
			res.Destroy()
			// The request may have been received before the socket
			// broke. Only idempotent commands are safe to retry.
			if !cmd.idempotent() {
				return ErrMaybeApplied
			}
			return err
		}

		if err := cmd.parseResult(conn); err != nil {
			if conn.IsClosed() {
				// An abandoned recordset closes its connection on
				// purpose; that is not a node failure.
				if !errors.Is(err, ErrRecordsetClosed) {
					node.recordFailure()
				}
				res.Destroy()
			} else {
				var serverErr *ServerError
				if errors.As(err, &serverErr) && serverErr.Transient() {
					node.recordFailure()
				}
				res.Release()
			}
			if !cmd.idempotent() && !responseReceived(err) {
				return ErrMaybeApplied
			}
			return err
		}

		res.Release()
		return nil
	}

	if node.breaker == nil {
		return run()
	}
	_, err := node.breaker.Execute(func() (bool, error) {
		if err := run(); err != nil {
			return false, err
		}
		return true, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &ConnectionError{Addr: node.address, Err: err}
	}
	return err
}

// responseReceived reports whether err carries a server verdict, meaning the
// command's outcome is known and ErrMaybeApplied does not apply.
func responseReceived(err error) bool {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return true
	}
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

package atlas

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, maxSize int32) Pool {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	pool, err := newPuddlePool(func(ctx context.Context) (*Connection, error) {
		return dialNode(&net.Dialer{Timeout: time.Second}, listener.Addr().String())
	}, maxSize)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPoolAcquireRelease(t *testing.T) {
	pool := newTestPool(t, 2)

	res, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Value())
	assert.False(t, res.Value().IsClosed())

	stats := pool.Stats()
	assert.EqualValues(t, 1, stats.TotalConns)
	assert.EqualValues(t, 1, stats.ActiveConns)
	assert.EqualValues(t, 1, stats.CreatedConns)

	res.Release()
	stats = pool.Stats()
	assert.EqualValues(t, 1, stats.IdleConns)
	assert.EqualValues(t, 0, stats.ActiveConns)
}

func TestPoolReusesIdleConnection(t *testing.T) {
	pool := newTestPool(t, 2)

	res, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	first := res.Value()
	res.Release()

	res, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, res.Value())
	assert.EqualValues(t, 1, pool.Stats().CreatedConns)
	res.Release()
}

func TestPoolEnforcesMaxSize(t *testing.T) {
	pool := newTestPool(t, 1)

	res, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, pool.Stats().TotalConns)

	// The blocked acquirer gets the connection once it is released.
	done := make(chan Resource, 1)
	go func() {
		second, err := pool.Acquire(context.Background())
		if err == nil {
			done <- second
		}
	}()
	time.Sleep(20 * time.Millisecond)
	res.Release()

	select {
	case second := <-done:
		second.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiting acquirer never got the released connection")
	}
}

func TestPoolDestroyRemovesConnection(t *testing.T) {
	pool := newTestPool(t, 2)

	res, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	res.Destroy()

	stats := pool.Stats()
	assert.EqualValues(t, 0, stats.TotalConns)
	assert.EqualValues(t, 1, stats.DestroyedConns)

	// A fresh connection is dialed on the next acquire.
	res, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, pool.Stats().CreatedConns)
	res.Release()
}

func TestPoolAcquireAllIdle(t *testing.T) {
	pool := newTestPool(t, 4)

	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	second, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	first.Release()
	second.Release()

	idle := pool.AcquireAllIdle()
	assert.Len(t, idle, 2)
	for _, res := range idle {
		res.ReleaseUnused()
	}
	assert.EqualValues(t, 2, pool.Stats().IdleConns)
}

func TestNodeGetConnectionTranslatesDeadline(t *testing.T) {
	server := newMockServer(t, "node-A")
	node := testNode(t, "node-A", server.host())

	res, err := node.getConnection(context.Background())
	require.NoError(t, err)

	// With the whole pool checked out, a bounded acquire times out as
	// ErrPoolTimeout so the executor treats it as retryable.
	policy := node.cluster.policy
	for i := int32(1); i < policy.MaxConnsPerNode; i++ {
		extra, err := node.getConnection(context.Background())
		require.NoError(t, err)
		defer extra.Release()
	}
	defer res.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = node.getConnection(ctx)
	assert.ErrorIs(t, err, ErrPoolTimeout)
}

func TestPoolCloseWaitsForCheckouts(t *testing.T) {
	pool := newTestPool(t, 1)

	res, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		pool.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a connection was still checked out")
	case <-time.After(50 * time.Millisecond):
	}

	res.Release()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close never finished after release")
	}
}

package atlas

import (
	"context"
	"errors"

	"github.com/atlaskv/atlas-go/wire"
)

// Client is the application-facing handle to a cluster. It is safe for
// concurrent use and intended to be created once and shared.
//
// Every operation takes an optional policy; nil selects the client default.
// The default policies are plain fields so applications can tune them once
// at startup.
type Client struct {
	// DefaultPolicy applies to reads when the call passes a nil policy.
	DefaultPolicy *BasePolicy

	// DefaultWritePolicy applies to writes when the call passes a nil
	// policy.
	DefaultWritePolicy *WritePolicy

	cluster *Cluster
	codec   ValueCodec
}

// NewClient connects to the cluster reachable through the given seed hosts
// and starts the background tend loop. At least one seed must be reachable
// unless ClientPolicy.FailIfNotConnected is disabled.
func NewClient(policy *ClientPolicy, hosts ...Host) (*Client, error) {
	if policy == nil {
		policy = NewClientPolicy()
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	cluster, err := newCluster(policy, hosts)
	if err != nil {
		return nil, err
	}
	return &Client{
		DefaultPolicy:      NewPolicy(),
		DefaultWritePolicy: NewWritePolicy(),
		cluster:            cluster,
		codec:              policy.Codec,
	}, nil
}

// Get reads a record. With binNames it returns only those bins, otherwise
// all of them. A missing record returns a ServerError with
// wire.ResultKeyNotFound.
func (c *Client) Get(ctx context.Context, policy *BasePolicy, key *Key, binNames ...string) (*Record, error) {
	policy = c.readPolicy(policy)
	cmd := newReadCommand(key, policy, binNames, false)
	c.cluster.opStats.recordRead()
	if err := c.cluster.execute(ctx, cmd); err != nil {
		return nil, c.countErr(err)
	}
	return cmd.record, nil
}

// GetHeader reads record metadata (generation, expiration) without bin data.
func (c *Client) GetHeader(ctx context.Context, policy *BasePolicy, key *Key) (*Record, error) {
	policy = c.readPolicy(policy)
	cmd := newReadCommand(key, policy, nil, true)
	c.cluster.opStats.recordRead()
	if err := c.cluster.execute(ctx, cmd); err != nil {
		return nil, c.countErr(err)
	}
	return cmd.record, nil
}

// Exists reports whether a record exists.
func (c *Client) Exists(ctx context.Context, policy *BasePolicy, key *Key) (bool, error) {
	policy = c.readPolicy(policy)
	cmd := newExistsCommand(key, policy)
	c.cluster.opStats.recordRead()
	if err := c.cluster.execute(ctx, cmd); err != nil {
		return false, c.countErr(err)
	}
	return cmd.exists, nil
}

// Put writes bins to a record, honoring the policy's record-exists action
// and generation check.
func (c *Client) Put(ctx context.Context, policy *WritePolicy, key *Key, bins ...Bin) error {
	return c.write(ctx, policy, key, bins, wire.OpWrite)
}

// Append appends to string or blob bins.
func (c *Client) Append(ctx context.Context, policy *WritePolicy, key *Key, bins ...Bin) error {
	return c.write(ctx, policy, key, bins, wire.OpAppend)
}

// Prepend prepends to string or blob bins.
func (c *Client) Prepend(ctx context.Context, policy *WritePolicy, key *Key, bins ...Bin) error {
	return c.write(ctx, policy, key, bins, wire.OpPrepend)
}

// Add atomically increments integer bins by the given amounts.
func (c *Client) Add(ctx context.Context, policy *WritePolicy, key *Key, bins ...Bin) error {
	return c.write(ctx, policy, key, bins, wire.OpIncr)
}

func (c *Client) write(ctx context.Context, policy *WritePolicy, key *Key, bins []Bin, opType wire.OperationType) error {
	policy = c.writePolicy(policy)
	cmd := newWriteCommand(key, policy, bins, opType)
	c.cluster.opStats.recordWrite()
	return c.countErr(c.cluster.execute(ctx, cmd))
}

// Delete removes a record. It reports whether the record existed.
func (c *Client) Delete(ctx context.Context, policy *WritePolicy, key *Key) (bool, error) {
	policy = c.writePolicy(policy)
	cmd := newDeleteCommand(key, policy)
	c.cluster.opStats.recordDelete()
	if err := c.cluster.execute(ctx, cmd); err != nil {
		return false, c.countErr(err)
	}
	return cmd.existed, nil
}

// Touch resets a record's TTL from the policy expiration without changing
// bins.
func (c *Client) Touch(ctx context.Context, policy *WritePolicy, key *Key) error {
	policy = c.writePolicy(policy)
	cmd := newTouchCommand(key, policy)
	c.cluster.opStats.recordWrite()
	return c.countErr(c.cluster.execute(ctx, cmd))
}

// Operate runs a list of read and write operations atomically on one record
// and returns the bins produced by the read operations.
func (c *Client) Operate(ctx context.Context, policy *WritePolicy, key *Key, ops ...Operation) (*Record, error) {
	policy = c.writePolicy(policy)
	cmd := newOperateCommand(key, policy, ops)
	if cmd.hasWrite {
		c.cluster.opStats.recordWrite()
	} else {
		c.cluster.opStats.recordRead()
	}
	if err := c.cluster.execute(ctx, cmd); err != nil {
		return nil, c.countErr(err)
	}
	return cmd.record, nil
}

// BatchGet reads many records in one round trip per node. The result slice
// matches the key order; missing records are nil.
func (c *Client) BatchGet(ctx context.Context, policy *BasePolicy, keys []*Key) ([]*Record, error) {
	policy = c.readPolicy(policy)
	c.cluster.opStats.recordBatch()
	records, err := c.cluster.batchGet(ctx, policy, keys, false)
	return records, c.countErr(err)
}

// BatchGetHeader reads metadata for many records. Missing records are nil.
func (c *Client) BatchGetHeader(ctx context.Context, policy *BasePolicy, keys []*Key) ([]*Record, error) {
	policy = c.readPolicy(policy)
	c.cluster.opStats.recordBatch()
	records, err := c.cluster.batchGet(ctx, policy, keys, true)
	return records, c.countErr(err)
}

// BatchExists reports existence for many keys, in key order.
func (c *Client) BatchExists(ctx context.Context, policy *BasePolicy, keys []*Key) ([]bool, error) {
	records, err := c.BatchGetHeader(ctx, policy, keys)
	if err != nil {
		return nil, err
	}
	exists := make([]bool, len(records))
	for i, record := range records {
		exists[i] = record != nil
	}
	return exists, nil
}

// Scan streams every record of a namespace (optionally one set) from all
// active nodes. The caller must drain or Close the returned Recordset.
func (c *Client) Scan(ctx context.Context, policy *ScanPolicy, namespace, setName string) (*Recordset, error) {
	if policy == nil {
		policy = NewScanPolicy()
	}
	c.cluster.opStats.recordScan()
	rs, err := c.cluster.scan(ctx, policy, namespace, setName)
	return rs, c.countErr(err)
}

// Query streams the records matching a statement. The caller must drain or
// Close the returned Recordset.
func (c *Client) Query(ctx context.Context, policy *QueryPolicy, statement *Statement) (*Recordset, error) {
	if policy == nil {
		policy = NewQueryPolicy()
	}
	c.cluster.opStats.recordQuery()
	rs, err := c.cluster.query(ctx, policy, statement)
	return rs, c.countErr(err)
}

// EncodeValue converts a Go value to a wire payload with the client codec.
func (c *Client) EncodeValue(v any) (Value, error) {
	return c.codec.Encode(v)
}

// DecodeValue converts a wire payload back to a Go value.
func (c *Client) DecodeValue(v Value) (any, error) {
	return c.codec.Decode(v)
}

// Cluster exposes the underlying topology tracker for node inspection.
func (c *Client) Cluster() *Cluster { return c.cluster }

// IsConnected reports whether at least one cluster node is usable.
func (c *Client) IsConnected() bool { return c.cluster.IsConnected() }

// Stats returns a snapshot of operation counters.
func (c *Client) Stats() ClientStats { return c.cluster.opStats.snapshot() }

// ClusterStats returns a snapshot of tend-loop counters.
func (c *Client) ClusterStats() ClusterStats { return c.cluster.Stats() }

// Close shuts down the tend loop and drains every node's connection pool.
func (c *Client) Close() { c.cluster.Close() }

func (c *Client) readPolicy(policy *BasePolicy) *BasePolicy {
	if policy != nil {
		return policy
	}
	return c.DefaultPolicy
}

func (c *Client) writePolicy(policy *WritePolicy) *WritePolicy {
	if policy != nil {
		return policy
	}
	return c.DefaultWritePolicy
}

// countErr feeds the error counter, leaving timeouts to the executor which
// already counted them.
func (c *Client) countErr(err error) error {
	if err != nil && !errors.Is(err, ErrTimeout) {
		c.cluster.opStats.recordError()
	}
	return err
}

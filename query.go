package atlas

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/atlaskv/atlas-go/wire"
)

// IndexRange filters a query to records whose integer bin value lies in
// [Min, Max].
type IndexRange struct {
	BinName string
	Min     int64
	Max     int64
}

// Statement describes a query: the records to match and the bins to return.
type Statement struct {
	Namespace string
	SetName   string

	// BinNames limits the returned bins. Empty returns all bins.
	BinNames []string

	// Range is an optional integer range filter. Nil scans the whole set.
	Range *IndexRange
}

// QueryPolicy tunes queries. Queries use the same node-stream transport as
// scans.
type QueryPolicy struct {
	BasePolicy

	MaxConcurrentNodes int
	RecordQueueSize    int
}

// NewQueryPolicy returns query defaults: no retries, no overall deadline.
func NewQueryPolicy() *QueryPolicy {
	base := NewPolicy()
	base.MaxRetries = 0
	base.TotalTimeout = 0
	return &QueryPolicy{
		BasePolicy:      *base,
		RecordQueueSize: 64,
	}
}

// queryNodeCommand runs a statement against one node.
type queryNodeCommand struct {
	streamCommand
	statement *Statement
	taskID    uint64
}

func (c *queryNodeCommand) writeTo(buf *wire.Buffer) error {
	buf.Begin()
	info1 := uint8(wire.Info1Read)
	if len(c.statement.BinNames) == 0 {
		info1 |= wire.Info1GetAll
	}

	fieldCount := uint16(2)
	if c.statement.SetName != "" {
		fieldCount++
	}
	if c.statement.Range != nil {
		fieldCount++
	}
	if len(c.statement.BinNames) > 0 {
		fieldCount++
	}
	if err := buf.WriteHeader(info1, 0, 0, 0, 0, timeoutMillis(c.policy), fieldCount, 0); err != nil {
		return err
	}
	if err := buf.WriteFieldString(wire.FieldNamespace, c.statement.Namespace); err != nil {
		return err
	}
	if c.statement.SetName != "" {
		if err := buf.WriteFieldString(wire.FieldSet, c.statement.SetName); err != nil {
			return err
		}
	}
	if err := buf.WriteFieldUint64(wire.FieldTaskID, c.taskID); err != nil {
		return err
	}
	if r := c.statement.Range; r != nil {
		if err := writeIndexRange(buf, r); err != nil {
			return err
		}
	}
	if len(c.statement.BinNames) > 0 {
		if err := writeQueryBins(buf, c.statement.BinNames); err != nil {
			return err
		}
	}
	return nil
}

// writeIndexRange encodes a range filter: bin name length, bin name, then
// min and max as signed 64-bit values.
func writeIndexRange(buf *wire.Buffer, r *IndexRange) error {
	if len(r.BinName) > 255 {
		return fmt.Errorf("range bin name %q too long", r.BinName)
	}
	if err := buf.WriteFieldHeader(1+len(r.BinName)+16, wire.FieldIndexRange); err != nil {
		return err
	}
	if err := buf.WriteUint8(uint8(len(r.BinName))); err != nil {
		return err
	}
	if err := buf.WriteString(r.BinName); err != nil {
		return err
	}
	if err := buf.WriteUint64(uint64(r.Min)); err != nil {
		return err
	}
	return buf.WriteUint64(uint64(r.Max))
}

// writeQueryBins encodes the bin name projection list: a count followed by
// length-prefixed names.
func writeQueryBins(buf *wire.Buffer, names []string) error {
	if len(names) > 255 {
		return fmt.Errorf("too many projected bins: %d", len(names))
	}
	size := 1
	for _, name := range names {
		if len(name) > 255 {
			return fmt.Errorf("bin name %q too long", name)
		}
		size += 1 + len(name)
	}
	if err := buf.WriteFieldHeader(size, wire.FieldQueryBins); err != nil {
		return err
	}
	if err := buf.WriteUint8(uint8(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		if err := buf.WriteUint8(uint8(len(name))); err != nil {
			return err
		}
		if err := buf.WriteString(name); err != nil {
			return err
		}
	}
	return nil
}

// query fans a statement out to every active node and streams matches
// through a Recordset.
func (c *Cluster) query(ctx context.Context, policy *QueryPolicy, statement *Statement) (*Recordset, error) {
	if statement == nil || statement.Namespace == "" {
		return nil, errors.New("atlas: query statement requires a namespace")
	}
	nodes := c.activeNodes()
	if len(nodes) == 0 {
		return nil, ErrNoAvailableNode
	}

	queryCtx, cancel := context.WithCancel(ctx)
	recordset := newRecordset(policy.RecordQueueSize, cancel)
	taskID := rand.Uint64()

	eg, egCtx := errgroup.WithContext(queryCtx)
	if policy.MaxConcurrentNodes > 0 {
		eg.SetLimit(policy.MaxConcurrentNodes)
	}
	for _, node := range nodes {
		cmd := &queryNodeCommand{
			streamCommand: streamCommand{
				policy:    &policy.BasePolicy,
				node:      node,
				namespace: statement.Namespace,
				setName:   statement.SetName,
				ctx:       egCtx,
				recordset: recordset,
			},
			statement: statement,
			taskID:    taskID,
		}
		eg.Go(func() error {
			return c.execute(egCtx, cmd)
		})
	}

	go func() {
		if err := eg.Wait(); err != nil {
			select {
			case recordset.results <- &Result{Err: err}:
			case <-queryCtx.Done():
			}
		}
		cancel()
		close(recordset.results)
	}()
	return recordset, nil
}

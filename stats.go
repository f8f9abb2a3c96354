package atlas

import "sync/atomic"

// ClusterStats is a snapshot of topology-maintenance counters.
type ClusterStats struct {
	TendCount    uint64 // tend cycles run
	NodesAdded   uint64 // nodes discovered and added
	NodesRemoved uint64 // nodes retired
	MapRebuilds  uint64 // partition map publications
}

type clusterStatsCollector struct {
	tendCount    atomic.Uint64
	nodesAdded   atomic.Uint64
	nodesRemoved atomic.Uint64
	mapRebuilds  atomic.Uint64
}

func (c *clusterStatsCollector) recordTend()        { c.tendCount.Add(1) }
func (c *clusterStatsCollector) recordNodeAdded()   { c.nodesAdded.Add(1) }
func (c *clusterStatsCollector) recordNodeRemoved() { c.nodesRemoved.Add(1) }
func (c *clusterStatsCollector) recordMapRebuild()  { c.mapRebuilds.Add(1) }

func (c *clusterStatsCollector) snapshot() ClusterStats {
	return ClusterStats{
		TendCount:    c.tendCount.Load(),
		NodesAdded:   c.nodesAdded.Load(),
		NodesRemoved: c.nodesRemoved.Load(),
		MapRebuilds:  c.mapRebuilds.Load(),
	}
}

// ClientStats is a snapshot of operation counters.
type ClientStats struct {
	Reads   uint64 // single-record reads (Get, GetHeader, Exists)
	Writes  uint64 // single-record writes (Put, Append, Prepend, Add, Touch, Operate)
	Deletes uint64 // Delete operations
	Batches uint64 // batch requests issued (caller-level, not per node)
	Scans   uint64 // scans started
	Queries uint64 // queries started

	Retries  uint64 // command attempts beyond the first
	Timeouts uint64 // commands terminated by the total deadline
	Errors   uint64 // commands returning any error
}

type clientStatsCollector struct {
	reads   atomic.Uint64
	writes  atomic.Uint64
	deletes atomic.Uint64
	batches atomic.Uint64
	scans   atomic.Uint64
	queries atomic.Uint64

	retries  atomic.Uint64
	timeouts atomic.Uint64
	errors   atomic.Uint64
}

func (c *clientStatsCollector) recordRead()    { c.reads.Add(1) }
func (c *clientStatsCollector) recordWrite()   { c.writes.Add(1) }
func (c *clientStatsCollector) recordDelete()  { c.deletes.Add(1) }
func (c *clientStatsCollector) recordBatch()   { c.batches.Add(1) }
func (c *clientStatsCollector) recordScan()    { c.scans.Add(1) }
func (c *clientStatsCollector) recordQuery()   { c.queries.Add(1) }
func (c *clientStatsCollector) recordRetry()   { c.retries.Add(1) }
func (c *clientStatsCollector) recordTimeout() { c.timeouts.Add(1) }
func (c *clientStatsCollector) recordError()   { c.errors.Add(1) }

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Reads:    c.reads.Load(),
		Writes:   c.writes.Load(),
		Deletes:  c.deletes.Load(),
		Batches:  c.batches.Load(),
		Scans:    c.scans.Load(),
		Queries:  c.queries.Load(),
		Retries:  c.retries.Load(),
		Timeouts: c.timeouts.Load(),
		Errors:   c.errors.Load(),
	}
}

package atlas

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Cluster tracks the set of live nodes and the partition ownership map. A
// background tend goroutine refreshes both on a fixed interval; command
// execution only ever reads the atomically-published snapshot.
//
// The Cluster exclusively owns its Nodes, keyed by node name. Everything
// else looks nodes up through the cluster instead of keeping references, so
// a removed node's pool can actually drain.
type Cluster struct {
	policy *ClientPolicy
	seeds  []Host
	log    Logger

	nodes   *xsync.MapOf[string, *Node]  // node name -> node
	aliases *xsync.MapOf[string, string] // host:port -> node name

	partitions atomic.Pointer[PartitionMap]

	stats   clusterStatsCollector
	opStats clientStatsCollector

	closed    atomic.Bool
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// newCluster seeds the cluster and starts the tend and sweep loops. It
// blocks until the node count stabilizes or the connect timeout elapses.
func newCluster(policy *ClientPolicy, seeds []Host) (*Cluster, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("atlas: at least one seed host is required")
	}
	c := &Cluster{
		policy:  policy,
		seeds:   seeds,
		log:     policy.Logger,
		nodes:   xsync.NewMapOf[string, *Node](),
		aliases: xsync.NewMapOf[string, string](),
		stop:    make(chan struct{}),
	}

	c.waitTillStabilized()

	if policy.FailIfNotConnected && !c.IsConnected() {
		c.Close()
		return nil, &ConnectionError{
			Addr: seeds[0].String(),
			Err:  fmt.Errorf("no cluster node reachable within %s", policy.ConnectTimeout),
		}
	}

	c.wg.Add(2)
	go c.tendLoop()
	go c.sweepLoop()
	return c, nil
}

// waitTillStabilized tends repeatedly until the node count stops changing
// or the connect timeout runs out, so the first user command sees a usable
// partition map.
func (c *Cluster) waitTillStabilized() {
	deadline := time.Now().Add(c.policy.ConnectTimeout)
	lastCount := -1
	for time.Now().Before(deadline) {
		if err := c.tend(); err != nil {
			c.log.Warn("initial cluster tend failed", "error", err)
		}
		count := c.nodeCount()
		if count == lastCount && count > 0 {
			return
		}
		lastCount = count
		time.Sleep(time.Millisecond)
	}
}

// tendLoop runs one tend per interval until Close.
func (c *Cluster) tendLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.policy.TendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.tend(); err != nil {
				// Degraded, not fatal: the next interval retries.
				c.log.Warn("cluster tend failed", "error", err)
			}
		}
	}
}

// tend is one topology refresh cycle: probe every node, pick up new peers,
// retire dead nodes, and publish a fresh partition map.
func (c *Cluster) tend() error {
	c.stats.recordTend()

	if c.nodeCount() == 0 {
		c.seedNodes()
	}

	nodes := c.Nodes()
	if len(nodes) == 0 {
		return fmt.Errorf("atlas: no cluster nodes reachable")
	}

	peerHosts := make(map[string]Host)
	refreshed := 0
	for _, node := range nodes {
		ctx, cancel := context.WithTimeout(context.Background(), c.policy.ConnectTimeout)
		peers, err := node.refresh(ctx)
		cancel()
		if err != nil {
			c.log.Warn("node refresh failed", "node", node.String(), "failures", node.Failures(), "error", err)
			continue
		}
		refreshed++
		for _, peer := range peers {
			addr := peer.String()
			if _, known := c.aliases.Load(addr); !known {
				peerHosts[addr] = peer
			}
		}
	}

	for _, host := range peerHosts {
		if err := c.addNode(host); err != nil {
			c.log.Warn("failed to add discovered node", "host", host.String(), "error", err)
		}
	}

	c.removeDeadNodes()
	c.publishPartitionMap()

	if refreshed == 0 {
		return fmt.Errorf("atlas: tend cycle reached no node")
	}
	return nil
}

// seedNodes (re)connects the seed hosts. Runs when the cluster is empty,
// both at startup and after losing every node.
func (c *Cluster) seedNodes() {
	for _, seed := range c.seeds {
		if _, known := c.aliases.Load(seed.String()); known {
			continue
		}
		if err := c.addNode(seed); err != nil {
			c.log.Warn("seed unreachable", "host", seed.String(), "error", err)
		}
	}
}

// addNode validates the host's identity over the info protocol and
// registers a Node for it. A host whose name is already registered only
// gains an alias.
func (c *Cluster) addNode(host Host) error {
	conn, err := dialNode(c.policy.Dialer, host.String())
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.policy.ConnectTimeout), 0)

	info, err := conn.RequestInfo("node")
	if err != nil {
		return err
	}
	name := info["node"]
	if name == "" {
		return &ProtocolError{Err: fmt.Errorf("host %s reported no node id", host.String())}
	}

	if existing, ok := c.nodes.Load(name); ok {
		// Same node reachable under another address.
		c.aliases.Store(host.String(), existing.name)
		return nil
	}

	node := newNode(c, name, host)
	c.nodes.Store(name, node)
	c.aliases.Store(host.String(), name)
	c.stats.recordNodeAdded()
	c.log.Info("node added", "node", node.String())

	// Prime ownership so the upcoming map rebuild can route to it.
	ctx, cancel := context.WithTimeout(context.Background(), c.policy.ConnectTimeout)
	defer cancel()
	if _, err := node.refresh(ctx); err != nil {
		c.log.Warn("initial refresh failed", "node", node.String(), "error", err)
	}
	return nil
}

// removeDeadNodes retires nodes that stayed Down past the grace period.
// Removal only deactivates: the pool drains as borrowed connections come
// back, so in-flight operations are never cut off.
func (c *Cluster) removeDeadNodes() {
	now := time.Now()
	c.nodes.Range(func(name string, node *Node) bool {
		if node.State() != NodeDown || node.downDuration(now) < c.policy.RemovalGracePeriod {
			return true
		}
		c.nodes.Delete(name)
		c.aliases.Range(func(addr string, owner string) bool {
			if owner == name {
				c.aliases.Delete(addr)
			}
			return true
		})
		c.stats.recordNodeRemoved()
		c.log.Info("node removed", "node", node.String())
		go node.close()
		return true
	})
}

// publishPartitionMap aggregates every node's latest ownership claim and
// swaps in the new snapshot.
func (c *Cluster) publishPartitionMap() {
	partitionCount := defaultPartitionCount
	if prev := c.partitions.Load(); prev != nil {
		partitionCount = prev.partitionCount
	}

	var claims []ownershipClaim
	c.nodes.Range(func(_ string, node *Node) bool {
		count, bitmaps, reportedAt := node.claim()
		if bitmaps == nil {
			return true
		}
		if count > 0 {
			partitionCount = count
		}
		claims = append(claims, ownershipClaim{
			node:       node,
			bitmaps:    bitmaps,
			reportedAt: reportedAt,
		})
		return true
	})

	c.partitions.Store(buildPartitionMap(partitionCount, claims))
	c.stats.recordMapRebuild()
}

// sweepLoop proactively expires idle and over-age pooled connections.
func (c *Cluster) sweepLoop() {
	defer c.wg.Done()
	if c.policy.IdleTimeout <= 0 && c.policy.MaxConnLifetime <= 0 {
		return
	}
	interval := c.policy.IdleTimeout
	if interval <= 0 {
		interval = c.policy.MaxConnLifetime
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			for _, node := range c.Nodes() {
				c.sweepNode(node)
			}
		}
	}
}

func (c *Cluster) sweepNode(node *Node) {
	now := time.Now()
	for _, res := range node.pool.AcquireAllIdle() {
		if c.policy.MaxConnLifetime > 0 && now.Sub(res.CreationTime()) > c.policy.MaxConnLifetime {
			res.Destroy()
			continue
		}
		if c.policy.IdleTimeout > 0 && res.IdleDuration() > c.policy.IdleTimeout {
			res.Destroy()
			continue
		}
		if res.Value().IsClosed() {
			res.Destroy()
			continue
		}
		res.ReleaseUnused()
	}
}

// PartitionMap returns the current snapshot, which may be nil before the
// first successful tend.
func (c *Cluster) PartitionMap() *PartitionMap {
	return c.partitions.Load()
}

// Nodes returns the current node set.
func (c *Cluster) Nodes() []*Node {
	nodes := make([]*Node, 0, c.nodeCount())
	c.nodes.Range(func(_ string, node *Node) bool {
		nodes = append(nodes, node)
		return true
	})
	return nodes
}

// activeNodes returns the nodes currently accepting traffic.
func (c *Cluster) activeNodes() []*Node {
	nodes := make([]*Node, 0, c.nodeCount())
	c.nodes.Range(func(_ string, node *Node) bool {
		if node.IsActive() {
			nodes = append(nodes, node)
		}
		return true
	})
	return nodes
}

// GetNodeByName looks a node up by its server-reported ID.
func (c *Cluster) GetNodeByName(name string) (*Node, bool) {
	return c.nodes.Load(name)
}

func (c *Cluster) nodeCount() int {
	return c.nodes.Size()
}

// IsConnected reports whether at least one node is active.
func (c *Cluster) IsConnected() bool {
	if c.closed.Load() {
		return false
	}
	connected := false
	c.nodes.Range(func(_ string, node *Node) bool {
		if node.IsActive() {
			connected = true
			return false
		}
		return true
	})
	return connected
}

// NodeForKey resolves the target node for a key under the given policy.
// prev is the node a previous attempt failed on; it is excluded when any
// alternative exists.
func (c *Cluster) NodeForKey(key *Key, policy *BasePolicy, prev *Node) (*Node, error) {
	pm := c.PartitionMap()
	if pm == nil {
		return nil, ErrNoAvailableNode
	}
	return c.NodeForPartition(key.Namespace, key.PartitionID(pm.partitionCount), policy, prev)
}

// masterOnly forces master routing regardless of what a caller configured.
var masterOnly = &BasePolicy{Replica: ReplicaMaster}

// MasterForKey resolves the partition master for a key. Mutations always
// land on the master; the replica preference applies to reads only.
func (c *Cluster) MasterForKey(key *Key, prev *Node) (*Node, error) {
	pm := c.PartitionMap()
	if pm == nil {
		return nil, ErrNoAvailableNode
	}
	return c.NodeForPartition(key.Namespace, key.PartitionID(pm.partitionCount), masterOnly, prev)
}

// NodeForPartition resolves the target node for one partition slot under
// the replica preference policy. Reads deterministically from the current
// snapshot: repeated calls between map updates return the same node.
func (c *Cluster) NodeForPartition(namespace string, partitionID int, policy *BasePolicy, prev *Node) (*Node, error) {
	pm := c.PartitionMap()
	if pm == nil {
		return nil, ErrNoAvailableNode
	}
	candidates := pm.get(namespace, partitionID)
	if len(candidates) == 0 {
		return nil, ErrNoAvailableNode
	}

	ordered := c.orderCandidates(candidates, policy)
	var fallback *Node
	for _, node := range ordered {
		if !node.IsActive() {
			continue
		}
		if node == prev {
			fallback = node
			continue
		}
		return node, nil
	}
	// prev is the only live candidate; better to retry it than give up.
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoAvailableNode
}

// orderCandidates applies the replica preference to the snapshot's
// master-first candidate list.
func (c *Cluster) orderCandidates(candidates []*Node, policy *BasePolicy) []*Node {
	switch policy.Replica {
	case ReplicaMaster:
		return candidates[:1]

	case ReplicaMasterPreferRack:
		ordered := make([]*Node, 0, len(candidates))
		for _, node := range candidates {
			if node.RackID() == c.policy.RackID {
				ordered = append(ordered, node)
			}
		}
		for _, node := range candidates {
			if node.RackID() != c.policy.RackID {
				ordered = append(ordered, node)
			}
		}
		return ordered

	case ReplicaRandom:
		if policy.ReplicaOrder != nil {
			return policy.ReplicaOrder(candidates)
		}
		ordered := make([]*Node, len(candidates))
		copy(ordered, candidates)
		rand.Shuffle(len(ordered), func(i, j int) {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		})
		return ordered

	default: // ReplicaSequence
		if policy.ReplicaOrder != nil {
			return policy.ReplicaOrder(candidates)
		}
		// Healthy nodes first, suspects after, preference order preserved
		// within each group.
		ordered := make([]*Node, 0, len(candidates))
		for _, node := range candidates {
			if node.State() == NodeActive {
				ordered = append(ordered, node)
			}
		}
		for _, node := range candidates {
			if node.State() == NodeSuspect {
				ordered = append(ordered, node)
			}
		}
		return ordered
	}
}

// Stats returns a snapshot of cluster-level counters.
func (c *Cluster) Stats() ClusterStats {
	return c.stats.snapshot()
}

// Close stops the tend loop and drains every node pool. Idempotent.
func (c *Cluster) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		c.wg.Wait()
		c.nodes.Range(func(name string, node *Node) bool {
			node.close()
			c.nodes.Delete(name)
			return true
		})
		c.aliases.Clear()
	})
}

package atlas

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

// NodeState tracks a node's health for routing decisions.
type NodeState int32

const (
	// NodeActive serves all traffic.
	NodeActive NodeState = iota
	// NodeSuspect still serves reads but is deprioritized in replica
	// ordering.
	NodeSuspect
	// NodeDown is excluded from routing until a health probe succeeds.
	NodeDown
)

func (s NodeState) String() string {
	switch s {
	case NodeActive:
		return "active"
	case NodeSuspect:
		return "suspect"
	case NodeDown:
		return "down"
	default:
		return "unknown"
	}
}

// Node is one cluster member. The Cluster owns all Nodes exclusively and
// everything else refers to them through cluster lookups, never by holding
// long-lived references of its own.
type Node struct {
	name    string
	host    Host
	address string

	cluster *Cluster
	pool    Pool
	breaker *gobreaker.CircuitBreaker[bool]

	failures            atomic.Int32
	state               atomic.Int32
	active              atomic.Bool
	partitionGeneration atomic.Int32
	rackID              atomic.Int32
	downSince           atomic.Int64 // unix nanos, 0 when not down

	// ownership is this node's latest partition claim, consumed by the
	// tend loop when rebuilding the partition map.
	ownership struct {
		sync.Mutex
		partitionCount int
		byNamespace    map[string][][]byte // namespace -> replica index -> bitmap
		reportedAt     time.Time
	}
}

func newNode(cluster *Cluster, name string, host Host) *Node {
	n := &Node{
		name:    name,
		host:    host,
		address: host.String(),
		cluster: cluster,
	}
	n.active.Store(true)
	n.partitionGeneration.Store(-1)
	if cluster.policy.NewCircuitBreaker != nil {
		n.breaker = cluster.policy.NewCircuitBreaker(n.address)
	}
	pool, err := newPuddlePool(func(ctx context.Context) (*Connection, error) {
		return dialNode(cluster.policy.Dialer, n.address)
	}, cluster.policy.MaxConnsPerNode)
	if err != nil {
		// Only possible with a non-positive max size, which validate()
		// rejects at construction.
		panic(err)
	}
	n.pool = pool
	return n
}

// Name returns the server-reported node ID.
func (n *Node) Name() string { return n.name }

// Host returns the address this node was discovered at.
func (n *Node) Host() Host { return n.host }

// Address returns host:port.
func (n *Node) Address() string { return n.address }

// State returns the current health state.
func (n *Node) State() NodeState { return NodeState(n.state.Load()) }

// IsActive reports whether the node is still part of the cluster and not
// Down. Inactive nodes are being drained and never routed to.
func (n *Node) IsActive() bool {
	return n.active.Load() && n.State() != NodeDown
}

// Failures returns the consecutive failure count.
func (n *Node) Failures() int32 { return n.failures.Load() }

// RackID returns the server-reported rack for rack-aware reads.
func (n *Node) RackID() int { return int(n.rackID.Load()) }

// Stats returns a snapshot of this node's pool counters.
func (n *Node) Stats() PoolStats { return n.pool.Stats() }

// getConnection checks a connection out of the pool, translating a deadline
// expiry into ErrPoolTimeout so the executor can treat it as retryable.
func (n *Node) getConnection(ctx context.Context) (Resource, error) {
	res, err := n.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrPoolTimeout
		}
		return nil, &ConnectionError{Addr: n.address, Err: err}
	}
	return res, nil
}

// recordSuccess resets the failure streak and reactivates the node.
func (n *Node) recordSuccess() {
	n.failures.Store(0)
	n.state.Store(int32(NodeActive))
	n.downSince.Store(0)
}

// recordFailure bumps the failure streak and advances the health state
// machine: Active -> Suspect -> Down.
func (n *Node) recordFailure() {
	failures := n.failures.Add(1)
	switch {
	case failures >= n.cluster.policy.DownThreshold:
		if n.state.Swap(int32(NodeDown)) != int32(NodeDown) {
			n.downSince.Store(time.Now().UnixNano())
		}
	case failures >= n.cluster.policy.SuspectThreshold:
		n.state.CompareAndSwap(int32(NodeActive), int32(NodeSuspect))
	}
}

// downDuration returns how long the node has been Down, or zero.
func (n *Node) downDuration(now time.Time) time.Duration {
	since := n.downSince.Load()
	if since == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, since))
}

// deactivate marks the node as removed. The pool drains as outstanding
// connections are released; in-flight operations finish undisturbed.
func (n *Node) deactivate() {
	n.active.Store(false)
}

// close tears the pool down, blocking until checked-out connections return.
func (n *Node) close() {
	n.deactivate()
	n.pool.Close()
}

// refresh is one tend probe: verify identity, pick up the peer list, and
// re-fetch partition ownership when the node's generation moved.
func (n *Node) refresh(ctx context.Context) ([]Host, error) {
	res, err := n.getConnection(ctx)
	if err != nil {
		n.recordFailure()
		return nil, err
	}
	conn := res.Value()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline, 0)
	}

	info, err := conn.RequestInfo("node", "partition-generation", "peers", "rack-id")
	if err != nil {
		res.Destroy()
		n.recordFailure()
		return nil, err
	}

	if name := info["node"]; name != n.name {
		res.Destroy()
		n.recordFailure()
		return nil, fmt.Errorf("atlas: node identity changed at %s: had %q, got %q", n.address, n.name, name)
	}

	if rack, err := strconv.Atoi(info["rack-id"]); err == nil {
		n.rackID.Store(int32(rack))
	}

	generation, err := strconv.Atoi(info["partition-generation"])
	if err != nil {
		res.Destroy()
		n.recordFailure()
		return nil, fmt.Errorf("atlas: bad partition-generation from %s: %w", n.address, err)
	}

	if int32(generation) != n.partitionGeneration.Load() {
		replicaInfo, err := conn.RequestInfo("replicas", "partition-count")
		if err != nil {
			res.Destroy()
			n.recordFailure()
			return nil, err
		}
		if err := n.updateOwnership(replicaInfo); err != nil {
			res.Destroy()
			n.recordFailure()
			return nil, err
		}
		n.partitionGeneration.Store(int32(generation))
	}

	peers := parsePeers(info["peers"])
	res.Release()
	n.recordSuccess()
	return peers, nil
}

// updateOwnership parses the replicas document and stores the claim for the
// next partition map rebuild.
//
// Format: "ns1:<b64 master bitmap>,<b64 replica bitmap>,...;ns2:..." where
// bitmap bit i (MSB first) marks ownership of partition i at that replica
// index.
func (n *Node) updateOwnership(info map[string]string) error {
	partitionCount := defaultPartitionCount
	if pc, err := strconv.Atoi(info["partition-count"]); err == nil && pc > 0 {
		partitionCount = pc
	}

	byNamespace, err := parseReplicas(info["replicas"])
	if err != nil {
		return fmt.Errorf("atlas: bad replicas document from %s: %w", n.address, err)
	}

	n.ownership.Lock()
	n.ownership.partitionCount = partitionCount
	n.ownership.byNamespace = byNamespace
	n.ownership.reportedAt = time.Now()
	n.ownership.Unlock()
	return nil
}

// claim returns the latest ownership snapshot.
func (n *Node) claim() (int, map[string][][]byte, time.Time) {
	n.ownership.Lock()
	defer n.ownership.Unlock()
	return n.ownership.partitionCount, n.ownership.byNamespace, n.ownership.reportedAt
}

func (n *Node) String() string {
	return fmt.Sprintf("%s@%s", n.name, n.address)
}

// parsePeers splits a comma-separated host:port list.
func parsePeers(doc string) []Host {
	if doc == "" {
		return nil
	}
	var hosts []Host
	for _, entry := range strings.Split(doc, ",") {
		host, portStr, found := strings.Cut(strings.TrimSpace(entry), ":")
		if !found || host == "" {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		hosts = append(hosts, Host{Name: host, Port: port})
	}
	return hosts
}

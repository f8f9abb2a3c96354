package atlas

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// defaultPartitionCount is used until a node reports its own count. Always
// a power of two.
const defaultPartitionCount = 4096

// PartitionMap is an immutable snapshot of partition ownership: per
// namespace, one candidate list per partition slot, master first. The tend
// loop builds a fresh map and publishes it with an atomic pointer swap;
// readers always see one consistent snapshot and never lock against the
// writer.
type PartitionMap struct {
	partitionCount int
	namespaces     map[string][][]*Node // namespace -> partition -> candidates
}

func newPartitionMap(partitionCount int) *PartitionMap {
	return &PartitionMap{
		partitionCount: partitionCount,
		namespaces:     make(map[string][][]*Node),
	}
}

// PartitionCount returns the number of partition slots per namespace.
func (m *PartitionMap) PartitionCount() int { return m.partitionCount }

// Namespaces lists the namespaces present in the snapshot.
func (m *PartitionMap) Namespaces() []string {
	names := make([]string, 0, len(m.namespaces))
	for ns := range m.namespaces {
		names = append(names, ns)
	}
	return names
}

// get returns the candidate list for one partition slot, master first, or
// nil when the namespace or slot has no owner in this snapshot.
func (m *PartitionMap) get(namespace string, partitionID int) []*Node {
	slots, ok := m.namespaces[namespace]
	if !ok || partitionID < 0 || partitionID >= len(slots) {
		return nil
	}
	return slots[partitionID]
}

// ownershipClaim is one node's parsed replicas report, used while
// aggregating per-node claims into a map.
type ownershipClaim struct {
	node       *Node
	bitmaps    map[string][][]byte
	reportedAt time.Time
}

// buildPartitionMap aggregates every node's latest ownership claim into a
// fresh snapshot. When two nodes claim the same (namespace, partition,
// replica index) slot, the most recent report wins; simultaneous reports
// fall back to the lower failure count.
type slotOwner struct {
	node       *Node
	reportedAt time.Time
}

func buildPartitionMap(partitionCount int, claims []ownershipClaim) *PartitionMap {
	m := newPartitionMap(partitionCount)

	// namespace -> replica index -> partition -> winning claim
	owners := make(map[string][][]slotOwner)

	for _, claim := range claims {
		for ns, bitmaps := range claim.bitmaps {
			replicaSlots := owners[ns]
			for len(replicaSlots) < len(bitmaps) {
				replicaSlots = append(replicaSlots, make([]slotOwner, partitionCount))
			}
			owners[ns] = replicaSlots

			for replicaIdx, bitmap := range bitmaps {
				for pid := 0; pid < partitionCount; pid++ {
					if !bitmapHas(bitmap, pid) {
						continue
					}
					current := &replicaSlots[replicaIdx][pid]
					if current.node == nil || wins(claim, *current) {
						*current = slotOwner{node: claim.node, reportedAt: claim.reportedAt}
					}
				}
			}
		}
	}

	for ns, replicaSlots := range owners {
		slots := make([][]*Node, partitionCount)
		for pid := 0; pid < partitionCount; pid++ {
			var candidates []*Node
			for replicaIdx := range replicaSlots {
				if node := replicaSlots[replicaIdx][pid].node; node != nil {
					candidates = append(candidates, node)
				}
			}
			slots[pid] = candidates
		}
		m.namespaces[ns] = slots
	}
	return m
}

// wins decides the ownership tie-break.
func wins(claim ownershipClaim, current slotOwner) bool {
	if claim.reportedAt.After(current.reportedAt) {
		return true
	}
	if current.reportedAt.After(claim.reportedAt) {
		return false
	}
	return claim.node.Failures() < current.node.Failures()
}

// bitmapHas tests bit pid, MSB first within each byte.
func bitmapHas(bitmap []byte, pid int) bool {
	idx := pid >> 3
	if idx >= len(bitmap) {
		return false
	}
	return bitmap[idx]&(0x80>>(pid&7)) != 0
}

// parseReplicas decodes a replicas document:
// "ns:<b64>,<b64>,...;ns2:..." with one base64 bitmap per replica index.
func parseReplicas(doc string) (map[string][][]byte, error) {
	byNamespace := make(map[string][][]byte)
	doc = strings.TrimRight(doc, ";\n")
	if doc == "" {
		return byNamespace, nil
	}
	for _, part := range strings.Split(doc, ";") {
		ns, bitmapList, found := strings.Cut(part, ":")
		if !found {
			return nil, fmt.Errorf("missing namespace separator in %q", part)
		}
		var bitmaps [][]byte
		for _, encoded := range strings.Split(bitmapList, ",") {
			bitmap, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("namespace %s: %w", ns, err)
			}
			bitmaps = append(bitmaps, bitmap)
		}
		byNamespace[ns] = bitmaps
	}
	return byNamespace, nil
}

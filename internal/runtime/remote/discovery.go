package remote

import (
	"fmt"
	"sort"
	"sync"
)

// Discovery resolves node names to transport addresses and enumerates peers
// for fan-out sends.
type Discovery interface {
	Register(node, address string) error
	Unregister(node string)
	Resolve(node string) (string, bool)
	Peers(except string) []string
}

// NodeTable is a Discovery backed by a fixed membership table: peers known
// up front (config seeds) plus nodes that announce themselves at startup.
// Suited to small static topologies; there is no gossip or failure detection.
type NodeTable struct {
	mu    sync.RWMutex
	nodes map[string]string
}

// NewNodeTable creates a membership table pre-populated with seed entries
// mapping node name to transport address. A nil seed map is allowed.
func NewNodeTable(seeds map[string]string) *NodeTable {
	nodes := make(map[string]string, len(seeds))
	for node, addr := range seeds {
		nodes[node] = addr
	}
	return &NodeTable{nodes: nodes}
}

// Register binds a node name to an address. A name already bound to a
// different address is rejected; a node re-announcing its own address is not.
func (d *NodeTable) Register(node, address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.nodes[node]; ok && prev != address {
		return fmt.Errorf("node %q already registered at %s", node, prev)
	}
	d.nodes[node] = address
	return nil
}

// Unregister drops a node from the table.
func (d *NodeTable) Unregister(node string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, node)
}

// Resolve returns the transport address a node registered under.
func (d *NodeTable) Resolve(node string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.nodes[node]
	return addr, ok
}

// Peers returns every known node name except the given one, sorted so
// fan-out order is deterministic.
func (d *NodeTable) Peers(except string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.nodes))
	for node := range d.nodes {
		if node != except {
			out = append(out, node)
		}
	}
	sort.Strings(out)
	return out
}

package cluster

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sushant-115/gojodtx/core/dtxerr"
)

// MembershipListener is told about explicit join/leave changes. The DTX
// manager uses it to connect and disconnect transport links.
type MembershipListener interface {
	PeerAdded(Node)
	PeerRemoved(Node)
}

// Registry is the local view of cluster membership. It always contains the
// local node; every other entry is a peer.
type Registry struct {
	mu        sync.RWMutex
	self      Node
	nodes     map[NodeID]Node
	listeners []MembershipListener
}

// NewRegistry creates a registry holding only the local node.
func NewRegistry(self Node) *Registry {
	return &Registry{
		self:  self,
		nodes: map[NodeID]Node{self.ID(): self},
	}
}

// Self returns the local node.
func (r *Registry) Self() Node { return r.self }

// AddListener registers l for future membership changes.
func (r *Registry) AddListener(l MembershipListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Add inserts or replaces a peer. Replacing a peer whose address changed is
// reported as a removal followed by an addition.
func (r *Registry) Add(n Node) error {
	if n.IsZero() {
		return fmt.Errorf("%w: empty node", dtxerr.ErrIllegalArgument)
	}
	if n.ID() == r.self.ID() {
		if n.Addr() != r.self.Addr() {
			return fmt.Errorf("%w: node %s is the local node with a different address", dtxerr.ErrIllegalArgument, n.ID())
		}
		return nil
	}
	r.mu.Lock()
	old, existed := r.nodes[n.ID()]
	if existed && old.Equal(n) {
		r.mu.Unlock()
		return nil
	}
	r.nodes[n.ID()] = n
	listeners := append([]MembershipListener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		if existed {
			l.PeerRemoved(old)
		}
		l.PeerAdded(n)
	}
	return nil
}

// Remove deletes a peer. Removing the local node is rejected.
func (r *Registry) Remove(id NodeID) (Node, bool, error) {
	if id == r.self.ID() {
		return Node{}, false, fmt.Errorf("%w: cannot remove the local node", dtxerr.ErrIllegalArgument)
	}
	r.mu.Lock()
	n, ok := r.nodes[id]
	if ok {
		delete(r.nodes, id)
	}
	listeners := append([]MembershipListener(nil), r.listeners...)
	r.mu.Unlock()

	if ok {
		for _, l := range listeners {
			l.PeerRemoved(n)
		}
	}
	return n, ok, nil
}

func (r *Registry) Lookup(id NodeID) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// Len counts members including the local node.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Snapshot returns an ordered copy of the membership, local node included.
func (r *Registry) Snapshot() Membership {
	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID().Less(out[j].ID()) })
	return Membership{self: r.self.ID(), nodes: out}
}

// Membership is an immutable point-in-time view of the registry.
type Membership struct {
	self  NodeID
	nodes []Node
}

// Nodes returns every member including the local node.
func (m Membership) Nodes() []Node { return append([]Node(nil), m.nodes...) }

// Peers returns every member except the local node.
func (m Membership) Peers() []Node {
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.ID() != m.self {
			out = append(out, n)
		}
	}
	return out
}

func (m Membership) Size() int { return len(m.nodes) }

// Quorum returns the number of acknowledgements needed to commit. override
// of zero means a strict majority; larger values are capped at Size.
func (m Membership) Quorum(override int) int {
	if override > 0 {
		if override > len(m.nodes) {
			return len(m.nodes)
		}
		return override
	}
	return len(m.nodes)/2 + 1
}

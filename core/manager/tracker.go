package manager

import (
	"sync"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/transaction"
)

// idSet remembers transaction ids per submitter as a contiguous watermark
// plus the sparse ids above it.
type idSet struct {
	mu   sync.Mutex
	subs map[cluster.NodeID]*subIDs
}

type subIDs struct {
	upTo  uint64
	above map[uint64]struct{}
}

func newIDSet() *idSet {
	return &idSet{subs: make(map[cluster.NodeID]*subIDs)}
}

// Add reports whether the key was newly added.
func (s *idSet) Add(k transaction.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[k.Submitter]
	if sub == nil {
		sub = &subIDs{above: make(map[uint64]struct{})}
		s.subs[k.Submitter] = sub
	}
	if k.ID <= sub.upTo {
		return false
	}
	if _, ok := sub.above[k.ID]; ok {
		return false
	}
	sub.above[k.ID] = struct{}{}
	for {
		if _, ok := sub.above[sub.upTo+1]; !ok {
			break
		}
		sub.upTo++
		delete(sub.above, sub.upTo)
	}
	return true
}

func (s *idSet) Contains(k transaction.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[k.Submitter]
	if sub == nil {
		return false
	}
	if k.ID <= sub.upTo {
		return true
	}
	_, ok := sub.above[k.ID]
	return ok
}

// Contiguous is the highest id n such that every id in 1..n is present.
func (s *idSet) Contiguous(submitter cluster.NodeID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub := s.subs[submitter]; sub != nil {
		return sub.upTo
	}
	return 0
}

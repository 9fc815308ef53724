// Package storage holds the contracts the DTX core shares with the block
// storage engine: byte-range guarding for concurrent access and the
// content digest collaborator.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/gojodtx/core/dtxerr"
)

// Range is the half-open byte interval [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int64
}

func (r Range) End() int64 { return r.Offset + r.Length }

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Offset, r.End()) }

// Overlaps reports whether the two ranges share at least one byte. Ranges
// that only touch at a boundary do not overlap.
func (r Range) Overlaps(o Range) bool {
	return r.Offset < o.End() && o.Offset < r.End()
}

// Overlaps is the free-function form of Range.Overlaps.
func Overlaps(a, lenA, b, lenB int64) bool {
	return Range{a, lenA}.Overlaps(Range{b, lenB})
}

// RangeGuard serializes access to overlapping byte ranges of one object.
// Non-overlapping ranges proceed concurrently.
type RangeGuard struct {
	mu     sync.Mutex
	held   map[uint64]Range
	nextID uint64
	// closed and replaced whenever a range is released
	changed chan struct{}
}

func NewRangeGuard() *RangeGuard {
	return &RangeGuard{held: make(map[uint64]Range), changed: make(chan struct{})}
}

// Acquire blocks until r overlaps no held range, then holds it. The
// returned release function is idempotent.
func (g *RangeGuard) Acquire(ctx context.Context, r Range) (release func(), err error) {
	if r.Length <= 0 || r.Offset < 0 {
		return nil, fmt.Errorf("%w: range %s", dtxerr.ErrIllegalArgument, r)
	}
	for {
		g.mu.Lock()
		if !g.conflictsLocked(r) {
			rel := g.holdLocked(r)
			g.mu.Unlock()
			return rel, nil
		}
		wait := g.changed
		g.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquire is Acquire without waiting. ok is false on conflict.
func (g *RangeGuard) TryAcquire(r Range) (release func(), ok bool) {
	if r.Length <= 0 || r.Offset < 0 {
		return nil, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conflictsLocked(r) {
		return nil, false
	}
	return g.holdLocked(r), true
}

func (g *RangeGuard) holdLocked(r Range) func() {
	g.nextID++
	id := g.nextID
	g.held[id] = r
	var once sync.Once
	return func() { once.Do(func() { g.release(id) }) }
}

func (g *RangeGuard) conflictsLocked(r Range) bool {
	for _, h := range g.held {
		if h.Overlaps(r) {
			return true
		}
	}
	return false
}

func (g *RangeGuard) release(id uint64) {
	g.mu.Lock()
	delete(g.held, id)
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()
}

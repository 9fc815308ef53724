// Package taskkeeper retains resolved transaction records for status
// queries and purges them by age and count.
//
// Two sets of caps apply. The absolute (hard) caps are never exceeded: the
// count cap is enforced on insert and records past the age cap are hidden
// from reads until the next purge removes them. The max (soft) caps are
// applied best-effort by the periodic purge cycle.
package taskkeeper

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/config"
	"github.com/sushant-115/gojodtx/core/transaction"
	"github.com/sushant-115/gojodtx/internal/clock"
)

// Settings holds retention caps and purge scheduling.
type Settings struct {
	AbsoluteDuration time.Duration
	AbsoluteSize     int
	MaxDuration      time.Duration
	MaxSize          int
	PurgeDelay       time.Duration
	PurgePeriod      time.Duration
}

// SettingsFrom reads retention settings from a validated registry.
func SettingsFrom(r *config.Registry) Settings {
	return Settings{
		AbsoluteDuration: r.Duration(config.TaskKeeperAbsoluteDuration),
		AbsoluteSize:     int(r.Int(config.TaskKeeperAbsoluteSize)),
		MaxDuration:      r.Duration(config.TaskKeeperMaxDuration),
		MaxSize:          int(r.Int(config.TaskKeeperMaxSize)),
		PurgeDelay:       r.Duration(config.TaskKeeperPurgeDelay),
		PurgePeriod:      r.Duration(config.TaskKeeperPurgePeriod),
	}
}

// PurgeResult describes one purge cycle.
type PurgeResult struct {
	Hard        int
	Soft        int
	SoftSkipped bool
	Remaining   int
	At          time.Time
}

// Options are optional collaborators.
type Options struct {
	Clock   clock.Clock
	Logger  *zap.Logger
	OnPurge func(PurgeResult)
}

// Keeper is safe for concurrent use.
type Keeper struct {
	settings Settings
	clock    clock.Clock
	logger   *zap.Logger
	onPurge  func(PurgeResult)

	mu      sync.Mutex
	records []*transaction.Record // oldest first by ResolvedAt
	index   map[transaction.Key]*transaction.Record
	// highest purged id per submitter; ids at or below answer PURGED
	purgedUpTo map[cluster.NodeID]uint64

	runMu    sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopping atomic.Bool
}

func New(settings Settings, opts Options) *Keeper {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Keeper{
		settings:   settings,
		clock:      opts.Clock,
		logger:     opts.Logger.Named("taskkeeper"),
		onPurge:    opts.OnPurge,
		index:      make(map[transaction.Key]*transaction.Record),
		purgedUpTo: make(map[cluster.NodeID]uint64),
	}
}

// Record retains a resolved record. It returns false when the record is
// not resolved or the key is already present; retained records are never
// replaced.
func (k *Keeper) Record(rec *transaction.Record) bool {
	if rec == nil || !rec.State.Resolved() {
		return false
	}
	c := rec.Clone()
	if c.ResolvedAt.IsZero() {
		c.ResolvedAt = k.clock.Now()
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.index[c.Key()]; ok {
		return false
	}
	i := sort.Search(len(k.records), func(i int) bool { return k.records[i].ResolvedAt.After(c.ResolvedAt) })
	k.records = append(k.records, nil)
	copy(k.records[i+1:], k.records[i:])
	k.records[i] = c
	k.index[c.Key()] = c

	if over := len(k.records) - k.settings.AbsoluteSize; over > 0 {
		k.dropOldestLocked(over)
	}
	return true
}

// Status returns the last known state for key. ok is false when the keeper
// never held the record.
func (k *Keeper) Status(key transaction.Key) (transaction.TransactionState, bool) {
	now := k.clock.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	if rec, ok := k.index[key]; ok {
		if k.expiredLocked(rec, now) {
			return transaction.TxnStatePurged, true
		}
		return rec.State, true
	}
	if key.ID <= k.purgedUpTo[key.Submitter] {
		return transaction.TxnStatePurged, true
	}
	return transaction.TxnStatePending, false
}

// Get returns a copy of a retained record.
func (k *Keeper) Get(key transaction.Key) (*transaction.Record, bool) {
	now := k.clock.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.index[key]
	if !ok || k.expiredLocked(rec, now) {
		return nil, false
	}
	return rec.Clone(), true
}

// Snapshot lists retained records oldest first.
func (k *Keeper) Snapshot() []*transaction.Record {
	now := k.clock.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]*transaction.Record, 0, len(k.records))
	for _, rec := range k.records {
		if !k.expiredLocked(rec, now) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func (k *Keeper) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.records)
}

func (k *Keeper) expiredLocked(rec *transaction.Record, now time.Time) bool {
	return now.Sub(rec.ResolvedAt) > k.settings.AbsoluteDuration
}

func (k *Keeper) dropOldestLocked(n int) {
	if n > len(k.records) {
		n = len(k.records)
	}
	for _, rec := range k.records[:n] {
		delete(k.index, rec.Key())
		if rec.ID > k.purgedUpTo[rec.Submitter] {
			k.purgedUpTo[rec.Submitter] = rec.ID
		}
	}
	clear(k.records[:n])
	k.records = k.records[n:]
}

// purgeLocked removes records older than maxAge and then the oldest
// records beyond maxSize.
func (k *Keeper) purgeLocked(now time.Time, maxAge time.Duration, maxSize int) int {
	aged := sort.Search(len(k.records), func(i int) bool { return now.Sub(k.records[i].ResolvedAt) <= maxAge })
	removed := aged
	k.dropOldestLocked(aged)
	if over := len(k.records) - maxSize; over > 0 {
		k.dropOldestLocked(over)
		removed += over
	}
	return removed
}

// RunPurge runs one purge cycle: the hard caps unconditionally, then the
// soft caps only if the keeper is not contended or stopping.
func (k *Keeper) RunPurge() PurgeResult {
	now := k.clock.Now()
	res := PurgeResult{At: now}

	k.mu.Lock()
	res.Hard = k.purgeLocked(now, k.settings.AbsoluteDuration, k.settings.AbsoluteSize)
	k.mu.Unlock()

	if k.stopping.Load() || !k.mu.TryLock() {
		res.SoftSkipped = true
	} else {
		res.Soft = k.purgeLocked(now, k.settings.MaxDuration, k.settings.MaxSize)
		k.mu.Unlock()
	}

	k.mu.Lock()
	res.Remaining = len(k.records)
	k.mu.Unlock()

	k.logger.Info("purge cycle finished",
		zap.Int("hard", res.Hard),
		zap.Int("soft", res.Soft),
		zap.Bool("soft_skipped", res.SoftSkipped),
		zap.Int("remaining", res.Remaining))
	if k.onPurge != nil {
		k.onPurge(res)
	}
	return res
}

// Start launches the purge loop: first cycle after PurgeDelay, then every
// PurgePeriod. Calling Start on a running keeper is a no-op.
func (k *Keeper) Start() {
	k.runMu.Lock()
	defer k.runMu.Unlock()
	if k.stopCh != nil {
		return
	}
	k.stopping.Store(false)
	k.stopCh = make(chan struct{})
	k.wg.Add(1)
	go k.loop(k.stopCh)
}

// Stop ends the purge loop and waits for an in-progress cycle.
func (k *Keeper) Stop() {
	k.runMu.Lock()
	defer k.runMu.Unlock()
	if k.stopCh == nil {
		return
	}
	k.stopping.Store(true)
	close(k.stopCh)
	k.wg.Wait()
	k.stopCh = nil
}

func (k *Keeper) loop(stop <-chan struct{}) {
	defer k.wg.Done()
	wait := k.settings.PurgeDelay
	for {
		select {
		case <-stop:
			return
		case <-k.clock.After(wait):
		}
		k.RunPurge()
		wait = k.settings.PurgePeriod
	}
}

package manager

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/config"
	"github.com/sushant-115/gojodtx/core/dtxerr"
	"github.com/sushant-115/gojodtx/core/eventbus"
	"github.com/sushant-115/gojodtx/core/journal"
	"github.com/sushant-115/gojodtx/core/transaction"
	"github.com/sushant-115/gojodtx/core/wire"
)

func freeUDPAddr(t *testing.T) netip.AddrPort {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := netip.MustParseAddrPort(pc.LocalAddr().String())
	require.NoError(t, pc.Close())
	return addr
}

type testNode struct {
	id     cluster.NodeID
	addr   netip.AddrPort
	values map[string]any
}

func (n testNode) node(t *testing.T) cluster.Node {
	t.Helper()
	c, err := cluster.NewNode(n.id, n.addr)
	require.NoError(t, err)
	return c
}

func newTestNode(t *testing.T) testNode {
	t.Helper()
	n := testNode{id: cluster.NewNodeID(), addr: freeUDPAddr(t)}
	n.values = map[string]any{
		config.JournalDir:              t.TempDir(),
		config.NodeID:                  n.id.String(),
		config.NodeListen:              n.addr.String(),
		config.DtxTransactionTimeout:   2 * time.Second,
		config.DtxReplayTimeout:        time.Duration(0),
		config.TransportBackoffInitial: 20 * time.Millisecond,
		config.TransportBackoffMax:     200 * time.Millisecond,
		config.TaskKeeperPurgeDelay:    time.Hour,
	}
	return n
}

// peerWith makes a and b list each other as static peers.
func peerWith(t *testing.T, a, b testNode) {
	t.Helper()
	a.values[config.ClusterPeers] = []string{b.node(t).String()}
	b.values[config.ClusterPeers] = []string{a.node(t).String()}
}

type recordingApplier struct {
	mu      sync.Mutex
	applied []transaction.Key
}

func (r *recordingApplier) Apply(_ context.Context, rec *transaction.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, rec.Key())
	return nil
}

func (r *recordingApplier) keys() []transaction.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transaction.Key(nil), r.applied...)
}

func newManager(t *testing.T, n testNode, mod ...func(*Options)) *Manager {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	opts := Options{Values: n.values, Logger: logger}
	for _, f := range mod {
		f(&opts)
	}
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
		_ = m.Fini()
	})
	return m
}

func startManager(t *testing.T, m *Manager, recover bool) {
	t.Helper()
	require.NoError(t, m.Init())
	require.NoError(t, m.Start(context.Background(), recover))
	require.Equal(t, StateStarted, m.State())
}

func TestManager_StartBeforeInitIsIllegal(t *testing.T) {
	m := newManager(t, newTestNode(t))
	err := m.Start(context.Background(), false)
	require.ErrorIs(t, err, dtxerr.ErrIllegalState)
	require.Equal(t, StateInit, m.State())
}

func TestManager_InitTwiceIsSameAsOnce(t *testing.T) {
	m := newManager(t, newTestNode(t))
	require.NoError(t, m.Init())
	self := m.Self()
	require.NoError(t, m.Init())
	require.Equal(t, self, m.Self())
	require.Equal(t, StateInit, m.State())
}

func TestManager_InvalidConfigRefusesInit(t *testing.T) {
	n := newTestNode(t)
	n.values[config.TaskKeeperMaxSize] = 600
	n.values[config.TaskKeeperAbsoluteSize] = 500
	n.values[config.ClusterPeers] = []string{"not-a-node"}
	m := newManager(t, n)

	err := m.Init()
	require.ErrorIs(t, err, dtxerr.ErrConfigValidation)
	var verr *dtxerr.ConfigValidationError
	require.True(t, errors.As(err, &verr))
	require.ErrorIs(t, m.Start(context.Background(), false), dtxerr.ErrIllegalState)
}

func TestManager_PeerListErrorsAreValidationErrors(t *testing.T) {
	n := newTestNode(t)
	n.values[config.ClusterPeers] = []string{"not-a-node"}
	err := newManager(t, n).Init()
	require.ErrorIs(t, err, dtxerr.ErrConfigValidation)
}

func TestManager_NodeIDPersistedInJournalDir(t *testing.T) {
	n := newTestNode(t)
	delete(n.values, config.NodeID)

	m := newManager(t, n)
	require.NoError(t, m.Init())
	first := m.Self().ID()
	require.False(t, first.IsZero())
	require.NoError(t, m.Fini())

	again := newManager(t, n)
	require.NoError(t, again.Init())
	require.Equal(t, first, again.Self().ID())
}

func TestManager_LifecycleTransitionsArePublished(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	t.Cleanup(bus.Close)
	var mu sync.Mutex
	var seen []NodeStateChanged
	eventbus.SubscribeTyped(bus, EventStateChanged, func(_ context.Context, ev NodeStateChanged) error {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		return nil
	}, eventbus.Serial())

	m := newManager(t, newTestNode(t), func(o *Options) { o.Bus = bus })
	startManager(t, m, false)
	require.NoError(t, m.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	var path []State
	for _, ev := range seen {
		path = append(path, ev.Current)
		assert.False(t, ev.At.IsZero())
		assert.Equal(t, m.Self().ID(), ev.Node)
	}
	require.Equal(t, []State{StateStarting, StateStarted, StateStopping, StateStopped}, path)
	require.Equal(t, StateInit, seen[0].Previous)
	require.Equal(t, StateStarted, seen[2].Previous)
}

func TestManager_FiniRejectedWhileStarted(t *testing.T) {
	m := newManager(t, newTestNode(t))
	startManager(t, m, false)

	require.ErrorIs(t, m.Fini(), dtxerr.ErrIllegalState)
	require.Equal(t, StateStarted, m.State())

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Fini())
	require.NoError(t, m.Fini())
	require.Equal(t, StateStopped, m.State())
}

func TestManager_StopIsIdempotent(t *testing.T) {
	m := newManager(t, newTestNode(t))
	startManager(t, m, false)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Stop(context.Background()))
		require.Equal(t, StateStopped, m.State())
	}

	idle := newManager(t, newTestNode(t))
	require.NoError(t, idle.Stop(context.Background()))
	require.Equal(t, StateStopped, idle.State())
}

func TestManager_SubmitBeforeStartIsIllegal(t *testing.T) {
	m := newManager(t, newTestNode(t))
	require.NoError(t, m.Init())
	_, err := m.Submit(context.Background(), []byte("x"))
	require.ErrorIs(t, err, dtxerr.ErrIllegalState)
}

func TestManager_SingleNodeIdsStrictlyIncrease(t *testing.T) {
	n := newTestNode(t)
	applier := &recordingApplier{}
	m := newManager(t, n, func(o *Options) { o.Applier = applier })
	startManager(t, m, false)

	var last uint64
	for i := 0; i < 20; i++ {
		rec, err := m.Submit(context.Background(), []byte{byte(i)})
		require.NoError(t, err)
		require.Equal(t, transaction.TxnStateCommitted, rec.State)
		require.Greater(t, rec.ID, last)
		last = rec.ID

		st, err := m.Status(rec.ID)
		require.NoError(t, err)
		require.Equal(t, transaction.TxnStateCommitted, st)
	}
	require.Len(t, applier.keys(), 20)

	_, err := m.Status(last + 1)
	require.ErrorIs(t, err, dtxerr.ErrNotFound)

	// Ids continue after a full restart on the same journal.
	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Fini())
	again := newManager(t, n)
	startManager(t, again, true)
	rec, err := again.Submit(context.Background(), []byte("after"))
	require.NoError(t, err)
	require.Equal(t, last+1, rec.ID)
}

func TestManager_ConcurrentSubmitsGetDistinctIds(t *testing.T) {
	m := newManager(t, newTestNode(t))
	startManager(t, m, false)

	const n = 50
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := m.Submit(context.Background(), []byte("p"))
			if assert.NoError(t, err) {
				ids <- rec.ID
			}
		}()
	}
	wg.Wait()
	close(ids)
	seen := make(map[uint64]bool)
	for id := range ids {
		require.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}
	require.Len(t, seen, n)
}

func TestManager_SecondStartOnSameAddressFails(t *testing.T) {
	n := newTestNode(t)
	first := newManager(t, n)
	startManager(t, first, false)

	other := newTestNode(t)
	other.values[config.NodeListen] = n.addr.String()
	second := newManager(t, other)
	require.NoError(t, second.Init())
	err := second.Start(context.Background(), false)
	require.ErrorIs(t, err, dtxerr.ErrConnection)
	require.Equal(t, StateFailed, second.State())

	require.Equal(t, StateStarted, first.State())
	_, err = first.Submit(context.Background(), []byte("still fine"))
	require.NoError(t, err)

	require.NoError(t, second.Stop(context.Background()))
	require.Equal(t, StateStopped, second.State())
}

func TestManager_TwoNodesConnectAndCommit(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	peerWith(t, a, b)
	applierB := &recordingApplier{}
	ma := newManager(t, a)
	mb := newManager(t, b, func(o *Options) { o.Applier = applierB })
	startManager(t, ma, false)
	startManager(t, mb, false)

	require.Eventually(t, func() bool {
		return len(ma.Management().ConnectedPeers) == 1 && len(mb.Management().ConnectedPeers) == 1
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, ma.Management().Peers)

	rec, err := ma.Submit(context.Background(), []byte("replicated"))
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateCommitted, rec.State)

	require.Eventually(t, func() bool {
		st, err := mb.StatusOf(rec.Key())
		return err == nil && st == transaction.TxnStateCommitted
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []transaction.Key{rec.Key()}, applierB.keys())

	got, ok := mb.Record(rec.Key())
	require.True(t, ok)
	require.Equal(t, []byte("replicated"), got.Payload)
}

func TestManager_SubmitTimesOutWithoutQuorum(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	peerWith(t, a, b)
	a.values[config.DtxTransactionTimeout] = 300 * time.Millisecond
	ma := newManager(t, a)
	startManager(t, ma, false)

	rec, err := ma.Submit(context.Background(), []byte("lonely"))
	require.ErrorIs(t, err, dtxerr.ErrTimeout)
	require.NotNil(t, rec)
	require.Equal(t, transaction.TxnStateAborted, rec.State)

	st, err := ma.Status(rec.ID)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateAborted, st)
	require.Equal(t, StateStarted, ma.State())
}

func TestManager_QuorumOverrideCommitsAlone(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	peerWith(t, a, b)
	a.values[config.DtxQuorum] = 1
	ma := newManager(t, a)
	startManager(t, ma, false)

	rec, err := ma.Submit(context.Background(), []byte("solo"))
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateCommitted, rec.State)
}

func TestManager_StopAbortsInFlightSubmissions(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	peerWith(t, a, b)
	a.values[config.DtxTransactionTimeout] = time.Minute
	a.values[config.DtxProposeRetries] = 16
	a.values[config.TransportBackoffInitial] = time.Second
	a.values[config.TransportBackoffMax] = 5 * time.Second
	ma := newManager(t, a)
	startManager(t, ma, false)

	errc := make(chan error, 1)
	go func() {
		_, err := ma.Submit(context.Background(), []byte("pending"))
		errc <- err
	}()
	require.Eventually(t, func() bool {
		st, err := ma.Status(1)
		return err == nil && st == transaction.TxnStateProposed
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, ma.Stop(context.Background()))
	select {
	case err := <-errc:
		require.ErrorIs(t, err, dtxerr.ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("submission did not resolve after stop")
	}
	require.Equal(t, StateStopped, ma.State())
}

// failingJournal starts failing appends once armed.
type failingJournal struct {
	journal.Journal
	armed atomic.Bool
}

func (f *failingJournal) Append(e *journal.Entry) (uint64, error) {
	if f.armed.Load() {
		return 0, errors.New("disk on fire")
	}
	return f.Journal.Append(e)
}

func TestManager_JournalFailureMovesToFailed(t *testing.T) {
	var fj *failingJournal
	m := newManager(t, newTestNode(t), func(o *Options) {
		o.OpenJournal = func(opts journal.Options) (journal.Journal, error) {
			j, err := journal.Open(opts)
			if err != nil {
				return nil, err
			}
			fj = &failingJournal{Journal: j}
			return fj, nil
		}
	})
	startManager(t, m, false)
	_, err := m.Submit(context.Background(), []byte("ok"))
	require.NoError(t, err)

	fj.armed.Store(true)
	_, err = m.Submit(context.Background(), []byte("lost"))
	require.Error(t, err)
	require.Equal(t, StateFailed, m.State())

	_, err = m.Submit(context.Background(), []byte("rejected"))
	require.ErrorIs(t, err, dtxerr.ErrIllegalState)
	require.ErrorIs(t, m.Fini(), dtxerr.ErrIllegalState)

	require.NoError(t, m.Stop(context.Background()))
	require.Equal(t, StateStopped, m.State())
}

func TestManager_RecoverReplaysJournal(t *testing.T) {
	n := newTestNode(t)
	dir := n.values[config.JournalDir].(string)
	j, err := journal.OpenFile(dir, 0, zap.NewNop())
	require.NoError(t, err)
	now := time.Now()
	for _, e := range []*journal.Entry{
		{Type: journal.EntryProposed, TxnID: 1, Submitter: n.id, Payload: []byte("one"), CreatedAt: now, RecordedAt: now},
		{Type: journal.EntryCommitted, TxnID: 1, Submitter: n.id, Payload: []byte("one"), CreatedAt: now, RecordedAt: now},
		{Type: journal.EntryProposed, TxnID: 2, Submitter: n.id, Payload: []byte("two"), CreatedAt: now, RecordedAt: now},
	} {
		_, err := j.Append(e)
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	applier := &recordingApplier{}
	m := newManager(t, n, func(o *Options) { o.Applier = applier })
	startManager(t, m, true)

	st, err := m.Status(1)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateCommitted, st)
	st, err = m.Status(2)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateAborted, st)
	require.Equal(t, []transaction.Key{{Submitter: n.id, ID: 1}}, applier.keys())

	rec, err := m.Submit(context.Background(), []byte("three"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), rec.ID)
}

func TestManager_RestartCatchesUpFromPeer(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	peerWith(t, a, b)
	a.values[config.DtxQuorum] = 1
	b.values[config.DtxReplayTimeout] = 5 * time.Second
	applierB := &recordingApplier{}
	ma := newManager(t, a)
	mb := newManager(t, b, func(o *Options) { o.Applier = applierB })
	startManager(t, ma, false)
	startManager(t, mb, false)
	require.Eventually(t, func() bool {
		return len(ma.Management().ConnectedPeers) == 1
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, mb.Stop(context.Background()))
	missed, err := ma.Submit(context.Background(), []byte("while b was down"))
	require.NoError(t, err)

	require.NoError(t, mb.Start(context.Background(), true))
	st, err := mb.StatusOf(missed.Key())
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateCommitted, st)
	require.Contains(t, applierB.keys(), missed.Key())
}

func TestManager_JoinAndLeave(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	ma := newManager(t, a)
	mb := newManager(t, b)
	startManager(t, ma, false)
	startManager(t, mb, false)

	require.NoError(t, ma.Join(b.node(t)))
	require.NoError(t, mb.Join(a.node(t)))
	require.Eventually(t, func() bool {
		return len(ma.Management().ConnectedPeers) == 1
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, ma.Leave(b.id))
	require.Eventually(t, func() bool {
		return len(ma.Management().ConnectedPeers) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, ma.Leave(b.id), dtxerr.ErrNotFound)

	members, err := ma.Members()
	require.NoError(t, err)
	require.Equal(t, 1, members.Size())
}

func TestManager_RestartPreservesIdentity(t *testing.T) {
	m := newManager(t, newTestNode(t))
	startManager(t, m, false)
	before := m.Management()
	_, err := m.Submit(context.Background(), []byte("x"))
	require.NoError(t, err)

	require.NoError(t, m.Restart(context.Background()))
	after := m.Management()
	require.True(t, after.Started)
	require.Equal(t, before.Node, after.Node)
	require.Equal(t, uint64(1), after.LastTxnID)
}

func TestManager_StopBeforeStartSkipsStopping(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	t.Cleanup(bus.Close)
	var mu sync.Mutex
	var seen []NodeStateChanged
	eventbus.SubscribeTyped(bus, EventStateChanged, func(_ context.Context, ev NodeStateChanged) error {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		return nil
	}, eventbus.Serial())

	m := newManager(t, newTestNode(t), func(o *Options) { o.Bus = bus })
	require.NoError(t, m.Init())
	require.NoError(t, m.Stop(context.Background()))
	require.Equal(t, StateStopped, m.State())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	require.Equal(t, StateInit, seen[0].Previous)
	require.Equal(t, StateStopped, seen[0].Current)
}

func TestManager_StopWithExpiredContextWaitsForSubmissions(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	peerWith(t, a, b)
	a.values[config.DtxTransactionTimeout] = time.Minute
	a.values[config.DtxProposeRetries] = 16
	ma := newManager(t, a)
	startManager(t, ma, false)

	errc := make(chan error, 1)
	go func() {
		_, err := ma.Submit(context.Background(), []byte("pending"))
		errc <- err
	}()
	require.Eventually(t, func() bool {
		st, err := ma.Status(1)
		return err == nil && st == transaction.TxnStateProposed
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = ma.Stop(ctx)
	require.Equal(t, StateStopped, ma.State())
	// The abort decision is journaled before Stop can report STOPPED.
	st, err := ma.Status(1)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateAborted, st)
	require.NoError(t, ma.Fini())
	require.ErrorIs(t, <-errc, dtxerr.ErrAborted)
}

// decisionFailJournal accepts proposals and refuses every decision.
type decisionFailJournal struct {
	journal.Journal
}

func (d decisionFailJournal) Append(e *journal.Entry) (uint64, error) {
	if e.Type != journal.EntryProposed {
		return 0, errors.New("disk full")
	}
	return d.Journal.Append(e)
}

func TestManager_UndurableDecisionReportsAborted(t *testing.T) {
	m := newManager(t, newTestNode(t), func(o *Options) {
		o.OpenJournal = func(opts journal.Options) (journal.Journal, error) {
			j, err := journal.Open(opts)
			if err != nil {
				return nil, err
			}
			return decisionFailJournal{Journal: j}, nil
		}
	})
	startManager(t, m, false)

	rec, err := m.Submit(context.Background(), []byte("lost decision"))
	require.Error(t, err)
	require.NotNil(t, rec)
	require.Equal(t, transaction.TxnStateAborted, rec.State)
	require.Equal(t, StateFailed, m.State())

	st, err := m.Status(rec.ID)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateAborted, st)
}

func TestManager_SubmitRejectsOversizedPayload(t *testing.T) {
	m := newManager(t, newTestNode(t))
	startManager(t, m, false)

	_, err := m.Submit(context.Background(), make([]byte, wire.MaxPayloadBytes+1))
	require.ErrorIs(t, err, dtxerr.ErrIllegalArgument)
	require.Equal(t, uint64(0), m.Management().LastTxnID)
	require.Equal(t, StateStarted, m.State())
}

// stallingJournal holds proposals from peers until released.
type stallingJournal struct {
	journal.Journal
	entered chan struct{}
	release chan struct{}
}

func (s *stallingJournal) Append(e *journal.Entry) (uint64, error) {
	if e.Type == journal.EntryProposed {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.release
	}
	return s.Journal.Append(e)
}

func TestManager_MembershipChangeKeepsProposalQuorum(t *testing.T) {
	a, b, c := newTestNode(t), newTestNode(t), newTestNode(t)
	a.values[config.ClusterPeers] = []string{b.node(t).String(), c.node(t).String()}
	b.values[config.ClusterPeers] = []string{a.node(t).String()}
	a.values[config.DtxTransactionTimeout] = 3 * time.Second

	stall := &stallingJournal{entered: make(chan struct{}, 1), release: make(chan struct{})}
	ma := newManager(t, a)
	mb := newManager(t, b, func(o *Options) {
		o.OpenJournal = func(opts journal.Options) (journal.Journal, error) {
			j, err := journal.Open(opts)
			if err != nil {
				return nil, err
			}
			stall.Journal = j
			return stall, nil
		}
	})
	var once sync.Once
	unstall := func() { once.Do(func() { close(stall.release) }) }
	t.Cleanup(unstall)
	startManager(t, ma, false)
	startManager(t, mb, false)
	require.Eventually(t, func() bool {
		return len(ma.Management().ConnectedPeers) == 1
	}, 10*time.Second, 10*time.Millisecond)

	type result struct {
		rec *transaction.Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := ma.Submit(context.Background(), []byte("three-node proposal"))
		done <- result{rec, err}
	}()

	// b has the proposal, so a already fixed the 3-node snapshot.
	select {
	case <-stall.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("proposal never reached b")
	}
	require.NoError(t, ma.Leave(b.id))
	require.NoError(t, ma.Leave(c.id))
	members, err := ma.Members()
	require.NoError(t, err)
	require.Equal(t, 1, members.Size())

	// A 1-node snapshot would commit alone; the proposal still needs 2 of 3.
	r := <-done
	require.ErrorIs(t, r.err, dtxerr.ErrTimeout)
	require.Equal(t, transaction.TxnStateAborted, r.rec.State)
	unstall()

	next, err := ma.Submit(context.Background(), []byte("single-node proposal"))
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateCommitted, next.State)
}

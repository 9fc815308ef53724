// Package manager implements the DTX manager: the node lifecycle state
// machine and the coordinator that takes a submitted payload through
// journal, quorum proposal, decision, application and retention.
package manager

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/config"
	"github.com/sushant-115/gojodtx/core/dtxerr"
	"github.com/sushant-115/gojodtx/core/eventbus"
	"github.com/sushant-115/gojodtx/core/journal"
	"github.com/sushant-115/gojodtx/core/security/encryption/internaltls"
	"github.com/sushant-115/gojodtx/core/taskkeeper"
	"github.com/sushant-115/gojodtx/core/transaction"
	"github.com/sushant-115/gojodtx/core/transport"
	"github.com/sushant-115/gojodtx/internal/clock"
	internaltelemetry "github.com/sushant-115/gojodtx/internal/telemetry"
	"github.com/sushant-115/gojodtx/pkg/telemetry"
)

// Applier applies committed transactions to local state. Within one process
// each committed transaction is applied once. After a process restart,
// recovery applies every committed journal entry again, so implementations
// must be idempotent.
type Applier interface {
	Apply(ctx context.Context, rec *transaction.Record) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, rec *transaction.Record) error

func (f ApplierFunc) Apply(ctx context.Context, rec *transaction.Record) error { return f(ctx, rec) }

// Options configures a Manager. Only one of Config and Values is needed.
type Options struct {
	// Config is a registry already built from config.DTXKeys.
	Config *config.Registry
	// Values are raw key/value settings validated by Init when Config is nil.
	Values map[string]any

	Logger    *zap.Logger
	Bus       *eventbus.Bus
	Applier   Applier
	Telemetry *telemetry.Telemetry
	Clock     clock.Clock

	// OpenJournal replaces journal.Open, mostly for tests.
	OpenJournal func(journal.Options) (journal.Journal, error)
	// ServerTLS and ClientTLS override the certificates named in Config.
	ServerTLS *tls.Config
	ClientTLS *tls.Config
}

// Management is the read-only view handed to monitoring collaborators.
type Management struct {
	Node           cluster.Node
	State          State
	Started        bool
	ListenAddr     string
	Peers          int
	ConnectedPeers []cluster.Node
	LastTxnID      uint64
	Retained       int
}

// Manager is safe for concurrent use. Lifecycle methods are serialized.
type Manager struct {
	opts    Options
	logger  *zap.Logger
	bus     atomic.Pointer[eventbus.Bus]
	ownsBus bool
	applier Applier
	clock   clock.Clock
	tracer  trace.Tracer
	metrics *internaltelemetry.DtxMetrics

	// transitionMu admits one lifecycle operation at a time.
	transitionMu sync.Mutex
	stateMu      sync.RWMutex
	state        State
	initialized  bool

	settings  settings
	registry  *cluster.Registry
	journal   journal.Journal
	transport *transport.Transport
	keeper    *taskkeeper.Keeper
	limiter   *rate.Limiter

	// idMu serializes id assignment with the PROPOSED append.
	idMu   sync.Mutex
	lastID uint64

	// resolved holds every key with a journaled decision; applied every
	// key applied since this process started.
	resolved *idSet
	applied  *idSet
	// decideMu makes journal, apply and record of one decision atomic.
	decideMu sync.Mutex

	pendingMu sync.Mutex
	inflight  map[uint64]*transaction.Record
	remote    map[transaction.Key]*transaction.Record

	submitMu     sync.Mutex
	accepting    bool
	submitSem    chan struct{}
	submitWG     sync.WaitGroup
	submitCtx    context.Context
	submitCancel context.CancelFunc
	bgWG         sync.WaitGroup

	replayMu      sync.Mutex
	replayWaiters map[cluster.NodeID]chan struct{}
}

// New returns a manager in INIT. Nothing is opened until Init.
func New(opts Options) (*Manager, error) {
	if opts.Config == nil && opts.Values == nil {
		return nil, fmt.Errorf("%w: manager needs Config or Values", dtxerr.ErrIllegalArgument)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Noop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.OpenJournal == nil {
		opts.OpenJournal = journal.Open
	}
	if opts.Applier == nil {
		opts.Applier = ApplierFunc(func(context.Context, *transaction.Record) error { return nil })
	}
	metrics, err := internaltelemetry.NewDtxMetrics(opts.Telemetry.Meter)
	if err != nil {
		return nil, fmt.Errorf("dtx metrics: %w", err)
	}
	m := &Manager{
		opts:     opts,
		logger:   opts.Logger.Named("dtx"),
		applier:  opts.Applier,
		clock:    opts.Clock,
		tracer:   opts.Telemetry.Tracer,
		metrics:  metrics,
		state:    StateInit,
		inflight: make(map[uint64]*transaction.Record),
		remote:   make(map[transaction.Key]*transaction.Record),
	}
	if opts.Bus != nil {
		m.bus.Store(opts.Bus)
	}
	return m, nil
}

// State is the current lifecycle state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Bus is the event bus transitions and resolutions are published on.
func (m *Manager) Bus() *eventbus.Bus {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	m.ensureBus()
	return m.bus.Load()
}

func (m *Manager) ensureBus() {
	if m.bus.Load() != nil {
		return
	}
	m.bus.Store(eventbus.New(eventbus.Options{
		Logger: m.opts.Logger,
		OnDead: func(ev eventbus.Event) {
			m.metrics.DeadEventsCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("kind", string(ev.EventKind()))))
		},
	}))
	m.ownsBus = true
}

// Self is the local node. It is the zero Node before Init.
func (m *Manager) Self() cluster.Node {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.registry == nil {
		return cluster.Node{}
	}
	return m.registry.Self()
}

// Init validates configuration, loads the node identity, opens the
// journal and builds the registry, transport and task keeper. A second
// call has no effect.
func (m *Manager) Init() error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	if m.initialized {
		return nil
	}
	if st := m.State(); st != StateInit && st != StateStopped {
		return fmt.Errorf("%w: init in %s", dtxerr.ErrIllegalState, st)
	}
	m.ensureBus()

	reg := m.opts.Config
	if reg == nil {
		var err error
		if reg, err = config.BuildDTX(m.opts.Values, m.clock.Now()); err != nil {
			return err
		}
	}
	s, err := settingsFrom(reg)
	if err != nil {
		return err
	}
	id, err := loadNodeID(s.nodeID, s.journal.Dir)
	if err != nil {
		return err
	}
	self, err := cluster.NewNode(id, s.advertise)
	if err != nil {
		return &dtxerr.ConfigValidationError{Problems: []string{fmt.Sprintf("%s: %v", config.NodeAdvertise, err)}}
	}

	serverTLS, clientTLS := m.opts.ServerTLS, m.opts.ClientTLS
	if serverTLS == nil || clientTLS == nil {
		if serverTLS, clientTLS, err = internaltls.Configs(s.tls); err != nil {
			return &dtxerr.ConfigValidationError{Problems: []string{fmt.Sprintf("tls: %v", err)}}
		}
	}

	jopts := s.journal
	jopts.Logger = m.opts.Logger
	j, err := m.opts.OpenJournal(jopts)
	if err != nil {
		return err
	}
	lastID, resolved, err := scanJournal(j, id)
	if err != nil {
		_ = j.Close()
		return err
	}

	tcfg := transport.ConfigFrom(reg)
	tcfg.Self = self
	tcfg.ServerTLS = serverTLS
	tcfg.ClientTLS = clientTLS
	tcfg.Logger = m.opts.Logger
	tcfg.Hooks = m.transportHooks()
	tr := transport.New(tcfg, m.handle)

	registry := cluster.NewRegistry(self)
	registry.AddListener(membershipLink{tr})
	for _, p := range s.peers {
		if err := registry.Add(p); err != nil {
			_ = j.Close()
			return &dtxerr.ConfigValidationError{Problems: []string{fmt.Sprintf("%s: %v", config.ClusterPeers, err)}}
		}
	}

	keeper := taskkeeper.New(taskkeeper.SettingsFrom(reg), taskkeeper.Options{
		Clock:   m.clock,
		Logger:  m.opts.Logger,
		OnPurge: m.onPurge,
	})

	m.stateMu.Lock()
	m.settings = s
	m.registry = registry
	m.journal = j
	m.transport = tr
	m.keeper = keeper
	m.stateMu.Unlock()

	m.limiter = rate.NewLimiter(rate.Limit(s.replayRate), s.replayRate)
	m.lastID = lastID
	m.resolved = resolved
	m.applied = newIDSet()
	m.initialized = true
	m.logger.Info("dtx manager initialized",
		zap.Stringer("node", self),
		zap.Int("peers", len(s.peers)),
		zap.Uint64("last_txn_id", lastID),
		zap.String("journal", s.journal.Dir))
	return nil
}

// scanJournal recovers the highest local id and the set of decided keys.
func scanJournal(j journal.Journal, self cluster.NodeID) (uint64, *idSet, error) {
	resolved := newIDSet()
	var lastID uint64
	err := forEachEntry(j, 1, func(e *journal.Entry) error {
		if e.Submitter == self && e.TxnID > lastID {
			lastID = e.TxnID
		}
		if e.Type == journal.EntryCommitted || e.Type == journal.EntryAborted {
			resolved.Add(transaction.Key{Submitter: e.Submitter, ID: e.TxnID})
		}
		return nil
	})
	return lastID, resolved, err
}

// Start begins accepting submissions. With recover set, the journal is
// replayed and connected peers are asked for missed decisions first.
func (m *Manager) Start(ctx context.Context, recover bool) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	if !m.initialized {
		return fmt.Errorf("%w: start before init", dtxerr.ErrIllegalState)
	}
	switch st := m.State(); st {
	case StateStarted:
		return nil
	case StateInit, StateStopped:
	default:
		return fmt.Errorf("%w: start in %s", dtxerr.ErrIllegalState, st)
	}
	m.transition(StateStarting, nil)

	if err := m.transport.Start(ctx); err != nil {
		m.transition(StateFailed, err)
		return err
	}
	m.keeper.Start()

	m.submitMu.Lock()
	m.submitCtx, m.submitCancel = context.WithCancel(context.Background())
	m.submitSem = make(chan struct{}, m.settings.submitWorkers)
	m.submitMu.Unlock()

	if recover {
		if err := m.recover(ctx); err != nil {
			m.submitCancel()
			m.keeper.Stop()
			m.transport.Stop()
			m.transition(StateFailed, err)
			return err
		}
	}

	m.submitMu.Lock()
	m.accepting = true
	m.submitMu.Unlock()
	m.transition(StateStarted, nil)
	return nil
}

// Stop drains in-flight submissions, which abort, and stops the transport
// and purge loop. It always leaves the manager STOPPED.
//
// ctx bounds the graceful drain. When it expires the transport is taken
// down first, which fails outstanding proposals and replays, and Stop
// still waits for them to return before reporting STOPPED, so a following
// Fini never closes the journal under a running submission. The expiry is
// reported as dtxerr.ErrTimeout.
//
// Only a STARTED manager passes through STOPPING. INIT and FAILED move to
// STOPPED directly.
func (m *Manager) Stop(ctx context.Context) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	st := m.State()
	if st == StateStopped {
		return nil
	}
	if st == StateStarted {
		m.transition(StateStopping, nil)
	}

	m.submitMu.Lock()
	m.accepting = false
	if m.submitCancel != nil {
		m.submitCancel()
	}
	m.submitMu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.submitWG.Wait()
		m.bgWG.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("%w: drain interrupted: %v", dtxerr.ErrTimeout, ctx.Err())
		m.logger.Warn("stop drain cut off, forcing transport down", zap.Error(ctx.Err()))
	}

	if m.initialized {
		m.transport.Stop()
		m.keeper.Stop()
	}
	<-drained
	m.transition(StateStopped, nil)
	return err
}

// Fini releases the journal and, when owned, the event bus. It is
// rejected while the manager is starting, started, stopping or failed.
func (m *Manager) Fini() error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	switch st := m.State(); st {
	case StateInit, StateStopped:
	default:
		return fmt.Errorf("%w: fini in %s", dtxerr.ErrIllegalState, st)
	}
	if !m.initialized {
		return nil
	}
	m.initialized = false
	err := m.journal.Close()
	if m.ownsBus {
		m.bus.Swap(nil).Close()
		m.ownsBus = false
	}
	m.logger.Info("dtx manager released")
	return err
}

// Restart stops the manager and starts it again with recovery, keeping
// its configuration.
func (m *Manager) Restart(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		return err
	}
	return m.Start(ctx, true)
}

// transition moves to the target state and publishes the change. Callers
// hold transitionMu, except fail which may race a lifecycle operation.
func (m *Manager) transition(to State, cause error) {
	m.stateMu.Lock()
	prev := m.state
	m.state = to
	var node cluster.NodeID
	if m.registry != nil {
		node = m.registry.Self().ID()
	}
	m.stateMu.Unlock()
	m.emit(prev, to, node, cause)
}

func (m *Manager) emit(prev, to State, node cluster.NodeID, cause error) {
	at := m.clock.Now()
	m.metrics.StateTransitionCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("state", to.String())))
	fields := []zap.Field{zap.Stringer("from", prev), zap.Stringer("to", to)}
	if cause != nil {
		m.logger.Error("dtx state changed", append(fields, zap.Error(cause))...)
	} else {
		m.logger.Info("dtx state changed", fields...)
	}
	m.publish(NodeStateChanged{Node: node, Previous: prev, Current: to, At: at, Err: cause})
}

// fail moves a starting or started manager to FAILED after a durability
// error. New submissions are rejected until the operator stops it.
func (m *Manager) fail(cause error) {
	m.stateMu.Lock()
	prev := m.state
	if prev != StateStarting && prev != StateStarted {
		m.stateMu.Unlock()
		return
	}
	m.state = StateFailed
	node := m.registry.Self().ID()
	m.stateMu.Unlock()

	m.submitMu.Lock()
	m.accepting = false
	m.submitMu.Unlock()
	m.emit(prev, StateFailed, node, cause)
}

// appendEntry journals one event; failures move the manager to FAILED.
func (m *Manager) appendEntry(t journal.EntryType, rec *transaction.Record) error {
	_, err := m.journal.Append(&journal.Entry{
		Type:       t,
		TxnID:      rec.ID,
		Submitter:  rec.Submitter,
		Payload:    rec.Payload,
		CreatedAt:  rec.CreatedAt,
		RecordedAt: m.clock.Now(),
	})
	if err != nil {
		m.fail(err)
		return err
	}
	m.metrics.JournalAppendsCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", t.String())))
	return nil
}

// Join adds a peer to the registry and connects to it.
func (m *Manager) Join(peer cluster.Node) error {
	reg, err := m.reg()
	if err != nil {
		return err
	}
	return reg.Add(peer)
}

// Leave removes a peer from the registry and disconnects it.
func (m *Manager) Leave(id cluster.NodeID) error {
	reg, err := m.reg()
	if err != nil {
		return err
	}
	if _, ok, err := reg.Remove(id); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: peer %s", dtxerr.ErrNotFound, id)
	}
	return nil
}

// Members is the current registry snapshot.
func (m *Manager) Members() (cluster.Membership, error) {
	reg, err := m.reg()
	if err != nil {
		return cluster.Membership{}, err
	}
	return reg.Snapshot(), nil
}

func (m *Manager) reg() (*cluster.Registry, error) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.registry == nil {
		return nil, fmt.Errorf("%w: not initialized", dtxerr.ErrIllegalState)
	}
	return m.registry, nil
}

// Management reports identity, status and connectivity.
func (m *Manager) Management() Management {
	m.stateMu.RLock()
	st := m.state
	reg, tr, keeper := m.registry, m.transport, m.keeper
	m.stateMu.RUnlock()

	out := Management{State: st, Started: st == StateStarted}
	if reg == nil {
		return out
	}
	out.Node = reg.Self()
	out.Peers = reg.Len() - 1
	ts := tr.Status()
	out.ListenAddr = ts.ListenAddr
	out.ConnectedPeers = tr.ConnectedPeers()
	out.Retained = keeper.Len()
	m.idMu.Lock()
	out.LastTxnID = m.lastID
	m.idMu.Unlock()
	return out
}

// Status returns the last known state of a locally submitted transaction.
func (m *Manager) Status(id uint64) (transaction.TransactionState, error) {
	self := m.Self()
	if self.IsZero() {
		return 0, fmt.Errorf("%w: not initialized", dtxerr.ErrIllegalState)
	}
	return m.StatusOf(transaction.Key{Submitter: self.ID(), ID: id})
}

// StatusOf returns the last known state of any transaction this node has
// seen. Decided transactions no longer retained report PURGED.
func (m *Manager) StatusOf(key transaction.Key) (transaction.TransactionState, error) {
	m.stateMu.RLock()
	reg, keeper := m.registry, m.keeper
	m.stateMu.RUnlock()
	if reg == nil {
		return 0, fmt.Errorf("%w: not initialized", dtxerr.ErrIllegalState)
	}

	m.pendingMu.Lock()
	if key.Submitter == reg.Self().ID() {
		if rec, ok := m.inflight[key.ID]; ok {
			m.pendingMu.Unlock()
			return rec.State, nil
		}
	}
	if _, ok := m.remote[key]; ok {
		m.pendingMu.Unlock()
		return transaction.TxnStateProposed, nil
	}
	m.pendingMu.Unlock()

	if st, ok := keeper.Status(key); ok {
		return st, nil
	}
	if m.resolved.Contains(key) {
		return transaction.TxnStatePurged, nil
	}
	if key.Submitter == reg.Self().ID() {
		m.idMu.Lock()
		issued := key.ID != 0 && key.ID <= m.lastID
		m.idMu.Unlock()
		if issued {
			return transaction.TxnStatePurged, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", dtxerr.ErrNotFound, key)
}

// Record returns the retained record for key, if any.
func (m *Manager) Record(key transaction.Key) (*transaction.Record, bool) {
	m.stateMu.RLock()
	keeper := m.keeper
	m.stateMu.RUnlock()
	if keeper == nil {
		return nil, false
	}
	return keeper.Get(key)
}

func (m *Manager) transportHooks() transport.Hooks {
	return transport.Hooks{
		OnPeerConnected: func(peer cluster.Node) {
			m.metrics.PeerLinksUpDownCounter.Add(context.Background(), 1)
			m.publish(PeerConnected{Peer: peer})
		},
		OnPeerDisconnected: func(peer cluster.Node, err error) {
			m.metrics.PeerLinksUpDownCounter.Add(context.Background(), -1)
			m.publish(PeerDisconnected{Peer: peer, Err: err})
		},
		OnDialFailed: func(peer cluster.Node, attempt int, err error) {
			if attempt == 1 || attempt%10 == 0 {
				m.logger.Debug("peer dial failed", zap.Stringer("peer", peer), zap.Int("attempt", attempt), zap.Error(err))
			}
		},
		OnFrameSent: func(kind string) {
			m.metrics.FramesCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("direction", "out"), attribute.String("kind", kind)))
		},
		OnFrameReceived: func(kind string) {
			m.metrics.FramesCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("direction", "in"), attribute.String("kind", kind)))
		},
	}
}

func (m *Manager) onPurge(r taskkeeper.PurgeResult) {
	ctx := context.Background()
	m.metrics.PurgedRecordsCounter.Add(ctx, int64(r.Hard), metric.WithAttributes(attribute.String("pass", "hard")))
	m.metrics.PurgedRecordsCounter.Add(ctx, int64(r.Soft), metric.WithAttributes(attribute.String("pass", "soft")))
	m.publish(PurgeCompleted{PurgeResult: r})
}

func (m *Manager) publish(ev eventbus.Event) {
	if b := m.bus.Load(); b != nil {
		b.Publish(context.Background(), ev)
	}
}

// membershipLink keeps transport links in step with the registry.
type membershipLink struct {
	t *transport.Transport
}

func (l membershipLink) PeerAdded(n cluster.Node)   { l.t.Connect(n) }
func (l membershipLink) PeerRemoved(n cluster.Node) { l.t.Disconnect(n.ID()) }

func isConnErr(err error) bool { return errors.Is(err, dtxerr.ErrConnection) }

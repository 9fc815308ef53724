package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/dtxerr"
	"github.com/sushant-115/gojodtx/core/journal"
	"github.com/sushant-115/gojodtx/core/transaction"
	"github.com/sushant-115/gojodtx/core/wire"
)

// handle is the transport handler for frames from peers.
func (m *Manager) handle(ctx context.Context, from cluster.Node, env *wire.Envelope) (*wire.Envelope, error) {
	switch env.Kind {
	case wire.KindPropose:
		return m.onPropose(from, env)
	case wire.KindCommit, wire.KindAbort:
		return nil, m.onDecision(ctx, from, env)
	case wire.KindReplayRequest:
		return m.onReplayRequest(from, env)
	case wire.KindReplayRecord:
		return nil, m.onReplayRecord(ctx, from, env)
	case wire.KindReplayDone:
		m.onReplayDone(from, env.TxnID)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unexpected %s frame", dtxerr.ErrIllegalArgument, env.Kind)
}

func (m *Manager) onPropose(from cluster.Node, env *wire.Envelope) (*wire.Envelope, error) {
	if st := m.State(); st != StateStarted && st != StateStarting {
		return &wire.Envelope{Kind: wire.KindNack, TxnID: env.TxnID, Error: "node is " + st.String()}, nil
	}
	if env.Submitter != from.ID() {
		return nil, fmt.Errorf("%w: %s proposed a transaction of %s", dtxerr.ErrIllegalArgument, from, env.Submitter)
	}
	key := transaction.Key{Submitter: env.Submitter, ID: env.TxnID}
	ack := &wire.Envelope{Kind: wire.KindAck, TxnID: env.TxnID}
	if m.resolved.Contains(key) {
		return ack, nil
	}
	m.pendingMu.Lock()
	_, seen := m.remote[key]
	m.pendingMu.Unlock()
	if seen {
		return ack, nil
	}

	rec := &transaction.Record{
		ID:        env.TxnID,
		Payload:   env.Payload,
		Submitter: env.Submitter,
		State:     transaction.TxnStateProposed,
		CreatedAt: env.CreatedAt,
	}
	if err := m.appendEntry(journal.EntryProposed, rec); err != nil {
		return nil, err
	}
	m.pendingMu.Lock()
	m.remote[key] = rec
	m.pendingMu.Unlock()
	return ack, nil
}

func (m *Manager) onDecision(ctx context.Context, from cluster.Node, env *wire.Envelope) error {
	if env.Submitter != from.ID() {
		return fmt.Errorf("%w: %s decided a transaction of %s", dtxerr.ErrIllegalArgument, from, env.Submitter)
	}
	state := transaction.TxnStateCommitted
	if env.Kind == wire.KindAbort {
		state = transaction.TxnStateAborted
	}
	_, err := m.decide(ctx, m.recordFrom(env, state), false)
	return err
}

func (m *Manager) recordFrom(env *wire.Envelope, state transaction.TransactionState) *transaction.Record {
	rec := &transaction.Record{
		ID:         env.TxnID,
		Payload:    env.Payload,
		Submitter:  env.Submitter,
		State:      state,
		CreatedAt:  env.CreatedAt,
		ResolvedAt: env.ResolvedAt,
	}
	if rec.ResolvedAt.IsZero() {
		rec.ResolvedAt = m.clock.Now()
	}
	return rec
}

// onReplayRequest acknowledges at once and streams this node's decisions
// after env.After in the background, followed by REPLAY_DONE.
func (m *Manager) onReplayRequest(from cluster.Node, env *wire.Envelope) (*wire.Envelope, error) {
	m.submitMu.Lock()
	stopCtx := m.submitCtx
	if stopCtx == nil || stopCtx.Err() != nil {
		m.submitMu.Unlock()
		return &wire.Envelope{Kind: wire.KindNack, Error: "node is " + m.State().String()}, nil
	}
	m.bgWG.Add(1)
	m.submitMu.Unlock()

	go m.streamReplay(stopCtx, from, env.After)
	return nil, nil
}

func (m *Manager) streamReplay(ctx context.Context, to cluster.Node, after uint64) {
	defer m.bgWG.Done()
	self := m.registry.Self()
	wait, cancel := context.WithTimeout(ctx, m.settings.linkWait)
	up := m.awaitLinks(wait, []cluster.Node{to})
	cancel()
	if len(up) == 0 {
		m.logger.Warn("catch-up replay skipped, no link to requester", zap.Stringer("peer", to))
		return
	}
	var sent uint64
	err := forEachEntry(m.journal, 1, func(e *journal.Entry) error {
		if e.Submitter != self.ID() || e.TxnID <= after {
			return nil
		}
		state := transaction.TxnStateCommitted
		switch e.Type {
		case journal.EntryCommitted:
		case journal.EntryAborted:
			state = transaction.TxnStateAborted
		default:
			return nil
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		sent++
		return m.transport.Send(to.ID(), &wire.Envelope{
			Kind:       wire.KindReplayRecord,
			From:       self,
			TxnID:      e.TxnID,
			Submitter:  e.Submitter,
			Payload:    e.Payload,
			State:      uint8(state),
			CreatedAt:  e.CreatedAt,
			ResolvedAt: e.RecordedAt,
		})
	})
	if err != nil {
		m.logger.Warn("catch-up replay interrupted", zap.Stringer("peer", to), zap.Uint64("sent", sent), zap.Error(err))
		return
	}
	if err := m.transport.Send(to.ID(), &wire.Envelope{Kind: wire.KindReplayDone, From: self, TxnID: sent}); err != nil {
		m.logger.Warn("catch-up replay not completed", zap.Stringer("peer", to), zap.Error(err))
		return
	}
	m.logger.Info("catch-up replay served", zap.Stringer("peer", to), zap.Uint64("after", after), zap.Uint64("records", sent))
}

func (m *Manager) onReplayRecord(ctx context.Context, from cluster.Node, env *wire.Envelope) error {
	if env.Submitter != from.ID() {
		return fmt.Errorf("%w: %s replayed a transaction of %s", dtxerr.ErrIllegalArgument, from, env.Submitter)
	}
	state := transaction.TransactionState(env.State)
	if !state.Resolved() {
		return fmt.Errorf("%w: replayed txn %d in state %s", dtxerr.ErrIllegalArgument, env.TxnID, state)
	}
	_, err := m.decide(ctx, m.recordFrom(env, state), false)
	return err
}

func (m *Manager) expectReplay(peer cluster.NodeID) <-chan struct{} {
	m.replayMu.Lock()
	defer m.replayMu.Unlock()
	if m.replayWaiters == nil {
		m.replayWaiters = make(map[cluster.NodeID]chan struct{})
	}
	ch := make(chan struct{})
	m.replayWaiters[peer] = ch
	return ch
}

func (m *Manager) onReplayDone(from cluster.Node, records uint64) {
	m.replayMu.Lock()
	ch, ok := m.replayWaiters[from.ID()]
	delete(m.replayWaiters, from.ID())
	m.replayMu.Unlock()
	if ok {
		close(ch)
		m.logger.Info("caught up with peer", zap.Stringer("peer", from), zap.Uint64("records", records))
	}
}

func (m *Manager) clearReplayWaiters() {
	m.replayMu.Lock()
	m.replayWaiters = nil
	m.replayMu.Unlock()
}

// recover replays the local journal and then asks reachable peers for the
// decisions this node missed. Dangling local proposals are aborted.
func (m *Manager) recover(ctx context.Context) error {
	self := m.registry.Self()
	proposed := make(map[transaction.Key]*journal.Entry)
	var order []transaction.Key
	var committed, aborted int

	err := forEachEntry(m.journal, 1, func(e *journal.Entry) error {
		key := transaction.Key{Submitter: e.Submitter, ID: e.TxnID}
		switch e.Type {
		case journal.EntryProposed:
			if !m.resolved.Contains(key) {
				if _, ok := proposed[key]; !ok {
					order = append(order, key)
				}
				proposed[key] = e
			}
		case journal.EntryCommitted:
			rec := recordFromEntry(e, transaction.TxnStateCommitted)
			m.apply(ctx, rec)
			m.keeper.Record(rec)
			committed++
		case journal.EntryAborted:
			m.keeper.Record(recordFromEntry(e, transaction.TxnStateAborted))
			aborted++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("journal replay: %w", err)
	}

	var dangling []*transaction.Record
	for _, key := range order {
		rec := recordFromEntry(proposed[key], transaction.TxnStateProposed)
		if key.Submitter != self.ID() {
			m.pendingMu.Lock()
			m.remote[key] = rec
			m.pendingMu.Unlock()
			continue
		}
		final := rec.Resolve(transaction.TxnStateAborted, m.clock.Now())
		if _, err := m.decide(ctx, final, true); err != nil {
			return err
		}
		dangling = append(dangling, final)
	}
	m.logger.Info("journal replayed",
		zap.Int("committed", committed),
		zap.Int("aborted", aborted),
		zap.Int("dangling_aborted", len(dangling)))

	peers := m.registry.Snapshot().Peers()
	m.catchUp(ctx, self, peers)
	for _, rec := range dangling {
		m.announce(self, peers, rec)
	}
	return nil
}

// catchUp requests replay from every peer that connects within the replay
// timeout and waits, within the same budget, for each to finish.
func (m *Manager) catchUp(ctx context.Context, self cluster.Node, peers []cluster.Node) {
	if len(peers) == 0 || m.settings.replayTimeout <= 0 {
		return
	}
	defer m.clearReplayWaiters()
	ctx, cancel := context.WithTimeout(ctx, m.settings.replayTimeout)
	defer cancel()

	connected := m.awaitLinks(ctx, peers)
	waiting := make(map[cluster.NodeID]<-chan struct{}, len(connected))
	for _, p := range connected {
		done := m.expectReplay(p.ID())
		deadline, _ := ctx.Deadline()
		resp, err := m.transport.Request(ctx, p.ID(), &wire.Envelope{
			Kind:  wire.KindReplayRequest,
			From:  self,
			After: m.resolved.Contiguous(p.ID()),
		}, time.Until(deadline))
		if err == nil && resp.Kind == wire.KindNack {
			err = errors.New(resp.Error)
		}
		if err != nil {
			m.logger.Warn("catch-up request failed", zap.Stringer("peer", p), zap.Error(err))
			continue
		}
		waiting[p.ID()] = done
	}
	for id, done := range waiting {
		select {
		case <-done:
		case <-ctx.Done():
			m.logger.Warn("catch-up incomplete", zap.Stringer("peer", id), zap.Error(ctx.Err()))
			return
		}
	}
	if len(connected) < len(peers) {
		m.logger.Warn("catch-up skipped unreachable peers", zap.Int("reachable", len(connected)), zap.Int("peers", len(peers)))
	}
}

// awaitLinks waits until every peer is connected or ctx ends and returns
// the peers that are connected at that point.
func (m *Manager) awaitLinks(ctx context.Context, peers []cluster.Node) []cluster.Node {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		var up []cluster.Node
		for _, p := range peers {
			if m.transport.IsConnected(p.ID()) {
				up = append(up, p)
			}
		}
		if len(up) == len(peers) {
			return up
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return up
		}
	}
}

func recordFromEntry(e *journal.Entry, state transaction.TransactionState) *transaction.Record {
	rec := &transaction.Record{
		ID:        e.TxnID,
		Payload:   e.Payload,
		Submitter: e.Submitter,
		State:     state,
		CreatedAt: e.CreatedAt,
	}
	if state.Resolved() {
		rec.ResolvedAt = e.RecordedAt
	}
	return rec
}

// forEachEntry calls fn for every entry from seq up to the journal end as
// of the call.
func forEachEntry(j journal.Journal, seq uint64, fn func(*journal.Entry) error) error {
	r, err := j.ReadFrom(seq)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/dtxerr"
	"github.com/sushant-115/gojodtx/core/journal"
	"github.com/sushant-115/gojodtx/core/transaction"
	"github.com/sushant-115/gojodtx/core/wire"
)

// Submit journals payload under the next local id, proposes it to every
// peer in the current registry snapshot and blocks until a quorum of that
// snapshot acknowledges or the transaction timeout elapses.
//
// The returned record is COMMITTED on success. On timeout, or when the
// quorum becomes unreachable, the transaction is aborted and the error
// wraps dtxerr.ErrTimeout. A concurrent Stop aborts it with
// dtxerr.ErrAborted. In both cases the aborted record is returned with
// the error so callers can poll its id. Payloads larger than
// wire.MaxPayloadBytes are refused with dtxerr.ErrIllegalArgument before
// anything is journaled.
func (m *Manager) Submit(ctx context.Context, payload []byte) (*transaction.Record, error) {
	if len(payload) > wire.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", dtxerr.ErrIllegalArgument, len(payload), wire.MaxPayloadBytes)
	}
	m.submitMu.Lock()
	if !m.accepting {
		m.submitMu.Unlock()
		return nil, fmt.Errorf("%w: submit in %s", dtxerr.ErrIllegalState, m.State())
	}
	m.submitWG.Add(1)
	stopCtx, sem := m.submitCtx, m.submitSem
	m.submitMu.Unlock()
	defer m.submitWG.Done()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stopCtx.Done():
		return nil, fmt.Errorf("%w: manager stopping", dtxerr.ErrAborted)
	}
	defer func() { <-sem }()

	ctx, span := m.tracer.Start(ctx, "dtx.Submit")
	defer span.End()
	start := time.Now()
	m.metrics.InFlightUpDownCounter.Add(ctx, 1)
	defer m.metrics.InFlightUpDownCounter.Add(ctx, -1)

	rec, err := m.submit(ctx, stopCtx, payload)

	outcome := "committed"
	switch {
	case errors.Is(err, dtxerr.ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, dtxerr.ErrAborted):
		outcome = "aborted"
	case err != nil:
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.metrics.SubmissionsCounter.Add(ctx, 1, attrs)
	m.metrics.SubmitLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attrs)
	if rec != nil {
		span.SetAttributes(attribute.Int64("dtx.txn.id", int64(rec.ID)))
	}
	span.SetAttributes(attribute.String("dtx.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rec, err
}

type vote struct {
	peer cluster.Node
	err  error
}

func (m *Manager) submit(ctx, stopCtx context.Context, payload []byte) (*transaction.Record, error) {
	self := m.registry.Self()

	m.idMu.Lock()
	rec := &transaction.Record{
		ID:        m.lastID + 1,
		Payload:   append([]byte(nil), payload...),
		Submitter: self.ID(),
		State:     transaction.TxnStatePending,
		CreatedAt: m.clock.Now(),
	}
	// The id is spent even if the append fails part way.
	m.lastID = rec.ID
	err := m.appendEntry(journal.EntryProposed, rec)
	m.idMu.Unlock()
	if err != nil {
		return nil, err
	}

	m.pendingMu.Lock()
	rec.State = transaction.TxnStateProposed
	m.inflight[rec.ID] = rec
	m.pendingMu.Unlock()

	snap := m.registry.Snapshot()
	quorum := snap.Quorum(m.settings.quorum)
	peers := snap.Peers()

	wctx, cancel := context.WithTimeout(ctx, m.settings.txnTimeout)
	defer cancel()
	stopWatch := context.AfterFunc(stopCtx, cancel)
	defer stopWatch()

	votes := make(chan vote, len(peers))
	for _, p := range peers {
		go m.propose(wctx, self, p, rec, votes)
	}

	acks, answered := 1, 0
	var failure error
	for acks < quorum {
		if wctx.Err() != nil {
			failure = m.abortCause(ctx, stopCtx, rec.ID, acks, quorum)
			break
		}
		if acks+len(peers)-answered < quorum {
			failure = fmt.Errorf("%w: txn %d: quorum %d of %d unreachable", dtxerr.ErrTimeout, rec.ID, quorum, snap.Size())
			break
		}
		select {
		case v := <-votes:
			answered++
			if v.err == nil {
				acks++
			} else {
				m.logger.Debug("proposal not acknowledged", zap.Uint64("txn", rec.ID), zap.Stringer("peer", v.peer), zap.Error(v.err))
			}
		case <-wctx.Done():
		}
	}

	if failure == nil {
		m.pendingMu.Lock()
		rec.State = transaction.TxnStateAcked
		m.pendingMu.Unlock()
	}
	state := transaction.TxnStateCommitted
	if failure != nil {
		state = transaction.TxnStateAborted
	}

	m.pendingMu.Lock()
	final := rec.Resolve(state, m.clock.Now())
	m.pendingMu.Unlock()
	if _, err := m.decide(ctx, final, true); err != nil {
		// The decision is not durable, so recovery will abort this
		// transaction. Report it that way until then.
		m.pendingMu.Lock()
		aborted := rec.Resolve(transaction.TxnStateAborted, m.clock.Now())
		m.pendingMu.Unlock()
		m.keeper.Record(aborted)
		m.dropPending(aborted.Key(), true)
		return aborted.Clone(), err
	}
	m.announce(self, peers, final)

	if failure != nil {
		m.logger.Info("transaction aborted", zap.Uint64("txn", rec.ID), zap.Int("acks", acks), zap.Int("quorum", quorum), zap.Error(failure))
		return final.Clone(), failure
	}
	m.logger.Debug("transaction committed", zap.Uint64("txn", rec.ID), zap.Int("acks", acks), zap.Int("quorum", quorum))
	return final.Clone(), nil
}

func (m *Manager) abortCause(ctx, stopCtx context.Context, id uint64, acks, quorum int) error {
	switch {
	case stopCtx.Err() != nil:
		return fmt.Errorf("%w: txn %d: manager stopping", dtxerr.ErrAborted, id)
	case ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: txn %d: %v", dtxerr.ErrAborted, id, ctx.Err())
	}
	return fmt.Errorf("%w: txn %d: %d of %d acknowledgements after %s", dtxerr.ErrTimeout, id, acks, quorum, m.settings.txnTimeout)
}

// propose asks one peer to journal rec, re-sending after connection
// errors up to the configured retry count.
func (m *Manager) propose(ctx context.Context, self, peer cluster.Node, rec *transaction.Record, votes chan<- vote) {
	backoff := m.settings.retryBackoff
	var err error
	for attempt := 0; attempt <= m.settings.proposeRetries; attempt++ {
		deadline, _ := ctx.Deadline()
		var resp *wire.Envelope
		resp, err = m.transport.Request(ctx, peer.ID(), &wire.Envelope{
			Kind:      wire.KindPropose,
			From:      self,
			TxnID:     rec.ID,
			Submitter: rec.Submitter,
			Payload:   rec.Payload,
			CreatedAt: rec.CreatedAt,
		}, time.Until(deadline))
		if err == nil && resp.Kind == wire.KindNack {
			err = fmt.Errorf("peer %s refused txn %d: %s", peer, rec.ID, resp.Error)
		}
		if err == nil || !isConnErr(err) {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			votes <- vote{peer: peer, err: ctx.Err()}
			return
		}
		backoff *= 2
	}
	votes <- vote{peer: peer, err: err}
}

// announce sends a local decision to the peers it was proposed to. Peers
// that miss it learn it through catch-up replay.
func (m *Manager) announce(self cluster.Node, peers []cluster.Node, rec *transaction.Record) {
	kind := wire.KindCommit
	if rec.State == transaction.TxnStateAborted {
		kind = wire.KindAbort
	}
	for _, p := range peers {
		err := m.transport.Send(p.ID(), decisionEnvelope(kind, self, rec))
		if err != nil {
			m.logger.Debug("decision not sent", zap.Stringer("peer", p), zap.Uint64("txn", rec.ID), zap.Error(err))
		}
	}
}

func decisionEnvelope(kind wire.Kind, self cluster.Node, rec *transaction.Record) *wire.Envelope {
	return &wire.Envelope{
		Kind:       kind,
		From:       self,
		TxnID:      rec.ID,
		Submitter:  rec.Submitter,
		Payload:    rec.Payload,
		State:      uint8(rec.State),
		CreatedAt:  rec.CreatedAt,
		ResolvedAt: rec.ResolvedAt,
	}
}

// decide journals a decision, applies it if committed and not yet applied
// by this process, retains it and publishes it. It reports false when the
// decision was already known.
func (m *Manager) decide(ctx context.Context, rec *transaction.Record, local bool) (bool, error) {
	m.decideMu.Lock()
	defer m.decideMu.Unlock()
	key := rec.Key()
	if m.resolved.Contains(key) {
		m.dropPending(key, local)
		return false, nil
	}
	typ := journal.EntryCommitted
	if rec.State == transaction.TxnStateAborted {
		typ = journal.EntryAborted
	}
	if err := m.appendEntry(typ, rec); err != nil {
		return false, err
	}
	m.resolved.Add(key)
	if rec.State == transaction.TxnStateCommitted {
		m.apply(ctx, rec)
	}
	m.keeper.Record(rec)
	m.dropPending(key, local)
	m.publish(TxnResolved{Record: rec.Clone(), Local: local})
	return true, nil
}

func (m *Manager) apply(ctx context.Context, rec *transaction.Record) {
	if !m.applied.Add(rec.Key()) {
		return
	}
	if err := m.applier.Apply(context.WithoutCancel(ctx), rec.Clone()); err != nil {
		m.logger.Error("apply failed", zap.Stringer("txn", rec.Key()), zap.Error(err))
	}
}

func (m *Manager) dropPending(key transaction.Key, local bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if local {
		delete(m.inflight, key.ID)
	} else {
		delete(m.remote, key)
	}
}

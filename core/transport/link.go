package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/dtxerr"
	"github.com/sushant-115/gojodtx/core/wire"
)

type reply struct {
	env *wire.Envelope
	err error
}

// link is the outbound side of the connection to one peer.
type link struct {
	t      *Transport
	qtr    *quic.Transport
	peer   cluster.Node
	logger *zap.Logger
	queue  chan *wire.Envelope

	mu        sync.Mutex
	connected bool
	pending   map[uint64]chan reply

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

// startLinkLocked creates and runs a link. Caller holds t.mu.
func (t *Transport) startLinkLocked(peer cluster.Node) *link {
	l := &link{
		t:       t,
		qtr:     t.qtr,
		peer:    peer,
		logger:  t.logger.With(zap.Stringer("peer", peer)),
		queue:   make(chan *wire.Envelope, t.cfg.QueueCapacity),
		pending: make(map[uint64]chan reply),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		l.run(t.runCtx)
	}()
	return l
}

func (l *link) stop() {
	l.quitOnce.Do(func() { close(l.quit) })
	<-l.done
}

func (l *link) isConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *link) enqueue(env *wire.Envelope) error {
	if err := wire.CheckSize(env); err != nil {
		return err
	}
	if !l.isConnected() {
		return fmt.Errorf("%w: link to %s is down", dtxerr.ErrConnection, l.peer.ID())
	}
	select {
	case l.queue <- env:
		return nil
	case <-l.quit:
		return fmt.Errorf("%w: link to %s closed", dtxerr.ErrConnection, l.peer.ID())
	default:
		return fmt.Errorf("%w: send queue to %s is full", dtxerr.ErrConnection, l.peer.ID())
	}
}

func (l *link) register(id uint64) (<-chan reply, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil, fmt.Errorf("%w: link to %s is down", dtxerr.ErrConnection, l.peer.ID())
	}
	ch := make(chan reply, 1)
	l.pending[id] = ch
	return ch, nil
}

func (l *link) unregister(id uint64) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func (l *link) resolve(env *wire.Envelope) {
	l.complete(env.RequestID, reply{env: env})
}

func (l *link) complete(id uint64, r reply) {
	l.mu.Lock()
	ch, ok := l.pending[id]
	delete(l.pending, id)
	l.mu.Unlock()
	if ok {
		ch <- r
	}
}

// setDown marks the link disconnected, fails every waiting request and
// drops queued messages that were never written.
func (l *link) setDown(cause error) {
	l.mu.Lock()
	was := l.connected
	l.connected = false
	pending := l.pending
	l.pending = make(map[uint64]chan reply)
	l.mu.Unlock()

	err := fmt.Errorf("%w: link to %s lost: %v", dtxerr.ErrConnection, l.peer.ID(), cause)
	for _, ch := range pending {
		ch <- reply{err: err}
	}
drain:
	for {
		select {
		case <-l.queue:
		default:
			break drain
		}
	}
	if was {
		l.logger.Info("peer disconnected", zap.Error(cause))
		if h := l.t.cfg.Hooks.OnPeerDisconnected; h != nil {
			h(l.peer, cause)
		}
	}
}

func (l *link) run(ctx context.Context) {
	defer close(l.done)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := l.t.cfg.BackoffInitial
	attempt := 0
	for {
		select {
		case <-l.quit:
			return
		case <-ctx.Done():
			return
		default:
		}
		attempt++
		established, err := l.session(ctx)
		l.setDown(err)
		if established {
			attempt = 0
			backoff = l.t.cfg.BackoffInitial
		} else if h := l.t.cfg.Hooks.OnDialFailed; h != nil {
			h(l.peer, attempt, err)
		}
		l.logger.Debug("link session ended", zap.Int("attempt", attempt), zap.Duration("retry_in", backoff), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-l.quit:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = nextBackoff(backoff, l.t.cfg.BackoffMax, l.t.cfg.BackoffJitter, rng)
	}
}

var errLinkClosed = errors.New("link closed")

// session dials, handshakes and pumps the queue until the connection fails
// or the link is stopped. established reports whether the handshake
// completed.
func (l *link) session(ctx context.Context) (established bool, err error) {
	dctx, cancel := context.WithTimeout(ctx, l.t.cfg.DialTimeout)
	defer cancel()

	conn, err := l.qtr.Dial(dctx, net.UDPAddrFromAddrPort(l.peer.Addr()), l.t.clientTLS(l.peer.Addr()), l.t.quicConf)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	closeConn := func(msg string) { _ = conn.CloseWithError(0, msg) }
	defer closeConn("link closed")

	stream, err := conn.OpenStreamSync(dctx)
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}
	var rw io.ReadWriteCloser = stream

	// Abort the handshake if the peer never answers.
	stopGuard := context.AfterFunc(dctx, func() { closeConn("handshake timeout") })
	if err := wire.WriteEnvelope(rw, &wire.Envelope{Kind: wire.KindHello, From: l.t.cfg.Self}); err != nil {
		stopGuard()
		return false, fmt.Errorf("hello: %w", err)
	}
	ack, err := wire.ReadEnvelope(rw)
	if !stopGuard() {
		return false, fmt.Errorf("hello ack: %w", context.DeadlineExceeded)
	}
	if err != nil {
		return false, fmt.Errorf("hello ack: %w", err)
	}
	if ack.Kind != wire.KindHelloAck || ack.From.ID() != l.peer.ID() {
		return false, fmt.Errorf("%w: expected hello ack from %s, got %s from %s", dtxerr.ErrConnection, l.peer.ID(), ack.Kind, ack.From.ID())
	}

	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	l.logger.Info("peer connected")
	if h := l.t.cfg.Hooks.OnPeerConnected; h != nil {
		h(l.peer)
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			env, err := wire.ReadEnvelope(rw)
			if err != nil {
				readErr <- err
				return
			}
			if h := l.t.cfg.Hooks.OnFrameReceived; h != nil {
				h(env.Kind.String())
			}
			if env.Reply {
				l.resolve(env)
			}
		}
	}()

	for {
		select {
		case <-l.quit:
			return true, errLinkClosed
		case <-ctx.Done():
			return true, errLinkClosed
		case err := <-readErr:
			return true, fmt.Errorf("read: %w", err)
		case env := <-l.queue:
			if err := wire.WriteEnvelope(rw, env); err != nil {
				// Nothing was written for a frame that cannot be encoded,
				// so only that message fails.
				if errors.Is(err, dtxerr.ErrIllegalArgument) {
					l.logger.Warn("dropping unsendable message", zap.Stringer("kind", env.Kind), zap.Error(err))
					l.complete(env.RequestID, reply{err: err})
					continue
				}
				return true, fmt.Errorf("write: %w", err)
			}
			if h := l.t.cfg.Hooks.OnFrameSent; h != nil {
				h(env.Kind.String())
			}
		}
	}
}

// Package transport keeps one persistent QUIC link to every known peer and
// offers fire-and-forget sends, request/response with timeout, and
// broadcast on top of it.
//
// Each outbound link owns a single bidirectional stream. A link writes its
// queue in order, so messages to one peer are delivered FIFO. Replies to
// requests travel back on the same stream. Inbound streams are served one
// frame at a time, so a peer's messages are handled in the order sent.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/dtxerr"
	"github.com/sushant-115/gojodtx/core/wire"
)

// Handler processes a message received from a peer. For requests the
// returned envelope is sent back as the reply; a returned error is sent as
// a KindError reply. Replies to fire-and-forget messages are discarded.
type Handler func(ctx context.Context, from cluster.Node, env *wire.Envelope) (*wire.Envelope, error)

// Status is a point-in-time view for management surfaces.
type Status struct {
	ListenAddr string
	Listening  bool
	Peers      int
	Connected  int
	Links      map[cluster.NodeID]bool
}

type Transport struct {
	cfg       Config
	handler   Handler
	logger    *zap.Logger
	quicConf  *quic.Config
	requestID atomic.Uint64

	mu       sync.Mutex
	peers    map[cluster.NodeID]cluster.Node
	links    map[cluster.NodeID]*link
	udp      *net.UDPConn
	qtr      *quic.Transport
	listener *quic.Listener
	addr     string
	cancel   context.CancelFunc
	runCtx   context.Context
	running  bool
	wg       sync.WaitGroup
}

func New(cfg Config, handler Handler) *Transport {
	cfg.setDefaults()
	return &Transport{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger.Named("transport"),
		quicConf: &quic.Config{
			HandshakeIdleTimeout: cfg.DialTimeout,
			MaxIdleTimeout:       cfg.IdleTimeout,
			KeepAlivePeriod:      cfg.KeepAlive,
		},
		peers: make(map[cluster.NodeID]cluster.Node),
		links: make(map[cluster.NodeID]*link),
	}
}

// Start binds the listener and starts a link to every known peer. Bind
// failures are returned and leave the transport stopped.
//
// The UDP socket is owned by the transport and shared by the listener and
// every outbound dial, so Stop can release the port before it returns.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	laddr, err := net.ResolveUDPAddr("udp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %v", dtxerr.ErrConnection, t.cfg.ListenAddr, err)
	}
	udp, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %v", dtxerr.ErrConnection, t.cfg.ListenAddr, err)
	}
	qtr := &quic.Transport{Conn: udp}
	ln, err := qtr.Listen(t.cfg.ServerTLS, t.quicConf)
	if err != nil {
		_ = qtr.Close()
		_ = udp.Close()
		return fmt.Errorf("%w: listen on %s: %v", dtxerr.ErrConnection, t.cfg.ListenAddr, err)
	}
	t.udp, t.qtr = udp, qtr
	t.listener = ln
	t.addr = ln.Addr().String()
	t.runCtx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.running = true

	t.wg.Add(1)
	go t.acceptLoop(t.runCtx, ln)
	for id, peer := range t.peers {
		t.links[id] = t.startLinkLocked(peer)
	}
	t.logger.Info("transport started", zap.String("listen", t.addr), zap.Int("peers", len(t.peers)))
	return nil
}

// Stop closes the listener and every link. Known peers are remembered for
// the next Start. In-flight requests fail with ErrConnection.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.cancel()
	ln, qtr, udp := t.listener, t.qtr, t.udp
	t.listener, t.qtr, t.udp = nil, nil, nil
	links := t.links
	t.links = make(map[cluster.NodeID]*link)
	t.mu.Unlock()

	for _, l := range links {
		l.stop()
	}
	if ln != nil {
		_ = ln.Close()
	}
	t.wg.Wait()
	// Closing the quic transport closes every remaining connection. The
	// socket is ours, so it is closed explicitly to free the port now.
	if qtr != nil {
		_ = qtr.Close()
	}
	if udp != nil {
		_ = udp.Close()
	}
	t.logger.Info("transport stopped", zap.String("listen", t.addr))
}

// Restart tears down the listener and all links and establishes them again.
func (t *Transport) Restart(ctx context.Context) error {
	t.Stop()
	return t.Start(ctx)
}

// Addr is the bound listen address, or the configured one before Start.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.addr != "" {
		return t.addr
	}
	return t.cfg.ListenAddr
}

// Connect adds peer and, when running, starts its link. Connecting an
// already-known peer with a new address replaces the link.
func (t *Transport) Connect(peer cluster.Node) {
	if peer.ID() == t.cfg.Self.ID() {
		return
	}
	t.mu.Lock()
	old, known := t.peers[peer.ID()]
	if known && old.Equal(peer) {
		t.mu.Unlock()
		return
	}
	t.peers[peer.ID()] = peer
	var stale *link
	if t.running {
		stale = t.links[peer.ID()]
		t.links[peer.ID()] = t.startLinkLocked(peer)
	}
	t.mu.Unlock()
	if stale != nil {
		stale.stop()
	}
}

// Disconnect forgets the peer and closes its link.
func (t *Transport) Disconnect(id cluster.NodeID) {
	t.mu.Lock()
	delete(t.peers, id)
	l := t.links[id]
	delete(t.links, id)
	t.mu.Unlock()
	if l != nil {
		l.stop()
	}
}

func (t *Transport) link(id cluster.NodeID) *link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[id]
}

// Send queues env for the peer without waiting for delivery.
func (t *Transport) Send(to cluster.NodeID, env *wire.Envelope) error {
	l := t.link(to)
	if l == nil {
		return fmt.Errorf("%w: no link to %s", dtxerr.ErrConnection, to)
	}
	env.RequestID = 0
	env.Reply = false
	return l.enqueue(env)
}

// Request sends env and waits for the peer's reply. It fails with
// ErrTimeout after timeout and with ErrConnection if the link is down or
// drops before the reply arrives.
func (t *Transport) Request(ctx context.Context, to cluster.NodeID, env *wire.Envelope, timeout time.Duration) (*wire.Envelope, error) {
	l := t.link(to)
	if l == nil {
		return nil, fmt.Errorf("%w: no link to %s", dtxerr.ErrConnection, to)
	}
	env.RequestID = t.requestID.Add(1)
	env.Reply = false
	wait, err := l.register(env.RequestID)
	if err != nil {
		return nil, err
	}
	if err := l.enqueue(env); err != nil {
		l.unregister(env.RequestID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-wait:
		if r.err != nil {
			return nil, r.err
		}
		if r.env.Kind == wire.KindError {
			return r.env, fmt.Errorf("peer %s: %s", to, r.env.Error)
		}
		return r.env, nil
	case <-timer.C:
		l.unregister(env.RequestID)
		return nil, fmt.Errorf("%w: %s request to %s after %s", dtxerr.ErrTimeout, env.Kind, to, timeout)
	case <-ctx.Done():
		l.unregister(env.RequestID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s request to %s: %v", dtxerr.ErrTimeout, env.Kind, to, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Broadcast queues env to every connected peer and returns how many
// accepted it.
func (t *Transport) Broadcast(env *wire.Envelope) int {
	t.mu.Lock()
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	sent := 0
	for _, l := range links {
		cp := *env
		cp.RequestID = 0
		cp.Reply = false
		if l.enqueue(&cp) == nil {
			sent++
		}
	}
	return sent
}

// IsConnected reports whether the link to id completed its handshake.
func (t *Transport) IsConnected(id cluster.NodeID) bool {
	l := t.link(id)
	return l != nil && l.isConnected()
}

// ConnectedPeers lists peers whose link is up, ordered by id.
func (t *Transport) ConnectedPeers() []cluster.Node {
	t.mu.Lock()
	var out []cluster.Node
	for _, l := range t.links {
		if l.isConnected() {
			out = append(out, l.peer)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID().Less(out[j].ID()) })
	return out
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		ListenAddr: t.addr,
		Listening:  t.running,
		Peers:      len(t.peers),
		Links:      make(map[cluster.NodeID]bool, len(t.peers)),
	}
	if st.ListenAddr == "" {
		st.ListenAddr = t.cfg.ListenAddr
	}
	for id := range t.peers {
		up := false
		if l := t.links[id]; l != nil {
			up = l.isConnected()
		}
		st.Links[id] = up
		if up {
			st.Connected++
		}
	}
	return st
}

func (t *Transport) acceptLoop(ctx context.Context, ln *quic.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		remote := conn.RemoteAddr()
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer conn.CloseWithError(0, "closing")
			for {
				stream, err := conn.AcceptStream(ctx)
				if err != nil {
					return
				}
				t.wg.Add(1)
				go func() {
					defer t.wg.Done()
					t.serveStream(ctx, stream, remote)
				}()
			}
		}()
	}
}

// serveStream expects a hello, answers it, then handles frames in order.
func (t *Transport) serveStream(ctx context.Context, stream io.ReadWriteCloser, remote net.Addr) {
	defer stream.Close()
	// Stop reading when the transport shuts down.
	stopRead := context.AfterFunc(ctx, func() { stream.Close() })
	defer stopRead()

	hello, err := wire.ReadEnvelope(stream)
	if err != nil || hello.Kind != wire.KindHello || hello.From.IsZero() {
		t.logger.Debug("rejecting stream without hello", zap.Stringer("remote", remote), zap.Error(err))
		return
	}
	from := hello.From
	if err := wire.WriteEnvelope(stream, &wire.Envelope{Kind: wire.KindHelloAck, Reply: true, From: t.cfg.Self}); err != nil {
		return
	}
	t.logger.Debug("inbound peer stream", zap.Stringer("peer", from), zap.Stringer("remote", remote))

	for {
		env, err := wire.ReadEnvelope(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				t.logger.Debug("inbound stream closed", zap.Stringer("peer", from), zap.Error(err))
			}
			return
		}
		if t.cfg.Hooks.OnFrameReceived != nil {
			t.cfg.Hooks.OnFrameReceived(env.Kind.String())
		}
		if env.Reply {
			continue
		}
		resp, herr := t.dispatch(ctx, from, env)
		if env.RequestID == 0 {
			continue
		}
		if herr != nil {
			resp = &wire.Envelope{Kind: wire.KindError, Error: herr.Error(), TxnID: env.TxnID, Submitter: env.Submitter}
		}
		if resp == nil {
			resp = &wire.Envelope{Kind: wire.KindAck, TxnID: env.TxnID, Submitter: env.Submitter}
		}
		resp.RequestID = env.RequestID
		resp.Reply = true
		if err := wire.WriteEnvelope(stream, resp); err != nil {
			return
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, from cluster.Node, env *wire.Envelope) (resp *wire.Envelope, err error) {
	if t.handler == nil {
		return nil, fmt.Errorf("%w: no handler", dtxerr.ErrIllegalState)
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("handler panic", zap.Any("panic", r), zap.Stringer("kind", env.Kind))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return t.handler(ctx, from, env)
}

// clientTLS picks the client TLS config for a peer address.
func (t *Transport) clientTLS(addr netip.AddrPort) *tls.Config {
	c := t.cfg.ClientTLS.Clone()
	if c == nil {
		c = &tls.Config{}
	}
	if c.ServerName == "" {
		c.ServerName = addr.Addr().String()
	}
	return c
}

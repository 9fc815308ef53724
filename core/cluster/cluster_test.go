package cluster

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojodtx/core/dtxerr"
)

func mustNode(t *testing.T, addr string) Node {
	t.Helper()
	n, err := NewNode(NewNodeID(), netip.MustParseAddrPort(addr))
	require.NoError(t, err)
	return n
}

func TestNodeID_HalvesRoundTrip(t *testing.T) {
	id := NewNodeID()
	back := NodeIDFromHalves(id.Hi(), id.Lo())
	require.Equal(t, id, back)

	parsed, err := ParseNodeID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestParseNode(t *testing.T) {
	id := NewNodeID()

	n, err := ParseNode(id.String() + "@127.0.0.1:7001")
	require.NoError(t, err)
	require.Equal(t, id, n.ID())
	require.Equal(t, netip.MustParseAddrPort("127.0.0.1:7001"), n.Addr())

	n6, err := ParseNode(id.String() + "@[::1]:7002")
	require.NoError(t, err)
	require.True(t, n6.Addr().Addr().Is6())

	_, err = ParseNode(id.String() + "@no-such-host.invalid:7001")
	require.ErrorIs(t, err, dtxerr.ErrIllegalArgument)

	_, err = ParseNode("127.0.0.1:7001")
	require.ErrorIs(t, err, dtxerr.ErrIllegalArgument)

	_, err = ParseNode(id.String() + "@0.0.0.0:7001")
	require.ErrorIs(t, err, dtxerr.ErrIllegalArgument)
}

type recordingListener struct {
	mu      sync.Mutex
	added   []Node
	removed []Node
}

func (l *recordingListener) PeerAdded(n Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.added = append(l.added, n)
}

func (l *recordingListener) PeerRemoved(n Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, n)
}

func TestRegistry_AddRemoveNotifiesListeners(t *testing.T) {
	self := mustNode(t, "127.0.0.1:7000")
	reg := NewRegistry(self)
	lis := &recordingListener{}
	reg.AddListener(lis)

	peer := mustNode(t, "127.0.0.1:7001")
	require.NoError(t, reg.Add(peer))
	require.NoError(t, reg.Add(peer)) // no-op
	require.Equal(t, 2, reg.Len())
	require.Len(t, lis.added, 1)

	// Adding self is a no-op and never reaches listeners.
	require.NoError(t, reg.Add(self))
	require.Len(t, lis.added, 1)

	_, ok, err := reg.Remove(peer.ID())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, lis.removed, 1)

	_, _, err = reg.Remove(self.ID())
	require.ErrorIs(t, err, dtxerr.ErrIllegalArgument)
}

func TestRegistry_SnapshotIsIsolated(t *testing.T) {
	reg := NewRegistry(mustNode(t, "127.0.0.1:7000"))
	require.NoError(t, reg.Add(mustNode(t, "127.0.0.1:7001")))
	require.NoError(t, reg.Add(mustNode(t, "127.0.0.1:7002")))

	snap := reg.Snapshot()
	require.NoError(t, reg.Add(mustNode(t, "127.0.0.1:7003")))

	require.Equal(t, 3, snap.Size())
	require.Len(t, snap.Peers(), 2)
	require.Equal(t, 2, snap.Quorum(0))
	require.Equal(t, 4, reg.Snapshot().Size())
}

func TestMembership_Quorum(t *testing.T) {
	reg := NewRegistry(mustNode(t, "127.0.0.1:7000"))
	require.Equal(t, 1, reg.Snapshot().Quorum(0))

	require.NoError(t, reg.Add(mustNode(t, "127.0.0.1:7001")))
	require.Equal(t, 2, reg.Snapshot().Quorum(0))

	for i := 2; i < 5; i++ {
		require.NoError(t, reg.Add(mustNode(t, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(7000+i)).String())))
	}
	snap := reg.Snapshot()
	require.Equal(t, 5, snap.Size())
	require.Equal(t, 3, snap.Quorum(0))
	require.Equal(t, 4, snap.Quorum(4))
	require.Equal(t, 5, snap.Quorum(99))
}

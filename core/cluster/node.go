package cluster

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sushant-115/gojodtx/core/dtxerr"
)

// NodeID is the 128-bit identity of a DTX node. On the wire it travels as
// two 64-bit halves.
type NodeID [16]byte

// NewNodeID returns a fresh random identifier.
func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

// ParseNodeID parses the canonical uuid text form.
func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: node id %q: %v", dtxerr.ErrIllegalArgument, s, err)
	}
	return NodeID(u), nil
}

// NodeIDFromHalves rebuilds an identifier from its high and low 64-bit halves.
func NodeIDFromHalves(hi, lo uint64) NodeID {
	var id NodeID
	binary.BigEndian.PutUint64(id[:8], hi)
	binary.BigEndian.PutUint64(id[8:], lo)
	return id
}

func (id NodeID) Hi() uint64 { return binary.BigEndian.Uint64(id[:8]) }
func (id NodeID) Lo() uint64 { return binary.BigEndian.Uint64(id[8:]) }

func (id NodeID) IsZero() bool { return id == NodeID{} }

func (id NodeID) String() string { return uuid.UUID(id).String() }

// Less orders ids by their byte representation.
func (id NodeID) Less(other NodeID) bool {
	if id.Hi() != other.Hi() {
		return id.Hi() < other.Hi()
	}
	return id.Lo() < other.Lo()
}

// Node is an immutable (id, address) pair identifying a cluster member.
type Node struct {
	id   NodeID
	addr netip.AddrPort
}

// NewNode validates and builds a Node. The address must be a usable unicast
// host with a non-zero port.
func NewNode(id NodeID, addr netip.AddrPort) (Node, error) {
	if id.IsZero() {
		return Node{}, fmt.Errorf("%w: zero node id", dtxerr.ErrIllegalArgument)
	}
	if err := validateAddr(addr); err != nil {
		return Node{}, err
	}
	return Node{id: id, addr: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())}, nil
}

func validateAddr(addr netip.AddrPort) error {
	ip := addr.Addr()
	if !ip.IsValid() || ip.IsUnspecified() || ip.IsMulticast() {
		return fmt.Errorf("%w: address %q is not a valid host", dtxerr.ErrIllegalArgument, addr)
	}
	if addr.Port() == 0 {
		return fmt.Errorf("%w: address %q has no port", dtxerr.ErrIllegalArgument, addr)
	}
	return nil
}

func (n Node) ID() NodeID            { return n.id }
func (n Node) Addr() netip.AddrPort  { return n.addr }
func (n Node) IsZero() bool          { return n.id.IsZero() }
func (n Node) String() string        { return n.id.String() + "@" + n.addr.String() }
func (n Node) Equal(other Node) bool { return n.id == other.id && n.addr == other.addr }

// ParseNode parses "<uuid>@<host>:<port>". Host names are resolved; a host
// that does not resolve is rejected.
func ParseNode(s string) (Node, error) {
	idPart, hostPort, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return Node{}, fmt.Errorf("%w: node %q must look like <uuid>@<host>:<port>", dtxerr.ErrIllegalArgument, s)
	}
	id, err := ParseNodeID(idPart)
	if err != nil {
		return Node{}, err
	}
	addr, err := ResolveAddr(hostPort)
	if err != nil {
		return Node{}, err
	}
	return NewNode(id, addr)
}

// ResolveAddr turns host:port into an address, resolving names when needed.
func ResolveAddr(hostPort string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", dtxerr.ErrIllegalArgument, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: bad port in %q", dtxerr.ErrIllegalArgument, hostPort)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: cannot resolve host %q", dtxerr.ErrIllegalArgument, host)
	}
	return netip.AddrPortFrom(ips[0].Unmap(), uint16(port)), nil
}

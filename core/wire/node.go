// Package wire encodes node identities and transaction envelopes using
// protobuf wire primitives, and frames them on streams.
package wire

import (
	"fmt"
	"math"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/dtxerr"
)

// Node record field numbers.
const (
	nodeFieldIDHi protowire.Number = 1
	nodeFieldIDLo protowire.Number = 2
	nodeFieldIP   protowire.Number = 3
	nodeFieldPort protowire.Number = 4
)

// AppendNode appends the wire form of n to b.
func AppendNode(b []byte, n cluster.Node) []byte {
	b = protowire.AppendTag(b, nodeFieldIDHi, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, n.ID().Hi())
	b = protowire.AppendTag(b, nodeFieldIDLo, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, n.ID().Lo())
	b = protowire.AppendTag(b, nodeFieldIP, protowire.BytesType)
	b = protowire.AppendBytes(b, n.Addr().Addr().AsSlice())
	b = protowire.AppendTag(b, nodeFieldPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(n.Addr().Port()))
	return b
}

// EncodeNode returns the wire form of n.
func EncodeNode(n cluster.Node) []byte {
	return AppendNode(nil, n)
}

// DecodeNode parses a node record. Addresses that are not 4 or 16 bytes,
// or that do not name a usable host, are rejected with ErrIllegalArgument.
func DecodeNode(b []byte) (cluster.Node, error) {
	var (
		hi, lo uint64
		ipRaw  []byte
		port   uint64
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return cluster.Node{}, decodeErr("node tag", n)
		}
		b = b[n:]
		switch {
		case num == nodeFieldIDHi && typ == protowire.Fixed64Type:
			hi, n = protowire.ConsumeFixed64(b)
		case num == nodeFieldIDLo && typ == protowire.Fixed64Type:
			lo, n = protowire.ConsumeFixed64(b)
		case num == nodeFieldIP && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			ipRaw = v
		case num == nodeFieldPort && typ == protowire.VarintType:
			port, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return cluster.Node{}, decodeErr("node field", n)
		}
		b = b[n:]
	}
	if len(ipRaw) != 4 && len(ipRaw) != 16 {
		return cluster.Node{}, fmt.Errorf("%w: ip address has %d bytes", dtxerr.ErrIllegalArgument, len(ipRaw))
	}
	if port == 0 || port > math.MaxUint16 {
		return cluster.Node{}, fmt.Errorf("%w: port %d out of range", dtxerr.ErrIllegalArgument, port)
	}
	ip, _ := netip.AddrFromSlice(ipRaw)
	return cluster.NewNode(cluster.NodeIDFromHalves(hi, lo), netip.AddrPortFrom(ip, uint16(port)))
}

func decodeErr(what string, n int) error {
	return fmt.Errorf("%w: malformed %s: %v", dtxerr.ErrIllegalArgument, what, protowire.ParseError(n))
}

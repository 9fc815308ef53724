package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/dtxerr"
)

// Kind identifies the purpose of an envelope.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindHello
	KindHelloAck
	KindPropose
	KindAck
	KindNack
	KindCommit
	KindAbort
	KindReplayRequest
	KindReplayRecord
	KindReplayDone
	KindError
)

var kindNames = [...]string{
	KindUnknown:       "UNKNOWN",
	KindHello:         "HELLO",
	KindHelloAck:      "HELLO_ACK",
	KindPropose:       "PROPOSE",
	KindAck:           "ACK",
	KindNack:          "NACK",
	KindCommit:        "COMMIT",
	KindAbort:         "ABORT",
	KindReplayRequest: "REPLAY_REQUEST",
	KindReplayRecord:  "REPLAY_RECORD",
	KindReplayDone:    "REPLAY_DONE",
	KindError:         "ERROR",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Envelope is the single message shape exchanged between peers. Which
// fields are meaningful depends on Kind.
type Envelope struct {
	Kind       Kind
	RequestID  uint64 // non-zero when the sender waits for a reply
	Reply      bool   // set on replies; RequestID echoes the request
	From       cluster.Node
	TxnID      uint64
	Submitter  cluster.NodeID
	Payload    []byte
	Error      string
	After      uint64 // replay: send records with id greater than this
	State      uint8  // replay: resolved transaction state
	CreatedAt  time.Time
	ResolvedAt time.Time
}

const (
	envFieldKind       protowire.Number = 1
	envFieldRequestID  protowire.Number = 2
	envFieldReply      protowire.Number = 3
	envFieldFrom       protowire.Number = 4
	envFieldTxnID      protowire.Number = 5
	envFieldSubHi      protowire.Number = 6
	envFieldSubLo      protowire.Number = 7
	envFieldPayload    protowire.Number = 8
	envFieldError      protowire.Number = 9
	envFieldAfter      protowire.Number = 10
	envFieldState      protowire.Number = 11
	envFieldCreatedAt  protowire.Number = 12
	envFieldResolvedAt protowire.Number = 13
)

// Marshal encodes e. Zero-valued fields are omitted.
func (e *Envelope) Marshal() []byte {
	b := make([]byte, 0, 64+len(e.Payload))
	b = appendVarint(b, envFieldKind, uint64(e.Kind))
	b = appendVarint(b, envFieldRequestID, e.RequestID)
	if e.Reply {
		b = appendVarint(b, envFieldReply, 1)
	}
	if !e.From.IsZero() {
		b = protowire.AppendTag(b, envFieldFrom, protowire.BytesType)
		b = protowire.AppendBytes(b, EncodeNode(e.From))
	}
	b = appendVarint(b, envFieldTxnID, e.TxnID)
	if !e.Submitter.IsZero() {
		b = protowire.AppendTag(b, envFieldSubHi, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, e.Submitter.Hi())
		b = protowire.AppendTag(b, envFieldSubLo, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, e.Submitter.Lo())
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, envFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	if e.Error != "" {
		b = protowire.AppendTag(b, envFieldError, protowire.BytesType)
		b = protowire.AppendString(b, e.Error)
	}
	b = appendVarint(b, envFieldAfter, e.After)
	b = appendVarint(b, envFieldState, uint64(e.State))
	if !e.CreatedAt.IsZero() {
		b = appendVarint(b, envFieldCreatedAt, uint64(e.CreatedAt.UnixNano()))
	}
	if !e.ResolvedAt.IsZero() {
		b = appendVarint(b, envFieldResolvedAt, uint64(e.ResolvedAt.UnixNano()))
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Unmarshal decodes an envelope. Unknown fields are skipped.
func Unmarshal(b []byte) (*Envelope, error) {
	e := &Envelope{}
	var subHi, subLo uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, decodeErr("envelope tag", n)
		}
		b = b[n:]
		var v uint64
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 {
				e.setVarint(num, v)
			}
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
			switch num {
			case envFieldSubHi:
				subHi = v
			case envFieldSubLo:
				subLo = v
			}
		case protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n < 0 {
				break
			}
			switch num {
			case envFieldFrom:
				node, err := DecodeNode(raw)
				if err != nil {
					return nil, fmt.Errorf("envelope sender: %w", err)
				}
				e.From = node
			case envFieldPayload:
				e.Payload = append([]byte(nil), raw...)
			case envFieldError:
				e.Error = string(raw)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, decodeErr("envelope field", n)
		}
		b = b[n:]
	}
	if subHi != 0 || subLo != 0 {
		e.Submitter = cluster.NodeIDFromHalves(subHi, subLo)
	}
	if e.Kind == KindUnknown {
		return nil, fmt.Errorf("%w: envelope without kind", dtxerr.ErrIllegalArgument)
	}
	return e, nil
}

func (e *Envelope) setVarint(num protowire.Number, v uint64) {
	switch num {
	case envFieldKind:
		e.Kind = Kind(v)
	case envFieldRequestID:
		e.RequestID = v
	case envFieldReply:
		e.Reply = v != 0
	case envFieldTxnID:
		e.TxnID = v
	case envFieldAfter:
		e.After = v
	case envFieldState:
		e.State = uint8(v)
	case envFieldCreatedAt:
		e.CreatedAt = time.Unix(0, int64(v))
	case envFieldResolvedAt:
		e.ResolvedAt = time.Unix(0, int64(v))
	}
}

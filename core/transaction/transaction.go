package transaction

import (
	"fmt"
	"time"

	"github.com/sushant-115/gojodtx/core/cluster"
)

// TransactionState is the lifecycle position of a transaction record.
type TransactionState int

const (
	TxnStatePending   TransactionState = iota // Id assigned, not yet journaled
	TxnStateProposed                          // Journaled locally and sent to peers
	TxnStateAcked                             // Quorum reached, decision not yet durable
	TxnStateCommitted                         // Decision COMMIT is durable
	TxnStateAborted                           // Decision ABORT is durable
	TxnStatePurged                            // Removed from retained history
)

func (s TransactionState) String() string {
	switch s {
	case TxnStatePending:
		return "PENDING"
	case TxnStateProposed:
		return "PROPOSED"
	case TxnStateAcked:
		return "ACKED"
	case TxnStateCommitted:
		return "COMMITTED"
	case TxnStateAborted:
		return "ABORTED"
	case TxnStatePurged:
		return "PURGED"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

// Resolved reports whether the state is final for the record contents.
func (s TransactionState) Resolved() bool {
	return s == TxnStateCommitted || s == TxnStateAborted
}

// Key identifies a transaction cluster-wide: ids are only unique per submitter.
type Key struct {
	Submitter cluster.NodeID
	ID        uint64
}

func (k Key) String() string { return fmt.Sprintf("%s/%d", k.Submitter, k.ID) }

// Record is one transaction as tracked by the DTX core. Once Committed or
// Aborted its fields never change.
type Record struct {
	ID         uint64
	Payload    []byte
	Submitter  cluster.NodeID
	State      TransactionState
	CreatedAt  time.Time
	ResolvedAt time.Time
}

func (r *Record) Key() Key { return Key{Submitter: r.Submitter, ID: r.ID} }

// Clone returns a deep copy so callers can never mutate a retained record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	return &c
}

// Resolve returns a copy in the given final state.
func (r *Record) Resolve(state TransactionState, at time.Time) *Record {
	c := r.Clone()
	c.State = state
	c.ResolvedAt = at
	return c
}

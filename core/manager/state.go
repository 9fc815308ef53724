package manager

import (
	"fmt"
	"time"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/eventbus"
	"github.com/sushant-115/gojodtx/core/taskkeeper"
	"github.com/sushant-115/gojodtx/core/transaction"
)

// State is the manager lifecycle position.
type State int32

const (
	StateInit State = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Event kinds published by the manager.
const (
	EventStateChanged     eventbus.Kind = "dtx.node.state"
	EventTxnResolved      eventbus.Kind = "dtx.txn.resolved"
	EventPeerConnected    eventbus.Kind = "dtx.peer.connected"
	EventPeerDisconnected eventbus.Kind = "dtx.peer.disconnected"
	EventPurgeCompleted   eventbus.Kind = "dtx.taskkeeper.purge"
)

// NodeStateChanged is published on every lifecycle transition.
type NodeStateChanged struct {
	Node     cluster.NodeID
	Previous State
	Current  State
	At       time.Time
	Err      error // set for transitions to FAILED
}

func (NodeStateChanged) EventKind() eventbus.Kind { return EventStateChanged }

// TxnResolved is published once per transaction this node resolves,
// whether it submitted the transaction or learned the decision from a peer.
type TxnResolved struct {
	Record *transaction.Record
	Local  bool
}

func (TxnResolved) EventKind() eventbus.Kind { return EventTxnResolved }

type PeerConnected struct {
	Peer cluster.Node
}

func (PeerConnected) EventKind() eventbus.Kind { return EventPeerConnected }

type PeerDisconnected struct {
	Peer cluster.Node
	Err  error
}

func (PeerDisconnected) EventKind() eventbus.Kind { return EventPeerDisconnected }

type PurgeCompleted struct {
	taskkeeper.PurgeResult
}

func (PurgeCompleted) EventKind() eventbus.Kind { return EventPurgeCompleted }

package admin

import "time"

type StatusRequest struct{}

type StatusResponse struct {
	NodeID         string   `json:"node_id"`
	Address        string   `json:"address"`
	State          string   `json:"state"`
	Started        bool     `json:"started"`
	ListenAddr     string   `json:"listen_addr"`
	Peers          int      `json:"peers"`
	ConnectedPeers []string `json:"connected_peers"`
	LastTxnID      uint64   `json:"last_txn_id"`
	Retained       int      `json:"retained"`
}

type RestartRequest struct{}

type RestartResponse struct {
	State string `json:"state"`
}

type SubmitRequest struct {
	Payload []byte `json:"payload"`
}

type SubmitResponse struct {
	Txn TxnInfo `json:"txn"`
}

// TxnInfo describes one transaction record.
type TxnInfo struct {
	ID         uint64    `json:"id"`
	Submitter  string    `json:"submitter"`
	State      string    `json:"state"`
	Payload    []byte    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// TxnStatusRequest asks for a transaction's last known state. An empty
// Submitter means the serving node.
type TxnStatusRequest struct {
	ID        uint64 `json:"id"`
	Submitter string `json:"submitter,omitempty"`
}

type TxnStatusResponse struct {
	State string `json:"state"`
	// Txn is set while the record is retained.
	Txn *TxnInfo `json:"txn,omitempty"`
}

type PeersRequest struct{}

type PeerInfo struct {
	NodeID    string `json:"node_id"`
	Address   string `json:"address"`
	Self      bool   `json:"self"`
	Connected bool   `json:"connected"`
}

type PeersResponse struct {
	Peers []PeerInfo `json:"peers"`
}

// JoinRequest adds a peer given as <uuid>@host:port.
type JoinRequest struct {
	Node string `json:"node"`
}

type JoinResponse struct{}

type LeaveRequest struct {
	NodeID string `json:"node_id"`
}

type LeaveResponse struct{}

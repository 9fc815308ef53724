// Package admin is the management gRPC service of a gojodtx node: status,
// restart, submission, transaction polling and membership changes.
package admin

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/dtxerr"
	"github.com/sushant-115/gojodtx/core/manager"
	"github.com/sushant-115/gojodtx/core/transaction"
)

const serviceName = "gojodtx.admin.v1.Admin"

// AdminServer is the server API of the admin service.
type AdminServer interface {
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Restart(context.Context, *RestartRequest) (*RestartResponse, error)
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	TxnStatus(context.Context, *TxnStatusRequest) (*TxnStatusResponse, error)
	Peers(context.Context, *PeersRequest) (*PeersResponse, error)
	Join(context.Context, *JoinRequest) (*JoinResponse, error)
	Leave(context.Context, *LeaveRequest) (*LeaveResponse, error)
}

// Node is the part of the DTX manager the service drives.
type Node interface {
	Management() manager.Management
	Restart(ctx context.Context) error
	Submit(ctx context.Context, payload []byte) (*transaction.Record, error)
	StatusOf(key transaction.Key) (transaction.TransactionState, error)
	Record(key transaction.Key) (*transaction.Record, bool)
	Members() (cluster.Membership, error)
	Join(peer cluster.Node) error
	Leave(id cluster.NodeID) error
}

// Service implements AdminServer over a Node.
type Service struct {
	node   Node
	logger *zap.Logger
}

func NewService(node Node, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{node: node, logger: logger.Named("admin")}
}

func (s *Service) Status(context.Context, *StatusRequest) (*StatusResponse, error) {
	m := s.node.Management()
	resp := &StatusResponse{
		State:      m.State.String(),
		Started:    m.Started,
		ListenAddr: m.ListenAddr,
		Peers:      m.Peers,
		LastTxnID:  m.LastTxnID,
		Retained:   m.Retained,
	}
	if !m.Node.IsZero() {
		resp.NodeID = m.Node.ID().String()
		resp.Address = m.Node.Addr().String()
	}
	for _, p := range m.ConnectedPeers {
		resp.ConnectedPeers = append(resp.ConnectedPeers, p.String())
	}
	return resp, nil
}

func (s *Service) Restart(ctx context.Context, _ *RestartRequest) (*RestartResponse, error) {
	s.logger.Info("restart requested")
	if err := s.node.Restart(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &RestartResponse{State: s.node.Management().State.String()}, nil
}

func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	rec, err := s.node.Submit(ctx, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitResponse{Txn: txnInfo(rec)}, nil
}

func (s *Service) TxnStatus(_ context.Context, req *TxnStatusRequest) (*TxnStatusResponse, error) {
	key := transaction.Key{ID: req.ID}
	if req.Submitter == "" {
		self := s.node.Management().Node
		if self.IsZero() {
			return nil, toStatus(dtxerr.ErrIllegalState)
		}
		key.Submitter = self.ID()
	} else {
		id, err := cluster.ParseNodeID(req.Submitter)
		if err != nil {
			return nil, toStatus(err)
		}
		key.Submitter = id
	}

	st, err := s.node.StatusOf(key)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &TxnStatusResponse{State: st.String()}
	if rec, ok := s.node.Record(key); ok {
		info := txnInfo(rec)
		resp.Txn = &info
	}
	return resp, nil
}

func (s *Service) Peers(context.Context, *PeersRequest) (*PeersResponse, error) {
	members, err := s.node.Members()
	if err != nil {
		return nil, toStatus(err)
	}
	m := s.node.Management()
	connected := make(map[cluster.NodeID]bool, len(m.ConnectedPeers))
	for _, p := range m.ConnectedPeers {
		connected[p.ID()] = true
	}
	resp := &PeersResponse{}
	for _, n := range members.Nodes() {
		resp.Peers = append(resp.Peers, PeerInfo{
			NodeID:    n.ID().String(),
			Address:   n.Addr().String(),
			Self:      n.ID() == m.Node.ID(),
			Connected: connected[n.ID()],
		})
	}
	return resp, nil
}

func (s *Service) Join(_ context.Context, req *JoinRequest) (*JoinResponse, error) {
	peer, err := cluster.ParseNode(strings.TrimSpace(req.Node))
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.node.Join(peer); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("peer joined", zap.Stringer("peer", peer))
	return &JoinResponse{}, nil
}

func (s *Service) Leave(_ context.Context, req *LeaveRequest) (*LeaveResponse, error) {
	id, err := cluster.ParseNodeID(strings.TrimSpace(req.NodeID))
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.node.Leave(id); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("peer left", zap.Stringer("peer", id))
	return &LeaveResponse{}, nil
}

func txnInfo(rec *transaction.Record) TxnInfo {
	return TxnInfo{
		ID:         rec.ID,
		Submitter:  rec.Submitter.String(),
		State:      rec.State.String(),
		Payload:    rec.Payload,
		CreatedAt:  rec.CreatedAt,
		ResolvedAt: rec.ResolvedAt,
	}
}

// toStatus maps the DTX error taxonomy onto gRPC codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, dtxerr.ErrIllegalArgument), errors.Is(err, dtxerr.ErrConfigValidation):
		code = codes.InvalidArgument
	case errors.Is(err, dtxerr.ErrIllegalState):
		code = codes.FailedPrecondition
	case errors.Is(err, dtxerr.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, dtxerr.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, dtxerr.ErrAborted), errors.Is(err, context.Canceled):
		code = codes.Aborted
	case errors.Is(err, dtxerr.ErrConnection):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&serviceDesc, srv)
}

func unary[Req any, Resp any](method string, call func(AdminServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", AdminServer.Status),
		unary("Restart", AdminServer.Restart),
		unary("Submit", AdminServer.Submit),
		unary("TxnStatus", AdminServer.TxnStatus),
		unary("Peers", AdminServer.Peers),
		unary("Join", AdminServer.Join),
		unary("Leave", AdminServer.Leave),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/admin",
}

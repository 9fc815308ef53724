package admin

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls the admin service on one node.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}

func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	return out, c.invoke(ctx, "Status", &StatusRequest{}, out, opts...)
}

func (c *Client) Restart(ctx context.Context, opts ...grpc.CallOption) (*RestartResponse, error) {
	out := new(RestartResponse)
	return out, c.invoke(ctx, "Restart", &RestartRequest{}, out, opts...)
}

func (c *Client) Submit(ctx context.Context, payload []byte, opts ...grpc.CallOption) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	return out, c.invoke(ctx, "Submit", &SubmitRequest{Payload: payload}, out, opts...)
}

func (c *Client) TxnStatus(ctx context.Context, req *TxnStatusRequest, opts ...grpc.CallOption) (*TxnStatusResponse, error) {
	out := new(TxnStatusResponse)
	return out, c.invoke(ctx, "TxnStatus", req, out, opts...)
}

func (c *Client) Peers(ctx context.Context, opts ...grpc.CallOption) (*PeersResponse, error) {
	out := new(PeersResponse)
	return out, c.invoke(ctx, "Peers", &PeersRequest{}, out, opts...)
}

func (c *Client) Join(ctx context.Context, node string, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "Join", &JoinRequest{Node: node}, new(JoinResponse), opts...)
}

func (c *Client) Leave(ctx context.Context, nodeID string, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "Leave", &LeaveRequest{NodeID: nodeID}, new(LeaveResponse), opts...)
}

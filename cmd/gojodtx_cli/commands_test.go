package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojodtx/api/admin"
)

type fakeAdmin struct {
	submitted [][]byte
	joined    []string
	left      []string
	lastTxn   *admin.TxnStatusRequest
}

func (f *fakeAdmin) Status(context.Context, ...grpc.CallOption) (*admin.StatusResponse, error) {
	return &admin.StatusResponse{NodeID: "n1", State: "STARTED", Peers: 2, ConnectedPeers: []string{"n2"}, LastTxnID: 7}, nil
}

func (f *fakeAdmin) Restart(context.Context, ...grpc.CallOption) (*admin.RestartResponse, error) {
	return &admin.RestartResponse{State: "STARTED"}, nil
}

func (f *fakeAdmin) Submit(_ context.Context, payload []byte, _ ...grpc.CallOption) (*admin.SubmitResponse, error) {
	f.submitted = append(f.submitted, payload)
	return &admin.SubmitResponse{Txn: admin.TxnInfo{ID: uint64(len(f.submitted)), State: "COMMITTED"}}, nil
}

func (f *fakeAdmin) TxnStatus(_ context.Context, req *admin.TxnStatusRequest, _ ...grpc.CallOption) (*admin.TxnStatusResponse, error) {
	f.lastTxn = req
	switch req.ID {
	case 404:
		return nil, status.Error(codes.NotFound, "txn 404 unknown")
	case 5:
		now := time.Now()
		return &admin.TxnStatusResponse{State: "COMMITTED", Txn: &admin.TxnInfo{
			ID: 5, Submitter: "n1", State: "COMMITTED", Payload: []byte("abc"),
			CreatedAt: now.Add(-2 * time.Hour), ResolvedAt: now.Add(-2 * time.Hour),
		}}, nil
	}
	return &admin.TxnStatusResponse{State: "PURGED"}, nil
}

func (f *fakeAdmin) Peers(context.Context, ...grpc.CallOption) (*admin.PeersResponse, error) {
	return &admin.PeersResponse{Peers: []admin.PeerInfo{
		{NodeID: "n1", Address: "127.0.0.1:7400", Self: true},
		{NodeID: "n2", Address: "127.0.0.1:7500", Connected: true},
	}}, nil
}

func (f *fakeAdmin) Join(_ context.Context, node string, _ ...grpc.CallOption) error {
	f.joined = append(f.joined, node)
	return nil
}

func (f *fakeAdmin) Leave(_ context.Context, id string, _ ...grpc.CallOption) error {
	f.left = append(f.left, id)
	return nil
}

func run(t *testing.T, api adminAPI, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := processCommand(ctx, api, args, &out)
	return out.String(), err
}

func TestSubmitJoinsArguments(t *testing.T) {
	api := &fakeAdmin{}
	out, err := run(t, api, "submit", "hello", "world")
	require.NoError(t, err)
	require.Equal(t, "txn 1 COMMITTED\n", out)
	require.Equal(t, [][]byte{[]byte("hello world")}, api.submitted)
}

func TestTxnParsesIDAndSubmitter(t *testing.T) {
	api := &fakeAdmin{}
	out, err := run(t, api, "txn", "12", "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	require.NoError(t, err)
	require.Equal(t, "txn 12 PURGED\n", out)
	require.Equal(t, &admin.TxnStatusRequest{ID: 12, Submitter: "6ba7b810-9dad-11d1-80b4-00c04fd430c8"}, api.lastTxn)

	out, err = run(t, api, "txn", "5")
	require.NoError(t, err)
	require.Contains(t, out, "txn 5 COMMITTED submitter=n1 created 2 hours ago")
	require.Contains(t, out, `payload (3B): "abc"`)

	_, err = run(t, api, "txn", "twelve")
	require.ErrorContains(t, err, "bad transaction id")

	_, err = run(t, api, "txn", "404")
	require.ErrorContains(t, err, "NotFound")
}

func TestStatusAndPeersOutput(t *testing.T) {
	api := &fakeAdmin{}
	out, err := run(t, api, "status")
	require.NoError(t, err)
	require.Contains(t, out, "STARTED")
	require.Contains(t, out, "2 (1 connected)")

	out, err = run(t, api, "peers")
	require.NoError(t, err)
	require.Contains(t, out, "self")
	require.Contains(t, out, "connected")
}

func TestMembershipCommands(t *testing.T) {
	api := &fakeAdmin{}
	_, err := run(t, api, "join", "id@127.0.0.1:1")
	require.NoError(t, err)
	_, err = run(t, api, "leave", "id")
	require.NoError(t, err)
	require.Equal(t, []string{"id@127.0.0.1:1"}, api.joined)
	require.Equal(t, []string{"id"}, api.left)

	_, err = run(t, api, "join")
	require.Error(t, err)
}

func TestExitAndUnknown(t *testing.T) {
	api := &fakeAdmin{}
	_, err := run(t, api, "quit")
	require.ErrorIs(t, err, errExit)

	_, err = run(t, api, "frobnicate")
	require.ErrorContains(t, err, "unknown command")

	out, err := run(t, api, "help")
	require.NoError(t, err)
	require.Contains(t, out, "submit <payload>")
}

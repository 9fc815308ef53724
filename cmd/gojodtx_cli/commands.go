package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojodtx/api/admin"
)

// adminAPI is the subset of *admin.Client the CLI calls.
type adminAPI interface {
	Status(ctx context.Context, opts ...grpc.CallOption) (*admin.StatusResponse, error)
	Restart(ctx context.Context, opts ...grpc.CallOption) (*admin.RestartResponse, error)
	Submit(ctx context.Context, payload []byte, opts ...grpc.CallOption) (*admin.SubmitResponse, error)
	TxnStatus(ctx context.Context, req *admin.TxnStatusRequest, opts ...grpc.CallOption) (*admin.TxnStatusResponse, error)
	Peers(ctx context.Context, opts ...grpc.CallOption) (*admin.PeersResponse, error)
	Join(ctx context.Context, node string, opts ...grpc.CallOption) error
	Leave(ctx context.Context, nodeID string, opts ...grpc.CallOption) error
}

var errExit = errors.New("exit")

var usage = []string{
	"status",
	"submit <payload>",
	"txn <id> [submitter-uuid]",
	"peers",
	"join <uuid>@<host:port>",
	"leave <uuid>",
	"restart",
	"help",
	"exit / quit",
}

// processCommand runs one CLI command against api and prints the result to
// out. It returns errExit for exit and quit.
func processCommand(ctx context.Context, api adminAPI, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("no command provided")
	}
	switch strings.ToLower(args[0]) {
	case "status":
		st, err := api.Status(ctx)
		if err != nil {
			return rpcError(err)
		}
		printStatus(out, st)
	case "submit":
		if len(args) < 2 {
			return errors.New("submit requires a payload")
		}
		resp, err := api.Submit(ctx, []byte(strings.Join(args[1:], " ")))
		if err != nil {
			return rpcError(err)
		}
		fmt.Fprintf(out, "txn %d %s\n", resp.Txn.ID, resp.Txn.State)
	case "txn":
		if len(args) < 2 {
			return errors.New("txn requires an id")
		}
		id, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad transaction id %q", args[1])
		}
		req := &admin.TxnStatusRequest{ID: id}
		if len(args) > 2 {
			req.Submitter = args[2]
		}
		resp, err := api.TxnStatus(ctx, req)
		if err != nil {
			return rpcError(err)
		}
		printTxn(out, id, resp)
	case "peers":
		resp, err := api.Peers(ctx)
		if err != nil {
			return rpcError(err)
		}
		printPeers(out, resp.Peers)
	case "join":
		if len(args) != 2 {
			return errors.New("join requires <uuid>@<host:port>")
		}
		if err := api.Join(ctx, args[1]); err != nil {
			return rpcError(err)
		}
		fmt.Fprintln(out, "joined", args[1])
	case "leave":
		if len(args) != 2 {
			return errors.New("leave requires a node uuid")
		}
		if err := api.Leave(ctx, args[1]); err != nil {
			return rpcError(err)
		}
		fmt.Fprintln(out, "left", args[1])
	case "restart":
		resp, err := api.Restart(ctx)
		if err != nil {
			return rpcError(err)
		}
		fmt.Fprintln(out, "node", resp.State)
	case "help":
		fmt.Fprintln(out, "Commands:")
		for _, u := range usage {
			fmt.Fprintln(out, "  "+u)
		}
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	return nil
}

func rpcError(err error) error {
	if st, ok := status.FromError(err); ok {
		return fmt.Errorf("%s: %s", st.Code(), st.Message())
	}
	return err
}

func printStatus(out io.Writer, st *admin.StatusResponse) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "node\t%s\n", st.NodeID)
	fmt.Fprintf(w, "address\t%s\n", st.Address)
	fmt.Fprintf(w, "state\t%s\n", st.State)
	fmt.Fprintf(w, "listening\t%s\n", st.ListenAddr)
	fmt.Fprintf(w, "peers\t%d (%d connected)\n", st.Peers, len(st.ConnectedPeers))
	fmt.Fprintf(w, "last txn\t%d\n", st.LastTxnID)
	fmt.Fprintf(w, "retained\t%d\n", st.Retained)
	_ = w.Flush()
}

func printTxn(out io.Writer, id uint64, resp *admin.TxnStatusResponse) {
	if resp.Txn == nil {
		fmt.Fprintf(out, "txn %d %s\n", id, resp.State)
		return
	}
	t := resp.Txn
	fmt.Fprintf(out, "txn %d %s submitter=%s created %s", t.ID, resp.State, t.Submitter, humanize.Time(t.CreatedAt))
	if !t.ResolvedAt.IsZero() {
		fmt.Fprintf(out, ", resolved %s", humanize.Time(t.ResolvedAt))
	}
	fmt.Fprintf(out, "\npayload (%s): %q\n", humanizeBytes(len(t.Payload)), t.Payload)
}

func humanizeBytes(n int) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func printPeers(out io.Writer, peers []admin.PeerInfo) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tADDRESS\tSTATUS")
	for _, p := range peers {
		state := "disconnected"
		switch {
		case p.Self:
			state = "self"
		case p.Connected:
			state = "connected"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.NodeID, p.Address, state)
	}
	_ = w.Flush()
}

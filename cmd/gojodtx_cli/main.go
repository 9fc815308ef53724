// Command gojodtx_cli talks to a gojodtx node's admin endpoint, either for a
// single command or as an interactive shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sushant-115/gojodtx/api/admin"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("status"),
	readline.PcItem("submit"),
	readline.PcItem("txn"),
	readline.PcItem("peers"),
	readline.PcItem("join"),
	readline.PcItem("leave"),
	readline.PcItem("restart"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:           "gojodtx_cli [command args...]",
		Short:         "Admin client for a gojodtx node; starts a shell when no command is given",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()
			api := admin.NewClient(conn)

			if len(args) > 0 {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				err := processCommand(ctx, api, args, cmd.OutOrStdout())
				if errors.Is(err, errExit) {
					return nil
				}
				return err
			}
			return shell(cmd.Context(), api, addr, timeout)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:7401", "admin endpoint of the node")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-command deadline")
	return cmd
}

func shell(ctx context.Context, api adminAPI, addr string, timeout time.Duration) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "gojodtx> ",
		AutoComplete: completer,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "gojodtx CLI connected to %s. Type 'help' for commands, 'exit' or 'quit' to leave.\n", addr)
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		} else if err == io.EOF {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		err = processCommand(cctx, api, strings.Fields(line), rl.Stdout())
		cancel()
		switch {
		case errors.Is(err, errExit):
			return nil
		case err != nil:
			fmt.Fprintln(rl.Stderr(), "Error:", err)
		}
	}
}

// Command gojodtx_server runs one DTX node: the transport listener, the
// transaction journal and the admin gRPC endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sushant-115/gojodtx/api/admin"
	"github.com/sushant-115/gojodtx/core/eventbus"
	"github.com/sushant-115/gojodtx/core/manager"
	"github.com/sushant-115/gojodtx/core/storage"
	internaltelemetry "github.com/sushant-115/gojodtx/internal/telemetry"
	"github.com/sushant-115/gojodtx/pkg/logger"
	"github.com/sushant-115/gojodtx/pkg/telemetry"
)

const (
	shutdownTimeout = 15 * time.Second
	healthService   = "gojodtx.admin.v1.Admin"
)

func main() {
	os.Exit(submain(context.Background(), os.Args[1:]))
}

func submain(ctx context.Context, args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(withSignalCancel(ctx)); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "gojodtx_server: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:           "gojodtx_server",
		Short:         "Run a gojodtx distributed transaction node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), v, cfg)
		},
	}
	if err := bindFlags(cmd, v); err != nil {
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, v *viper.Viper, cfg serverConfig) error {
	log, level, err := logger.New(cfg.log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	watchLogLevel(v, level, log)

	tel, shutdownTelemetry, err := telemetry.New(telemetry.Config{
		Enabled:          cfg.metricsAddr != "",
		ServiceName:      "gojodtx",
		MetricsAddr:      cfg.metricsAddr,
		TraceSampleRatio: cfg.sampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("telemetry shutdown", zap.Error(err))
		}
	}()
	if tel.MetricsAddr != "" {
		log.Info("metrics listening", zap.String("addr", tel.MetricsAddr))
	}

	node, err := manager.New(manager.Options{
		Values:    cfg.values,
		Logger:    log,
		Telemetry: tel,
		Applier:   digestApplier{digester: storage.SHA256Digester{}, logger: log.Named("apply")},
	})
	if err != nil {
		return err
	}
	stopWatching := watchEvents(node.Bus(), log)
	defer stopWatching()

	if err := node.Init(); err != nil {
		return err
	}
	defer func() {
		if err := node.Fini(); err != nil {
			log.Warn("dtx fini", zap.Error(err))
		}
	}()
	if err := node.Start(ctx, cfg.recover); err != nil {
		_ = node.Stop(context.Background())
		return err
	}

	rpcMetrics, err := internaltelemetry.NewAdminRPCMetrics(tel.Meter)
	if err != nil {
		_ = node.Stop(context.Background())
		return err
	}
	lis, err := net.Listen("tcp", cfg.adminListen)
	if err != nil {
		_ = node.Stop(context.Background())
		return fmt.Errorf("admin listen %s: %w", cfg.adminListen, err)
	}
	srv := grpc.NewServer(admin.ServerOptions(log, rpcMetrics)...)
	admin.RegisterAdminServer(srv, admin.NewService(node, log))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	defer trackHealth(node, hs)()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(lis) }()

	self := node.Self()
	log.Info("gojodtx node running",
		zap.Stringer("node", self.ID()),
		zap.Stringer("transport", self.Addr()),
		zap.String("admin", lis.Addr().String()))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case runErr = <-serveErr:
		log.Error("admin server stopped", zap.Error(runErr))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-stopCtx.Done():
		srv.Stop()
	}
	if err := node.Stop(stopCtx); err != nil {
		log.Warn("dtx stop", zap.Error(err))
	}
	return runErr
}

// trackHealth reports SERVING only while the node is STARTED.
func trackHealth(node *manager.Manager, hs *health.Server) func() {
	set := func(st manager.State) {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if st == manager.StateStarted {
			status = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(healthService, status)
	}
	unsubscribe := eventbus.SubscribeTyped(node.Bus(), manager.EventStateChanged,
		func(_ context.Context, ev manager.NodeStateChanged) error {
			set(ev.Current)
			return nil
		}, eventbus.Serial(), eventbus.Named("server-health"))
	set(node.State())
	return func() {
		unsubscribe()
		hs.Shutdown()
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

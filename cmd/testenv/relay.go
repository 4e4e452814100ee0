package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/layout"
	"github.com/cuemby/testenv/pkg/log"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay driver commands to a running cluster",
	Long: `Front the HTTP driver of a running cluster with a gRPC endpoint that
"testenv exec --relay" and drivers with the relay backend connect to. With
--http-addr the same driver is also served over the HTTP proxy protocol.

A read-only relay rejects every command that mutates the cluster, which
makes it safe to hand to tools that should only inspect a sandbox.

Examples:
  # Relay the cluster started below ./sandbox/run_latest
  testenv relay --run-dir ./sandbox/run_latest --addr 127.0.0.1:9013

  # Inspect-only relay, also reachable with curl
  testenv relay --run-dir ./sandbox/run_latest --read-only --http-addr 127.0.0.1:9080`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().String("run-dir", "", "Sandbox directory of the running cluster (required)")
	relayCmd.Flags().String("addr", "127.0.0.1:9013", "gRPC listen address")
	relayCmd.Flags().String("http-addr", "", "Also serve the HTTP proxy protocol on this address")
	relayCmd.Flags().Bool("read-only", false, "Reject commands that mutate the cluster")
	_ = relayCmd.MarkFlagRequired("run-dir")
}

// clusterDriver builds the primary cell driver of the cluster whose sandbox
// is runDir, from the driver config written when it was provisioned
func clusterDriver(ctx context.Context, runDir string) (driver.Driver, error) {
	paths := layout.NewPaths(runDir)
	cluster := types.PrimaryClusterName
	if data, err := os.ReadFile(paths.InfoFile); err == nil {
		tree, err := yson.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", paths.InfoFile, err)
		}
		info, _ := yson.Map(tree)
		if name, ok := yson.String(info["cluster_name"]); ok && name != "" {
			cluster = name
		}
	}

	file := paths.ConfigPath(config.FileName(types.RoleDriver, config.InstanceName(types.RoleDriver, 0, 0)))
	doc, err := config.Read(types.RoleDriver, file)
	if err != nil {
		return nil, fmt.Errorf("failed to read driver config: %w", err)
	}
	cfg, err := driver.ConfigFromDocument(cluster, doc)
	if err != nil {
		return nil, err
	}
	return driver.DefaultFactory(ctx, cfg)
}

// serveRelay serves d on lis, and on httpLis when set, until ctx is done
func serveRelay(ctx context.Context, d driver.Driver, lis, httpLis net.Listener, readOnly bool) error {
	srv := driver.NewServer(d, readOnly)
	errc := make(chan error, 2)
	go func() {
		if err := srv.Serve(lis); err != nil {
			errc <- fmt.Errorf("grpc relay: %w", err)
		}
	}()

	var httpSrv *http.Server
	if httpLis != nil {
		httpSrv = &http.Server{
			Handler:           driver.NewHTTPHandler(d, readOnly),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpSrv.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("http relay: %w", err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	srv.Stop()
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return err
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runDir, _ := cmd.Flags().GetString("run-dir")
	addr, _ := cmd.Flags().GetString("addr")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	readOnly, _ := cmd.Flags().GetBool("read-only")
	logger := log.WithComponent("relay")

	d, err := clusterDriver(ctx, runDir)
	if err != nil {
		return err
	}
	defer d.Close()

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	var httpLis net.Listener
	if httpAddr != "" {
		if httpLis, err = net.Listen("tcp", httpAddr); err != nil {
			lis.Close()
			return fmt.Errorf("failed to listen: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info().
		Str("cluster", d.Config().Cluster).
		Str("addr", lis.Addr().String()).
		Bool("read_only", readOnly).
		Msg("Relaying driver commands")
	fmt.Printf("Relaying %s on %s\n", d.Config().Cluster, lis.Addr())
	return serveRelay(ctx, d, lis, httpLis, readOnly)
}

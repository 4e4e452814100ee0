package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/testenv/pkg/events"
	"github.com/cuemby/testenv/pkg/lifecycle"
	"github.com/cuemby/testenv/pkg/log"
	"github.com/cuemby/testenv/pkg/metrics"
	"github.com/cuemby/testenv/pkg/provision"
	"github.com/cuemby/testenv/pkg/storage"
	"github.com/cuemby/testenv/pkg/types"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a local cluster",
	Long: `Provision a cluster from a spec, start every server in dependency order
and wait until each role is ready. The cluster runs until interrupted.

If a server dies while the cluster is running, every remaining server is
stopped and testenv exits with status 42.

Examples:
  # Start the default cluster below ./sandbox
  testenv start --sandbox ./sandbox

  # Start a cluster with two nodes and a scheduler, exposing metrics
  testenv start --spec cluster.yaml --metrics-addr 127.0.0.1:9100`,
	RunE: runStart,
}

func init() {
	addClusterFlags(startCmd)
	startCmd.Flags().String("metrics-addr", "", "Serve /metrics, /health and /ready on this address")
	startCmd.Flags().Duration("metrics-interval", 5*time.Second, "Process metrics sampling interval")
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	specFile, _ := cmd.Flags().GetString("spec")
	name, _ := cmd.Flags().GetString("name")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	metricsInterval, _ := cmd.Flags().GetDuration("metrics-interval")
	ledgerDir, _ := cmd.Flags().GetString("ledger-dir")

	spec, err := loadSpec(specFile)
	if err != nil {
		return err
	}
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	binaries, err := discover(ctx, settings)
	if err != nil {
		return err
	}
	logger := log.WithCluster("cli", spec.Name)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	runID := provision.NewRunID()
	ledger := &ledger{dir: ledgerDir}
	run := &storage.Run{
		ID:         runID,
		Name:       name,
		Sandbox:    settings.SandboxRoot,
		Clusters:   []string{spec.Name},
		State:      runStarting,
		HarnessPid: os.Getpid(),
		StartedAt:  time.Now(),
	}
	if err := ledger.createRun(run); err != nil {
		return err
	}

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents(spec.Name)
	go trackHealth(broker)
	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr)
		defer func() { _ = srv.Close() }()
		logger.Info().Str("addr", metricsAddr).Msg("Serving metrics")
	}

	orch := lifecycle.New(lifecycle.Options{
		Provisioner: provision.New(provision.Options{
			Settings: settings,
			Binaries: binaries,
			Suite:    name,
			Broker:   broker,
		}),
		Broker:          broker,
		MetricsInterval: metricsInterval,
		Exit: func(code int) {
			ledger.finishRun(runID, runFailed)
			os.Exit(code)
		},
	})

	fmt.Printf("Starting cluster %s (run %s)...\n", spec.Name, runID)
	if err := orch.Prepare(ctx, runID, spec); err != nil {
		ledger.finishRun(runID, runFailed)
		return err
	}
	if err := orch.Start(ctx); err != nil {
		orch.Stop()
		ledger.finishRun(runID, runFailed)
		return fmt.Errorf("failed to start cluster: %w", err)
	}

	for _, inst := range orch.Instances() {
		run.ProxyAddress = inst.ProxyAddress()
		for _, p := range inst.Supervisor.Processes() {
			ledger.recordProcess(&storage.Process{
				RunID:   runID,
				Cluster: inst.Name(),
				Name:    p.Name,
				Role:    string(p.Role),
				Pid:     p.Pid,
			})
		}
		fmt.Printf("✓ Cluster %s is running in %s\n", inst.Name(), inst.Path())
	}
	run.State = runRunning
	if err := ledger.updateRun(run); err != nil {
		logger.Warn().Err(err).Msg("Failed to update run ledger")
	}
	if run.ProxyAddress != "" {
		fmt.Printf("  Proxy: %s\n", run.ProxyAddress)
	}
	fmt.Println()
	fmt.Println("Cluster is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")

	orch.Stop()
	ledger.finishRun(runID, runStopped)
	fmt.Println("✓ Shutdown complete")
	return nil
}

// trackHealth mirrors cluster state transitions into the health endpoints
func trackHealth(broker *events.Broker) {
	sub := broker.Subscribe(events.EventClusterState, events.EventClusterEmergency)
	for e := range sub {
		switch e.Type {
		case events.EventClusterState:
			to := e.Metadata["to"]
			metrics.UpdateComponent(e.Cluster, to == types.StateRunning.String(), to)
		case events.EventClusterEmergency:
			metrics.UpdateComponent(e.Cluster, false, e.Message)
		}
	}
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	return srv
}

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

var execCmd = &cobra.Command{
	Use:   "exec COMMAND [PARAMETERS]",
	Short: "Run one driver command against a cluster",
	Long: `Run one driver command and print its output. PARAMETERS is a YSON map.
The command reaches the cluster either through a relay or directly through
the driver config in a sandbox.

Examples:
  # List //tmp through a relay
  testenv exec --relay 127.0.0.1:9013 list '{path="//tmp"}'

  # Write a document straight to the cluster of a sandbox
  echo '{a=1}' | testenv exec --run-dir ./sandbox/run_latest --input - set '{path="//tmp/doc"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runExec,
}

func init() {
	execCmd.Flags().String("relay", "", "Address of a testenv relay")
	execCmd.Flags().String("run-dir", "", "Sandbox directory of the running cluster")
	execCmd.Flags().String("input", "", "File with the command input, - for stdin")
	execCmd.MarkFlagsMutuallyExclusive("relay", "run-dir")
	execCmd.MarkFlagsOneRequired("relay", "run-dir")
}

// execDriver connects to a relay, or to the cluster of a sandbox
func execDriver(ctx context.Context, relay, runDir string) (driver.Driver, error) {
	if relay == "" {
		if runDir == "" {
			return nil, errors.New("one of --relay or --run-dir is required")
		}
		return clusterDriver(ctx, runDir)
	}
	return driver.DefaultFactory(ctx, driver.Config{
		Cluster:        types.PrimaryClusterName,
		Backend:        types.DriverBackendRelay,
		ProxyAddresses: []string{relay},
		APIVersion:     4,
	})
}

// execute runs command through the client façade so the usual parameter
// rewriting and mutation ids apply
func execute(ctx context.Context, d driver.Driver, command, rawParams string, input []byte) ([]byte, error) {
	params := map[string]any{}
	if rawParams != "" {
		tree, err := yson.Unmarshal([]byte(rawParams))
		if err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
		m, ok := yson.Map(tree)
		if !ok {
			return nil, fmt.Errorf("parameters must be a map, got %T", tree)
		}
		params = m
	}

	registry := driver.NewRegistry(nil)
	registry.Add(types.PrimaryClusterName, d)
	c := client.New(registry)
	defer c.Close()

	opts := []client.CallOption{client.Quiet()}
	if input != nil {
		opts = append(opts, client.WithInput(input))
	}
	return c.Execute(ctx, command, params, opts...)
}

func readInput(name string, stdin io.Reader) ([]byte, error) {
	switch name {
	case "":
		return nil, nil
	case "-":
		return io.ReadAll(stdin)
	default:
		return os.ReadFile(name)
	}
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	relay, _ := cmd.Flags().GetString("relay")
	runDir, _ := cmd.Flags().GetString("run-dir")
	inputFile, _ := cmd.Flags().GetString("input")

	input, err := readInput(inputFile, cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	d, err := execDriver(ctx, relay, runDir)
	if err != nil {
		return err
	}
	defer d.Close()

	var rawParams string
	if len(args) > 1 {
		rawParams = args[1]
	}
	out, err := execute(ctx, d, args[0], rawParams, input)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	w.Write(out)
	if len(out) > 0 && !bytes.HasSuffix(out, []byte("\n")) {
		fmt.Fprintln(w)
	}
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/testenv/pkg/provision"
	"github.com/cuemby/testenv/pkg/supervisor"
	"github.com/cuemby/testenv/pkg/types"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate a cluster sandbox without starting it",
	Long: `Allocate ports, build the sandbox layout and write every server config
for a spec, then stop. Nothing is started; the sandbox is left for
inspection.

Without --abi the configs target the version of the discovered binaries.

Examples:
  # Generate configs for the binaries on $PATH
  testenv config --spec cluster.yaml --sandbox ./sandbox

  # Generate configs for the 23.2 servers without having them installed
  testenv config --spec cluster.yaml --sandbox ./sandbox --abi 23.2`,
	RunE: runConfig,
}

func init() {
	addClusterFlags(configCmd)
	configCmd.Flags().String("abi", "", "Target server version as MAJOR.MINOR instead of discovering binaries")
}

// binariesForABI stands in for discovery when only configs are needed
func binariesForABI(abi string) (*supervisor.Binaries, error) {
	parsed, literal, err := supervisor.ParseVersion(abi + ".0")
	if err != nil {
		return nil, fmt.Errorf("invalid --abi %q: %w", abi, err)
	}
	return &supervisor.Binaries{
		Layout:   types.LayoutMonolithic,
		ABI:      parsed,
		Paths:    map[string]string{supervisor.MonolithicBinary: supervisor.MonolithicBinary},
		Literals: map[string]string{supervisor.MonolithicBinary: literal},
	}, nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	specFile, _ := cmd.Flags().GetString("spec")
	name, _ := cmd.Flags().GetString("name")
	abi, _ := cmd.Flags().GetString("abi")

	spec, err := loadSpec(specFile)
	if err != nil {
		return err
	}
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	var binaries *supervisor.Binaries
	if abi != "" {
		binaries, err = binariesForABI(abi)
	} else {
		binaries, err = discover(ctx, settings)
	}
	if err != nil {
		return err
	}

	prov := provision.New(provision.Options{
		Settings: settings,
		Binaries: binaries,
		Suite:    name,
	})
	runID := provision.NewRunID()
	inst, err := prov.Prepare(ctx, runID, spec, prov.ClusterDir(runID, spec.Name))
	if err != nil {
		return err
	}
	defer prov.Teardown(inst)

	fmt.Printf("Sandbox for %s (ABI %s): %s\n", spec.Name, binaries.ABI, inst.Path())
	fmt.Printf("  Ports: %v\n", inst.Ports())
	for _, role := range append(append([]types.Role(nil), types.StartOrder...), types.RoleDriver) {
		for _, path := range inst.ConfigPaths[role] {
			fmt.Printf("  %-17s %s\n", role, path)
		}
	}
	return nil
}

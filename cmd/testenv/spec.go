package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/supervisor"
	"github.com/cuemby/testenv/pkg/types"
)

// loadSpec reads a cluster spec from YAML. Fields missing from the file
// keep their defaults.
func loadSpec(file string) (types.ClusterSpec, error) {
	spec := types.DefaultClusterSpec()
	if file == "" {
		spec.Name = types.PrimaryClusterName
		return spec, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return spec, fmt.Errorf("failed to read spec: %w", err)
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("failed to parse spec %s: %w", file, err)
	}
	if spec.Name == "" {
		spec.Name = types.PrimaryClusterName
	}
	if err := spec.Validate(); err != nil {
		return spec, fmt.Errorf("invalid spec %s: %w", file, err)
	}
	return spec, nil
}

// loadSettings builds harness settings from the environment, the optional
// settings file and the sandbox flag, in that order
func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	settings := config.LoadSettings()
	if file, _ := cmd.Flags().GetString("settings"); file != "" {
		var err error
		if settings, err = settings.Overlay(file); err != nil {
			return settings, err
		}
	}
	if sandbox, _ := cmd.Flags().GetString("sandbox"); sandbox != "" {
		abs, err := filepath.Abs(sandbox)
		if err != nil {
			return settings, err
		}
		settings.SandboxRoot = abs
		settings.PortLocksPath = filepath.Join(abs, "ports")
	}
	if path, _ := cmd.Flags().GetString("search-path"); path != "" {
		settings.SearchPath = filepath.SplitList(path)
	}
	return settings, nil
}

func discover(ctx context.Context, settings config.Settings) (*supervisor.Binaries, error) {
	return supervisor.Discover(ctx, strings.Join(settings.SearchPath, string(os.PathListSeparator)))
}

// addClusterFlags registers the flags shared by commands that build a sandbox
func addClusterFlags(cmd *cobra.Command) {
	cmd.Flags().String("spec", "", "Cluster spec YAML file (defaults are used when empty)")
	cmd.Flags().String("sandbox", "", "Sandbox root directory (defaults to $TESTS_SANDBOX)")
	cmd.Flags().String("settings", "", "Harness settings YAML file")
	cmd.Flags().String("search-path", "", "Binary search path (defaults to $PATH)")
	cmd.Flags().String("name", "testenv", "Suite name, the sandbox subdirectory of the run")
}

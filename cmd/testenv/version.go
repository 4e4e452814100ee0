package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the layout and version of the discovered server binaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		settings, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		fmt.Printf("testenv %s (commit %s, built %s)\n", Version, Commit, BuildTime)

		binaries, err := discover(ctx, settings)
		if err != nil {
			return err
		}
		fmt.Printf("Layout: %s\n", binaries.Layout)
		fmt.Printf("ABI:    %s\n", binaries.ABI)

		names := make([]string, 0, len(binaries.Paths))
		for name := range binaries.Paths {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-28s %-24s %s\n", name, binaries.Literals[name], binaries.Paths[name])
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().String("search-path", "", "Binary search path (defaults to $PATH)")
	versionCmd.Flags().String("settings", "", "Harness settings YAML file")
	versionCmd.Flags().String("sandbox", "", "Sandbox root directory")
}

package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/testenv/pkg/layout"
	"github.com/cuemby/testenv/pkg/supervisor"
)

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Kill the servers of every run in a sandbox",
	Long: `Kill the process group of every pid listed in the pid files below a
sandbox. This cleans up after a harness that died without stopping its
servers. Runs of the sandbox still marked as running in the ledger are
marked killed.`,
	RunE: runKill,
}

func init() {
	killCmd.Flags().String("sandbox", "", "Sandbox root directory (required)")
	_ = killCmd.MarkFlagRequired("sandbox")
}

// pidFiles finds every cluster pid file below root
func pidFiles(root string) ([]string, error) {
	name := filepath.Base(layout.NewPaths(root).PidFile)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if !d.IsDir() && d.Name() == name {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func runKill(cmd *cobra.Command, args []string) error {
	sandbox, _ := cmd.Flags().GetString("sandbox")
	ledgerDir, _ := cmd.Flags().GetString("ledger-dir")
	root, err := filepath.Abs(sandbox)
	if err != nil {
		return err
	}

	files, err := pidFiles(root)
	if err != nil {
		return fmt.Errorf("failed to scan sandbox: %w", err)
	}
	total := 0
	for _, file := range files {
		n, err := supervisor.NewPidFile(file).KillStale()
		if err != nil {
			fmt.Printf("✗ %s: %v\n", file, err)
			continue
		}
		if n > 0 {
			fmt.Printf("✓ Killed %d process groups from %s\n", n, file)
		}
		total += n
	}

	l := &ledger{dir: ledgerDir}
	runs, err := l.runs()
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.State != runRunning && run.State != runStarting {
			continue
		}
		if run.Sandbox != root && !strings.HasPrefix(run.Sandbox, root+string(filepath.Separator)) {
			continue
		}
		run.State = runKilled
		run.StoppedAt = time.Now()
		if err := l.updateRun(run); err != nil {
			return err
		}
	}

	fmt.Printf("Killed %d process groups in %s\n", total, root)
	return nil
}

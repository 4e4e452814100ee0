package main

import (
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/testenv/pkg/storage"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs recorded in the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		ledgerDir, _ := cmd.Flags().GetString("ledger-dir")
		processes, _ := cmd.Flags().GetBool("processes")
		return listRuns(os.Stdout, &ledger{dir: ledgerDir}, processes)
	},
}

func init() {
	listCmd.Flags().Bool("processes", false, "Include the processes of every run")
}

// runEntry is one run as printed by list
type runEntry struct {
	storage.Run `yaml:",inline"`
	Processes   []*storage.Process `yaml:"processes,omitempty"`
}

func listRuns(w io.Writer, l *ledger, withProcesses bool) error {
	runs, err := l.runs()
	if err != nil {
		return err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })

	entries := make([]runEntry, 0, len(runs))
	for _, run := range runs {
		entry := runEntry{Run: *run}
		if withProcesses {
			if entry.Processes, err = l.processes(run.ID); err != nil {
				return err
			}
		}
		entries = append(entries, entry)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(entries); err != nil {
		return err
	}
	return enc.Close()
}

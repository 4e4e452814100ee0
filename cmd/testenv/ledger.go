package main

import (
	"time"

	"github.com/cuemby/testenv/pkg/log"
	"github.com/cuemby/testenv/pkg/storage"
)

// Run states recorded in the ledger
const (
	runStarting = "starting"
	runRunning  = "running"
	runStopped  = "stopped"
	runFailed   = "failed"
	runKilled   = "killed"
)

// ledger opens the run database for each access only, so that list and
// kill can read it while a start command is running
type ledger struct {
	dir string
}

func (l *ledger) with(fn func(s storage.Store) error) error {
	store, err := storage.NewBoltStore(l.dir)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func (l *ledger) createRun(run *storage.Run) error {
	return l.with(func(s storage.Store) error { return s.CreateRun(run) })
}

func (l *ledger) updateRun(run *storage.Run) error {
	return l.with(func(s storage.Store) error { return s.UpdateRun(run) })
}

func (l *ledger) recordProcess(p *storage.Process) {
	if err := l.with(func(s storage.Store) error { return s.RecordProcess(p) }); err != nil {
		log.Logger.Warn().Err(err).Str("process", p.Name).Msg("Failed to record process")
	}
}

// finishRun marks a run terminal. Failures are logged, not returned.
func (l *ledger) finishRun(id, state string) {
	err := l.with(func(s storage.Store) error {
		run, err := s.GetRun(id)
		if err != nil {
			return err
		}
		run.State = state
		run.StoppedAt = time.Now()
		return s.UpdateRun(run)
	})
	if err != nil {
		log.Logger.Warn().Err(err).Str("run_id", id).Msg("Failed to update run ledger")
	}
}

func (l *ledger) runs() ([]*storage.Run, error) {
	var runs []*storage.Run
	err := l.with(func(s storage.Store) error {
		var err error
		runs, err = s.ListRuns()
		return err
	})
	return runs, err
}

func (l *ledger) processes(runID string) ([]*storage.Process, error) {
	var procs []*storage.Process
	err := l.with(func(s storage.Store) error {
		var err error
		procs, err = s.ListProcesses(runID)
		return err
	})
	return procs, err
}

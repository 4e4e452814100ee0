package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Run is one harness run recorded in the ledger
type Run struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Sandbox string `json:"sandbox" yaml:"sandbox"`
	// Clusters lists the registry names of the run's clusters
	Clusters []string `json:"clusters" yaml:"clusters"`
	State    string   `json:"state" yaml:"state"`
	// HarnessPid is the pid of the process owning the run
	HarnessPid   int       `json:"harness_pid" yaml:"harness_pid"`
	ProxyAddress string    `json:"proxy_address,omitempty" yaml:"proxy_address,omitempty"`
	StartedAt    time.Time `json:"started_at" yaml:"started_at"`
	StoppedAt    time.Time `json:"stopped_at,omitempty" yaml:"stopped_at,omitempty"`
}

// Process is one server process spawned by a run
type Process struct {
	RunID   string `json:"run_id" yaml:"run_id"`
	Cluster string `json:"cluster" yaml:"cluster"`
	Name    string `json:"name" yaml:"name"`
	Role    string `json:"role" yaml:"role"`
	Pid     int    `json:"pid" yaml:"pid"`
}

// Store is the run ledger
type Store interface {
	// Runs
	CreateRun(run *Run) error
	GetRun(id string) (*Run, error)
	ListRuns() ([]*Run, error)
	UpdateRun(run *Run) error
	DeleteRun(id string) error

	// Processes
	RecordProcess(p *Process) error
	ListProcesses(runID string) ([]*Process, error)

	Close() error
}

package lifecycle

import (
	"errors"
	"fmt"
)

// ExitCodeEmergency is the exit status of the harness after an emergency stop
const ExitCodeEmergency = 42

// ErrUnknownCluster is returned for a cluster name the orchestrator does not own
var ErrUnknownCluster = errors.New("unknown cluster")

// EmergencyError describes a supervised process that died while its
// cluster was running
type EmergencyError struct {
	Cluster  string
	Process  string
	ExitCode int
}

func (e *EmergencyError) Error() string {
	return fmt.Sprintf("emergency stop: process %s of cluster %s exited with code %d",
		e.Process, e.Cluster, e.ExitCode)
}

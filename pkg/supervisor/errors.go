package supervisor

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/testenv/pkg/types"
)

// ErrBinaryNotFound is returned when neither binary layout is installed
var ErrBinaryNotFound = errors.New("platform server binaries not found")

// VersionMismatchError is returned when discovered binaries disagree on ABI
type VersionMismatchError struct {
	Versions map[string]types.ABI
}

func (e *VersionMismatchError) Error() string {
	names := make([]string, 0, len(e.Versions))
	for name := range e.Versions {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, e.Versions[name]))
	}
	return "mismatching binary versions: " + strings.Join(parts, ", ")
}

// StartupError is returned when a process dies during warmup or its
// readiness probe never passes
type StartupError struct {
	Name     string
	Role     types.Role
	Index    int
	ExitCode int
	Stderr   string
	Err      error
}

func (e *StartupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed to start", e.Name)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	} else {
		fmt.Fprintf(&b, ": exited with code %d", e.ExitCode)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", e.Stderr)
	}
	return b.String()
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"os/user"
	"path"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

const freezerRoot = "/sys/fs/cgroup/freezer"

// cgroupsAvailable reports whether a writable v1 freezer hierarchy exists
func cgroupsAvailable() bool {
	if mode := cgroups.Mode(); mode != cgroups.Legacy && mode != cgroups.Hybrid {
		return false
	}
	for _, dir := range []string{path.Join(freezerRoot, currentUser()), freezerRoot} {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		return unix.Access(dir, unix.R_OK|unix.W_OK) == nil
	}
	return false
}

// cgroupPath is relative to the freezer hierarchy root
func cgroupPath(runID, name string) string {
	return path.Join("/", currentUser(), "testenv", runID, name)
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return fmt.Sprintf("uid%d", os.Getuid())
}

type cgroup struct {
	path    string
	control cgroups.Cgroup
}

func newCgroup(p string) (*cgroup, error) {
	control, err := cgroups.New(
		cgroups.SingleSubsystem(cgroups.V1, cgroups.Freezer),
		cgroups.StaticPath(p),
		&specs.LinuxResources{},
	)
	if err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", p, err)
	}
	return &cgroup{path: p, control: control}, nil
}

func (c *cgroup) add(pid int) error {
	return c.control.Add(cgroups.Process{Pid: pid})
}

// destroy freezes the group, kills every task, thaws and removes it
func (c *cgroup) destroy() error {
	if err := c.control.Freeze(); err != nil {
		return fmt.Errorf("freeze %s: %w", c.path, err)
	}
	procs, err := c.control.Processes(cgroups.Freezer, true)
	if err != nil {
		return fmt.Errorf("list tasks of %s: %w", c.path, err)
	}
	for _, p := range procs {
		_ = unix.Kill(p.Pid, unix.SIGKILL)
	}
	if err := c.control.Thaw(); err != nil {
		return fmt.Errorf("thaw %s: %w", c.path, err)
	}
	return c.control.Delete()
}

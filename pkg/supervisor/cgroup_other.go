//go:build !linux

package supervisor

import "errors"

func cgroupsAvailable() bool { return false }

func cgroupPath(runID, name string) string { return "" }

type cgroup struct {
	path string
}

func newCgroup(string) (*cgroup, error) {
	return nil, errors.New("cgroups are only supported on linux")
}

func (c *cgroup) add(int) error { return nil }

func (c *cgroup) destroy() error { return nil }

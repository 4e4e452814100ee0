//go:build linux

package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"syscall"
)

// sysProcAttr detaches the child into its own session. With pdeath set
// the kernel sends SIGTERM to the child when the harness dies.
func sysProcAttr(pdeath bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setsid: true}
	if pdeath {
		attr.Pdeathsig = syscall.SIGTERM
	}
	return attr
}

// deadOrZombie reports whether pid is gone or only awaits reaping
func deadOrZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	// state follows the parenthesised command name
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return false
	}
	switch data[i+2] {
	case 'Z', 'X':
		return true
	}
	return false
}

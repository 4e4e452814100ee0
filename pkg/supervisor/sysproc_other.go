//go:build !linux

package supervisor

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

func sysProcAttr(bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

func deadOrZombie(pid int) bool {
	return errors.Is(unix.Kill(pid, 0), unix.ESRCH)
}

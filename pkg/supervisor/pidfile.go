package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/testenv/pkg/log"
	"golang.org/x/sys/unix"
)

// PidFile is the newline separated list of pids spawned by a run
type PidFile struct {
	path string
	mu   sync.Mutex
}

// NewPidFile returns a pid file at path; nothing is created until Append
func NewPidFile(path string) *PidFile {
	return &PidFile{path: path}
}

// Path returns the file location
func (f *PidFile) Path() string {
	return f.path
}

// Append records one pid
func (f *PidFile) Append(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open pid file: %w", err)
	}
	defer file.Close()
	_, err = fmt.Fprintf(file, "%d\n", pid)
	return err
}

// Pids reads every recorded pid. A missing file yields none.
func (f *PidFile) Pids() ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var pids []int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("pid file %s: bad line %q", f.path, line)
		}
		pids = append(pids, pid)
	}
	return pids, scanner.Err()
}

// Remove deletes the file
func (f *PidFile) Remove() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// KillStale SIGKILLs the process group of every pid left in the file by an
// earlier run and truncates it. It returns the number of groups signalled.
func (f *PidFile) KillStale() (int, error) {
	pids, err := f.Pids()
	if err != nil {
		return 0, err
	}

	logger := log.WithComponent("supervisor")
	killed := 0
	for _, pid := range pids {
		if pid <= 1 {
			continue
		}
		if err := unix.Kill(-pid, unix.SIGKILL); err == nil {
			killed++
			logger.Warn().Int("pid", pid).Str("pid_file", f.path).Msg("Killed stale process group")
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Truncate(f.path, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return killed, err
	}
	return killed, nil
}

package ports

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cuemby/testenv/pkg/log"
	"github.com/cuemby/testenv/pkg/metrics"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// ErrResourceExhausted is returned when not enough ports could be acquired
var ErrResourceExhausted = errors.New("no free ports available")

// DefaultScanFactor bounds the probes per requested port
const DefaultScanFactor = 20

// Allocator hands out TCP ports that no other allocator sharing LockDir holds.
// Without a LockDir it counts deterministically upward from BasePort.
type Allocator struct {
	// LockDir is the directory shared by all harness processes on the host
	LockDir string
	// BasePort is the first port of the deterministic counter
	BasePort int
	// Host is the address probed by bind attempts
	Host string
	// ScanFactor bounds the number of probes: ScanFactor*n + 100 per Acquire
	ScanFactor int

	mu     sync.Mutex
	next   int
	logger zerolog.Logger

	// probe returns a candidate port; replaced in tests
	probe func() (int, error)
}

// NewAllocator creates an allocator locking ports under lockDir.
// An empty lockDir selects the deterministic counter starting at basePort.
func NewAllocator(lockDir string, basePort int) *Allocator {
	return &Allocator{
		LockDir:    lockDir,
		BasePort:   basePort,
		Host:       "127.0.0.1",
		ScanFactor: DefaultScanFactor,
		next:       basePort,
		logger:     log.WithComponent("ports"),
	}
}

// Lease is a set of reserved ports with their lock files
type Lease struct {
	ports   []int
	locks   []*flock.Flock
	counted bool

	once sync.Once
	err  error
}

// Ports returns the leased ports in acquisition order
func (l *Lease) Ports() []int {
	return append([]int(nil), l.ports...)
}

// Len returns the number of leased ports
func (l *Lease) Len() int {
	return len(l.ports)
}

// Release unlocks and removes every lock file. Only the first call has effect.
func (l *Lease) Release() error {
	l.once.Do(func() {
		var errs []error
		for _, lock := range l.locks {
			if err := lock.Unlock(); err != nil {
				errs = append(errs, fmt.Errorf("unlock %s: %w", lock.Path(), err))
			}
			if err := os.Remove(lock.Path()); err != nil && !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("remove %s: %w", lock.Path(), err))
			}
		}
		if l.counted {
			metrics.PortsLeased.Sub(float64(len(l.ports)))
		}
		l.err = errors.Join(errs...)
	})
	return l.err
}

// Acquire reserves n distinct ports
func (a *Allocator) Acquire(n int) (*Lease, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid port count %d", n)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.LockDir == "" {
		return a.acquireSequential(n), nil
	}

	if err := os.MkdirAll(a.LockDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create port lock dir: %w", err)
	}

	lease := &Lease{}
	seen := make(map[int]bool, n)
	scans := a.ScanFactor*n + 100

	for attempt := 0; attempt < scans && len(lease.ports) < n; attempt++ {
		port, err := a.candidate()
		if err != nil {
			continue
		}
		if seen[port] {
			continue
		}
		seen[port] = true

		lock := flock.New(filepath.Join(a.LockDir, strconv.Itoa(port)))
		locked, err := lock.TryLock()
		if err != nil || !locked {
			continue
		}

		// The probe socket is already closed; re-check that nobody bound the port meanwhile
		if !a.bindable(port) {
			_ = lock.Unlock()
			continue
		}

		lease.ports = append(lease.ports, port)
		lease.locks = append(lease.locks, lock)
	}

	if len(lease.ports) < n {
		_ = lease.Release()
		return nil, fmt.Errorf("%w: acquired %d of %d ports in %d scans", ErrResourceExhausted, len(lease.ports), n, scans)
	}

	lease.counted = true
	metrics.PortsLeased.Add(float64(n))
	a.logger.Debug().Ints("ports", lease.ports).Msg("acquired port lease")
	return lease, nil
}

func (a *Allocator) acquireSequential(n int) *Lease {
	lease := &Lease{ports: make([]int, 0, n), counted: true}
	for i := 0; i < n; i++ {
		lease.ports = append(lease.ports, a.next)
		a.next++
	}
	metrics.PortsLeased.Add(float64(n))
	return lease
}

func (a *Allocator) candidate() (int, error) {
	if a.probe != nil {
		return a.probe()
	}
	l, err := net.Listen("tcp", net.JoinHostPort(a.Host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func (a *Allocator) bindable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(a.Host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

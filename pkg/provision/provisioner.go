package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/events"
	"github.com/cuemby/testenv/pkg/layout"
	"github.com/cuemby/testenv/pkg/log"
	"github.com/cuemby/testenv/pkg/ports"
	"github.com/cuemby/testenv/pkg/supervisor"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// WatcherConfigFile lists every log file for the rotation daemon
	WatcherConfigFile = "logrotate.conf"
	// DefaultBasePort seeds sequential port assignment without a lock dir
	DefaultBasePort = 24000
)

// Options configures a Provisioner
type Options struct {
	Settings config.Settings
	Binaries *supervisor.Binaries
	// Suite names the test suite; it is the sandbox subdirectory
	Suite string
	// Allocator overrides the one built from Settings.PortLocksPath
	Allocator *ports.Allocator

	Hostname           string
	EnableDebugLogging bool
	KillChildren       bool
	Warmup             time.Duration
	Modify             config.ModifyFunc
	Broker             *events.Broker
}

// Provisioner turns a ClusterSpec into a ready-to-start Instance
type Provisioner struct {
	opts      Options
	allocator *ports.Allocator
	logger    zerolog.Logger
}

// New creates a provisioner
func New(opts Options) *Provisioner {
	alloc := opts.Allocator
	if alloc == nil {
		alloc = ports.NewAllocator(opts.Settings.PortLocksPath, DefaultBasePort)
	}
	if opts.Suite == "" {
		opts.Suite = "default"
	}
	return &Provisioner{
		opts:      opts,
		allocator: alloc,
		logger:    log.WithComponent("provision"),
	}
}

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// RunDir returns the sandbox directory of a run
func (p *Provisioner) RunDir(runID string) string {
	return filepath.Join(p.opts.Settings.SandboxRoot, p.opts.Suite, runID)
}

// ClusterDir returns the sandbox of one cluster of a run. Remote clusters
// live inside the primary's run directory.
func (p *Provisioner) ClusterDir(runID, cluster string) string {
	if cluster == types.PrimaryClusterName || cluster == "" {
		return p.RunDir(runID)
	}
	return filepath.Join(p.RunDir(runID), cluster)
}

// Prepare allocates ports, builds the sandbox and writes every config
// under dir. Nothing is started.
func (p *Provisioner) Prepare(ctx context.Context, runID string, spec types.ClusterSpec, dir string) (*Instance, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := p.logger.With().Str("cluster", spec.Name).Str("path", dir).Logger()

	stale := supervisor.NewPidFile(layout.NewPaths(dir).PidFile)
	if n, err := stale.KillStale(); err != nil {
		logger.Warn().Err(err).Msg("Failed to clean up stale processes")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("Killed processes left by a previous run")
	}

	lease, err := p.allocator.Acquire(spec.PortCount())
	if err != nil {
		return nil, fmt.Errorf("allocate ports for %s: %w", spec.Name, err)
	}

	inst, err := p.prepare(runID, spec, dir, lease)
	if err != nil {
		_ = lease.Release()
		return nil, err
	}
	logger.Info().
		Str("run_id", runID).
		Int("ports", lease.Len()).
		Str("abi", p.abi().String()).
		Msg("Cluster prepared")
	return inst, nil
}

func (p *Provisioner) prepare(runID string, spec types.ClusterSpec, dir string, lease *ports.Lease) (*Instance, error) {
	l, err := layout.Build(dir, &spec)
	if err != nil {
		return nil, err
	}
	if spec.Name == types.PrimaryClusterName {
		if err := layout.LinkLatest(filepath.Dir(dir), dir); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to update latest run link")
		}
	}

	set, err := config.Generate(config.Input{
		Spec:               &spec,
		Ports:              lease.Ports(),
		Layout:             l,
		ABI:                p.abi(),
		Hostname:           p.opts.Hostname,
		EnableDebugLogging: p.opts.EnableDebugLogging,
		Modify:             p.opts.Modify,
	})
	if err != nil {
		return nil, err
	}
	paths, err := config.Write(set, l.Paths)
	if err != nil {
		return nil, err
	}
	if err := writeWatcherConfig(l.ConfigPath(WatcherConfigFile), set.LogFiles); err != nil {
		return nil, err
	}

	sup := supervisor.New(supervisor.Options{
		Cluster:       spec.Name,
		RunID:         runID,
		Binaries:      p.opts.Binaries,
		Paths:         l.Paths,
		CaptureStderr: spec.CapturingStderr || p.opts.Settings.CaptureStderr,
		KillChildren:  p.opts.KillChildren,
		UseCgroups:    spec.UseCgroups,
		Warmup:        p.opts.Warmup,
		Broker:        p.opts.Broker,
	})

	return &Instance{
		RunID:       runID,
		Suite:       p.opts.Suite,
		Spec:        spec,
		Layout:      l,
		Configs:     set,
		ConfigPaths: paths,
		Supervisor:  sup,
		lease:       lease,
		broker:      p.opts.Broker,
		state:       types.StateConfigured,
	}, nil
}

func (p *Provisioner) abi() types.ABI {
	if p.opts.Binaries == nil {
		return types.ABI{}
	}
	return p.opts.Binaries.ABI
}

// StopProcesses kills every service of the instance in reverse start
// order, secondary master cells before the primary one
func StopProcesses(inst *Instance) {
	sup := inst.Supervisor
	for _, role := range types.StopOrder() {
		if role == types.RoleMaster {
			for cell := inst.Spec.CellCount() - 1; cell >= 0; cell-- {
				sup.Kill(ServiceName(role, cell))
			}
			continue
		}
		sup.Kill(ServiceName(role, 0))
	}
	sup.KillAll()
}

// Teardown stops every process and releases the port lease. It is best
// effort: failures are logged, never returned, and repeated calls are
// harmless.
func (p *Provisioner) Teardown(inst *Instance) {
	if inst == nil {
		return
	}
	logger := p.logger.With().Str("cluster", inst.Name()).Logger()

	if inst.State() != types.StateStopped {
		inst.SetState(types.StateStopping)
	}
	StopProcesses(inst)
	if err := inst.Supervisor.PidFile().Remove(); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove pid file")
	}
	if err := inst.releasePorts(); err != nil {
		logger.Warn().Err(err).Msg("Failed to release port lease")
	}
	inst.SetState(types.StateStopped)
}

// Archive drops the runtime data of every instance and moves the run
// directory to <storage>/<suite>/<run id>. Without a storage root, or when
// the run directory is already gone, it does nothing.
func (p *Provisioner) Archive(runID string, instances ...*Instance) (string, error) {
	storage := p.opts.Settings.SandboxStorage
	src := p.RunDir(runID)
	if storage == "" {
		return "", nil
	}
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	for _, inst := range instances {
		if err := os.RemoveAll(inst.Layout.RuntimeData); err != nil {
			return "", fmt.Errorf("remove runtime data: %w", err)
		}
	}
	dst := filepath.Join(storage, p.opts.Suite, runID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	p.logger.Info().Str("archive", dst).Msg("Sandbox archived")
	return dst, nil
}

// WriteInfo records externally reachable addresses in info.yson
func WriteInfo(inst *Instance) error {
	info := map[string]any{
		"cluster_name": inst.Name(),
		"cell_tag":     inst.Spec.CellTag,
		"run_id":       inst.RunID,
	}
	if addr := inst.ProxyAddress(); addr != "" {
		info["proxy"] = map[string]any{"address": addr}
	}
	data, err := yson.MarshalPretty(info)
	if err != nil {
		return err
	}
	return os.WriteFile(inst.Layout.InfoFile, data, 0o644)
}

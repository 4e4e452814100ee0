package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cuemby/testenv/pkg/types"
)

const (
	configsDir     = "configs"
	logsDir        = "logs"
	runtimeDataDir = "runtime_data"
	stderrsDir     = "stderrs"
	pidsFile       = "pids"
	infoFile       = "info.yson"

	// LatestLink is the name of the symlink pointing at the most recent run
	LatestLink = "run_latest"
)

// Paths are the well-known locations of one cluster sandbox
type Paths struct {
	Root        string
	Configs     string
	Logs        string
	RuntimeData string
	Stderrs     string
	PidFile     string
	InfoFile    string
}

// NewPaths computes the sandbox paths below root without touching the disk
func NewPaths(root string) Paths {
	return Paths{
		Root:        root,
		Configs:     filepath.Join(root, configsDir),
		Logs:        filepath.Join(root, logsDir),
		RuntimeData: filepath.Join(root, runtimeDataDir),
		Stderrs:     filepath.Join(root, stderrsDir),
		PidFile:     filepath.Join(root, pidsFile),
		InfoFile:    filepath.Join(root, infoFile),
	}
}

// StoreLocation is one chunk store directory of a node
type StoreLocation struct {
	Path   string
	Medium string
}

// NodeDirs are the working directories of one node instance
type NodeDirs struct {
	Root           string
	StoreLocations []StoreLocation
	ChunkCache     string
	Slots          string
}

// MasterDirs are the working directories of one master peer
type MasterDirs struct {
	Root       string
	Changelogs string
	Snapshots  string
}

// Layout is a materialised sandbox
type Layout struct {
	Paths

	// Masters is indexed by cell index, then peer index
	Masters [][]MasterDirs
	Nodes   []NodeDirs
	// Dirs holds the working directory of every non-master, non-node instance
	Dirs map[types.Role][]string
}

// Build creates the sandbox tree under root for the given spec. It is idempotent.
func Build(root string, spec *types.ClusterSpec) (*Layout, error) {
	l := &Layout{
		Paths: NewPaths(root),
		Dirs:  make(map[types.Role][]string),
	}

	for _, dir := range []string{l.Configs, l.Logs, l.RuntimeData, l.Stderrs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	for cell := 0; cell < spec.CellCount(); cell++ {
		peers := make([]MasterDirs, 0, spec.MastersPerCell())
		for i := 0; i < spec.MastersPerCell(); i++ {
			base := filepath.Join(l.RuntimeData, string(types.RoleMaster), fmt.Sprintf("%d-%d", cell, i))
			dirs := MasterDirs{
				Root:       base,
				Changelogs: filepath.Join(base, "changelogs"),
				Snapshots:  filepath.Join(base, "snapshots"),
			}
			if err := mkdirs(dirs.Changelogs, dirs.Snapshots); err != nil {
				return nil, err
			}
			peers = append(peers, dirs)
		}
		l.Masters = append(l.Masters, peers)
	}

	media := spec.Media()
	for i := 0; i < spec.NodeCount; i++ {
		base := filepath.Join(l.RuntimeData, string(types.RoleNode), strconv.Itoa(i))
		dirs := NodeDirs{
			Root:       base,
			ChunkCache: filepath.Join(base, "chunk_cache"),
			Slots:      filepath.Join(base, "slots"),
		}
		for k, medium := range media {
			dirs.StoreLocations = append(dirs.StoreLocations, StoreLocation{
				Path:   filepath.Join(base, "chunk_store", fmt.Sprintf("%d_%s", k, medium)),
				Medium: medium,
			})
		}
		paths := []string{dirs.ChunkCache, dirs.Slots}
		for _, loc := range dirs.StoreLocations {
			paths = append(paths, loc.Path)
		}
		if err := mkdirs(paths...); err != nil {
			return nil, err
		}
		l.Nodes = append(l.Nodes, dirs)
	}

	for _, role := range types.StartOrder {
		if role == types.RoleMaster || role == types.RoleNode {
			continue
		}
		for i := 0; i < spec.Count(role); i++ {
			dir := filepath.Join(l.RuntimeData, string(role), strconv.Itoa(i))
			if err := mkdirs(dir); err != nil {
				return nil, err
			}
			l.Dirs[role] = append(l.Dirs[role], dir)
		}
	}

	return l, nil
}

// LinkLatest points <parent>/run_latest at runDir, replacing an older link
func LinkLatest(parent, runDir string) error {
	link := filepath.Join(parent, LatestLink)
	if fi, err := os.Lstat(link); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("%s exists and is not a symlink", link)
		}
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("failed to remove stale %s: %w", link, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Symlink(runDir, link)
}

// StderrPath returns the capture file for a process name
func (p Paths) StderrPath(name string) string {
	return filepath.Join(p.Stderrs, "stderr."+name)
}

// LogPath returns the path of a server log file
func (p Paths) LogPath(name, kind string) string {
	return filepath.Join(p.Logs, name+"."+kind)
}

// ConfigPath returns the path of a config file
func (p Paths) ConfigPath(file string) string {
	return filepath.Join(p.Configs, file)
}

func mkdirs(paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
	}
	return nil
}

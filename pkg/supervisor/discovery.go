package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/cuemby/testenv/pkg/types"
)

// MonolithicBinary is the binary name of the monolithic layout; split
// binaries append -<role>
const MonolithicBinary = "platform-server"

// requiredSplit must all be present for the split layout to be chosen
var requiredSplit = []types.Role{types.RoleMaster, types.RoleNode, types.RoleScheduler}

var versionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?\S*`)

// Binaries is the result of binary discovery
type Binaries struct {
	Layout types.BinaryLayout
	ABI    types.ABI
	// Paths maps each discovered binary name to its absolute path
	Paths map[string]string
	// Literals maps each binary name to its full version string
	Literals map[string]string

	pdeathOnce      sync.Once
	pdeathSupported bool
}

// SplitBinary returns the role's binary name in the split layout
func SplitBinary(role types.Role) string {
	return MonolithicBinary + "-" + role.BinarySuffix()
}

// Discover looks the server binaries up in searchPath (PATH syntax; the
// process PATH when empty), parses their versions and picks a layout.
func Discover(ctx context.Context, searchPath string) (*Binaries, error) {
	if searchPath == "" {
		searchPath = os.Getenv("PATH")
	}

	b := &Binaries{Paths: make(map[string]string), Literals: make(map[string]string)}
	versions := make(map[string]types.ABI)

	candidates := []string{MonolithicBinary}
	for _, role := range types.StartOrder {
		candidates = append(candidates, SplitBinary(role))
	}
	for _, name := range candidates {
		path, ok := lookPath(name, searchPath)
		if !ok {
			continue
		}
		out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
		if err != nil {
			return nil, fmt.Errorf("%s --version: %w", path, err)
		}
		abi, literal, err := ParseVersion(string(out))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		b.Paths[name] = path
		b.Literals[name] = literal
		versions[name] = abi
	}

	if _, ok := b.Paths[MonolithicBinary]; ok {
		b.Layout = types.LayoutMonolithic
		b.ABI = versions[MonolithicBinary]
		return b, nil
	}

	for _, role := range requiredSplit {
		if _, ok := b.Paths[SplitBinary(role)]; !ok {
			return nil, fmt.Errorf("%w in %q", ErrBinaryNotFound, searchPath)
		}
	}
	b.Layout = types.LayoutSplit
	first := true
	for _, abi := range versions {
		if first {
			b.ABI = abi
			first = false
			continue
		}
		if abi != b.ABI {
			return nil, &VersionMismatchError{Versions: versions}
		}
	}
	return b, nil
}

// ParseVersion extracts the ABI from the first line of --version
// output. Both "<name> version: X.Y.Z-tag" and a bare "X.Y.Z-tag" are
// accepted.
func ParseVersion(output string) (types.ABI, string, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	if _, after, ok := strings.Cut(line, "version:"); ok {
		line = after
	}
	literal := strings.TrimSpace(line)

	match := versionPattern.FindString(literal)
	if match == "" {
		return types.ABI{}, "", fmt.Errorf("unrecognised version %q", literal)
	}
	v, err := semver.NewVersion(match)
	if err != nil {
		// tags like "-local~debug~0+local" are not valid semver; the
		// numeric prefix is all the ABI needs
		core, _, _ := strings.Cut(match, "-")
		if v, err = semver.NewVersion(core); err != nil {
			return types.ABI{}, "", fmt.Errorf("parse version %q: %w", literal, err)
		}
	}
	return types.ABI{Major: int(v.Major()), Minor: int(v.Minor())}, literal, nil
}

// Path returns the binary serving role
func (b *Binaries) Path(role types.Role) (string, error) {
	name := MonolithicBinary
	if b.Layout == types.LayoutSplit {
		name = SplitBinary(role)
	}
	path, ok := b.Paths[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
	}
	return path, nil
}

// Argv builds the command line for one server process. pdeath asks the
// server to die with its parent.
func (b *Binaries) Argv(role types.Role, configPath string, pdeath bool) ([]string, error) {
	path, err := b.Path(role)
	if err != nil {
		return nil, err
	}

	argv := []string{path}
	switch b.Layout {
	case types.LayoutMonolithic:
		argv = append(argv, role.Flag())
		if pdeath && b.supportsPdeathSignal(path) {
			argv = append(argv, "--pdeath-signal", "SIGTERM")
		}
	case types.LayoutSplit:
		if pdeath {
			argv = append(argv, "--pdeathsig", "9")
		}
	}
	return append(argv, "--config", configPath), nil
}

func (b *Binaries) supportsPdeathSignal(path string) bool {
	b.pdeathOnce.Do(func() {
		out, err := exec.Command(path, "--help").CombinedOutput()
		b.pdeathSupported = err == nil && bytes.Contains(out, []byte("--pdeath-signal"))
	})
	return b.pdeathSupported
}

func lookPath(name, searchPath string) (string, bool) {
	for _, dir := range filepath.SplitList(searchPath) {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		return path, true
	}
	return "", false
}

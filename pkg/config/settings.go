package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings are host-level knobs read from the environment
type Settings struct {
	// SandboxRoot holds one directory per suite (TESTS_SANDBOX)
	SandboxRoot string `yaml:"sandbox_root"`
	// SandboxStorage receives finished runs when set (TESTS_SANDBOX_STORAGE)
	SandboxStorage string `yaml:"sandbox_storage"`
	// CaptureStderr redirects server stderr to stderrs/ (YT_CAPTURE_STDERR_TO_FILE)
	CaptureStderr bool `yaml:"capture_stderr"`
	// Recipe selects the recipe storage roots (YTRECIPE)
	Recipe bool `yaml:"recipe"`
	// NodePath locates the packaged HTTP proxy (NODE_PATH)
	NodePath string `yaml:"node_path"`
	// EnableLLVM is false when BUILD_ENABLE_LLVM=NO
	EnableLLVM bool `yaml:"enable_llvm"`
	// SearchPath is the binary search path (PATH)
	SearchPath []string `yaml:"search_path"`
	// PortLocksPath is shared by every harness on the host. Defaults to <SandboxRoot>/ports.
	PortLocksPath string `yaml:"port_locks_path"`
}

// LoadSettings reads Settings from the process environment
func LoadSettings() Settings {
	return SettingsFromEnv(os.Getenv)
}

// SettingsFromEnv reads Settings through getenv
func SettingsFromEnv(getenv func(string) string) Settings {
	s := Settings{
		SandboxRoot:    getenv("TESTS_SANDBOX"),
		SandboxStorage: getenv("TESTS_SANDBOX_STORAGE"),
		CaptureStderr:  parseBool(getenv("YT_CAPTURE_STDERR_TO_FILE")),
		Recipe:         getenv("YTRECIPE") != "",
		NodePath:       getenv("NODE_PATH"),
		EnableLLVM:     !strings.EqualFold(getenv("BUILD_ENABLE_LLVM"), "NO"),
	}
	if path := getenv("PATH"); path != "" {
		s.SearchPath = filepath.SplitList(path)
	}
	if s.SandboxRoot == "" {
		if abs, err := filepath.Abs("tests.sandbox"); err == nil {
			s.SandboxRoot = abs
		} else {
			s.SandboxRoot = "tests.sandbox"
		}
	}
	if s.Recipe {
		s.SandboxRoot = filepath.Join(s.SandboxRoot, "ytrecipe_output")
	}
	if s.PortLocksPath == "" {
		s.PortLocksPath = filepath.Join(s.SandboxRoot, "ports")
	}
	return s
}

// Overlay applies non-empty fields of a YAML file over s
func (s Settings) Overlay(file string) (Settings, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return s, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, &Error{Path: file, Msg: "invalid settings", Err: err}
	}
	return s, nil
}

// DiskRoot is where node store locations of a run are placed
func (s Settings) DiskRoot() string {
	if s.Recipe {
		return filepath.Join(filepath.Dir(s.SandboxRoot), "ytrecipe_hdd")
	}
	if s.SandboxStorage != "" {
		return s.SandboxStorage
	}
	return s.SandboxRoot
}

func parseBool(v string) bool {
	if v == "" {
		return false
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	n, err := strconv.Atoi(v)
	return err == nil && n != 0
}

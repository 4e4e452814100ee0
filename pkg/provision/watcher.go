package provision

import (
	"fmt"
	"os"
	"strings"
)

var rotateOptions = []string{
	"rotate 100",
	"size 1M",
	"missingok",
	"copytruncate",
	"nodelaycompress",
	"nomail",
	"noolddir",
	"compress",
}

// writeWatcherConfig writes a logrotate stanza for every log file
func writeWatcherConfig(path string, logFiles []string) error {
	var b strings.Builder
	for _, file := range logFiles {
		fmt.Fprintf(&b, "%s {\n", file)
		for _, opt := range rotateOptions {
			fmt.Fprintf(&b, "    %s\n", opt)
		}
		b.WriteString("}\n\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write watcher config: %w", err)
	}
	return nil
}

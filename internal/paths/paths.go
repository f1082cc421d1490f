// Package paths locates files pagesmith keeps on the local disk.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// DataDirEnv overrides the data directory, for containers that mount a
// volume at a fixed path.
const DataDirEnv = "PAGESMITH_DATA_DIR"

const dbFile = "pagesmith.db"

// DataDir returns where pagesmith keeps its database. In order of
// precedence: $PAGESMITH_DATA_DIR, $XDG_DATA_HOME/pagesmith and
// ~/.local/share/pagesmith.
func DataDir() (string, error) {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return filepath.Clean(dir), nil
	}
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "pagesmith"), nil
}

// DBFile returns the default database path and creates its directory.
func DBFile() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	return filepath.Join(dir, dbFile), nil
}

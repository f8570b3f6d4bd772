package localstate

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	envHome    = "NUDGE_HOME"    // override for tests
	dirName    = ".nudge-engine" // default under $HOME
	dbFilename = "nudge.db"
)

// DataDir returns the directory where local state is stored (~/.nudge-engine).
// It creates the directory with 0700 permissions if it does not exist.
func DataDir() (string, error) {
	if custom := os.Getenv(envHome); custom != "" {
		if err := os.MkdirAll(custom, 0o700); err != nil {
			return "", err
		}
		return custom, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user home: %w", err)
	}
	dir := filepath.Join(home, dirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// DBPath returns the absolute path to the SQLite database file.
// A non-empty dataDir takes precedence over DataDir().
func DBPath(dataDir string) (string, error) {
	dir := dataDir
	if dir == "" {
		d, err := DataDir()
		if err != nil {
			return "", err
		}
		dir = d
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, dbFilename), nil
}

package conventions

import (
	"path/filepath"
	"time"
)

const (
	// DefaultDataDir is the default codebroker data directory name (relative to home).
	DefaultDataDir = ".codebroker"
	// DBFile is the SQLite database filename inside the data directory.
	DBFile = "codebroker.db"
	// PolicyFile is the default policy rules filename inside the data directory.
	PolicyFile = "policy.yaml"
	// CatalogFile is the default tool catalog filename inside the data directory.
	CatalogFile = "tools.yaml"

	// EnvPrefix is the prefix of the environment variables of every flag.
	EnvPrefix = "CODEBROKER"

	// DefaultListenAddress is where the broker API listens.
	DefaultListenAddress = ":8080"
	// DefaultIsolateHostListenAddress is where the isolate host listens.
	DefaultIsolateHostListenAddress = ":8090"
	// DefaultBrokerURL is the broker URL the CLI and the workers call.
	DefaultBrokerURL = "http://127.0.0.1:8080"

	// DefaultTaskTimeout is the timeout of the tasks submitted without one.
	DefaultTaskTimeout = 30 * time.Second
	// MaxTaskTimeout caps the task timeouts.
	MaxTaskTimeout = 15 * time.Minute

	// DefaultWorkerImage is the container runtime worker image.
	DefaultWorkerImage = "ghcr.io/slok/codebroker:latest"
)

// DBPath returns the SQLite database path of a data directory.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFile)
}

// PolicyPath returns the policy rules file path of a data directory.
func PolicyPath(dataDir string) string {
	return filepath.Join(dataDir, PolicyFile)
}

// CatalogPath returns the tool catalog file path of a data directory.
func CatalogPath(dataDir string) string {
	return filepath.Join(dataDir, CatalogFile)
}

// Package artifact owns the per-job directories under the data root: the
// uploaded input, the worker's output and scratch space, and a cache shared
// by every job.
//
//	<root>/uploads/<id>/   staged input
//	<root>/results/<id>/   worker output and container.log
//	<root>/temp/<id>/      scratch
//	<root>/cache/          shared
package artifact

import (
	"eemt-orchestrator/internal/apperrors"
	"eemt-orchestrator/internal/config"
	"eemt-orchestrator/internal/job"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	uploadsDir = "uploads"
	resultsDir = "results"
	tempDir    = "temp"
	cacheDir   = "cache"

	// LogFile is the name of the captured worker output inside the results directory.
	LogFile = "container.log"

	defaultMaxUploadSize = 2 << 30
)

// Config holds artifact storage configuration.
type Config struct {
	// DataDir is where this process reads and writes artifacts.
	DataDir string
	// HostDataDir is the same directory as seen by the container engine.
	// It differs from DataDir when the service itself runs in a container.
	HostDataDir   string
	MaxUploadSize int64
}

// LoadConfigFromEnv loads artifact configuration from environment variables.
func LoadConfigFromEnv(dataDir string) Config {
	return Config{
		DataDir:       dataDir,
		HostDataDir:   config.GetEnv("HOST_DATA_DIR", dataDir),
		MaxUploadSize: config.GetInt64Env("MAX_UPLOAD_SIZE", defaultMaxUploadSize),
	}
}

// Paths are the host-side directories bind-mounted into a job's worker.
type Paths struct {
	Input  string
	Output string
	Temp   string
	Cache  string
}

// Manager creates, measures and deletes job artifacts.
type Manager struct {
	root          string
	hostRoot      string
	maxUploadSize int64
}

// NewManager creates the top-level layout under cfg.DataDir.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("artifact data directory is required")
	}
	root, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	hostRoot := cfg.HostDataDir
	if hostRoot == "" {
		hostRoot = root
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = defaultMaxUploadSize
	}

	for _, dir := range []string{uploadsDir, resultsDir, tempDir, cacheDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", dir, err)
		}
	}

	return &Manager{root: root, hostRoot: hostRoot, maxUploadSize: cfg.MaxUploadSize}, nil
}

// Root returns the absolute data directory.
func (m *Manager) Root() string { return m.root }

// MaxUploadSize returns the input size ceiling in bytes.
func (m *Manager) MaxUploadSize() int64 { return m.maxUploadSize }

func (m *Manager) jobDirs(id string) []string {
	return []string{
		filepath.Join(m.root, uploadsDir, id),
		filepath.Join(m.root, resultsDir, id),
		filepath.Join(m.root, tempDir, id),
	}
}

// Allocate creates the job's input, output and scratch directories. It is
// safe to call more than once.
func (m *Manager) Allocate(id string) (Paths, error) {
	if err := job.ValidateID(id); err != nil {
		return Paths{}, err
	}
	for _, dir := range m.jobDirs(id) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, apperrors.Storage("allocate job directories", err)
		}
	}
	return Paths{
		Input:  filepath.Join(m.hostRoot, uploadsDir, id),
		Output: filepath.Join(m.hostRoot, resultsDir, id),
		Temp:   filepath.Join(m.hostRoot, tempDir, id),
		Cache:  filepath.Join(m.hostRoot, cacheDir),
	}, nil
}

// ResultsDir returns the local results directory of a job.
func (m *Manager) ResultsDir(id string) string {
	return filepath.Join(m.root, resultsDir, id)
}

// HasResults reports whether the job's results directory exists.
func (m *Manager) HasResults(id string) bool {
	info, err := os.Stat(m.ResultsDir(id))
	return err == nil && info.IsDir()
}

// Size returns the bytes held by the job's artifacts. Missing directories
// count as empty.
func (m *Manager) Size(id string) (int64, error) {
	if err := job.ValidateID(id); err != nil {
		return 0, err
	}
	var total int64
	for _, dir := range m.jobDirs(id) {
		n, err := dirSize(dir)
		if err != nil {
			return 0, apperrors.Storage("measure artifacts", err)
		}
		total += n
	}
	return total, nil
}

// Reclaim deletes the job's input, output and scratch directories and
// returns the bytes freed. Directories that are already gone are not an error.
func (m *Manager) Reclaim(id string) (int64, error) {
	if err := job.ValidateID(id); err != nil {
		return 0, err
	}
	var freed int64
	for _, dir := range m.jobDirs(id) {
		n, err := dirSize(dir)
		if err != nil {
			return freed, apperrors.Storage("measure artifacts", err)
		}
		if err := os.RemoveAll(dir); err != nil {
			return freed, apperrors.Storage("delete artifacts", err)
		}
		freed += n
	}
	return freed, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

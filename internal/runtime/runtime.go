// Package runtime defines the container engine boundary used by the
// orchestrator. Implementations translate a Spec into engine calls and know
// nothing about jobs.
package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"strings"

	units "github.com/docker/go-units"
)

// Label keys set on every launched container.
const (
	LabelManagedBy = "managed-by"
	ManagedBy      = "jobs-service"
)

// Mount binds a host directory into the container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Spec describes one worker container.
type Spec struct {
	Name       string
	Image      string
	Command    []string
	Env        map[string]string
	WorkingDir string
	Mounts     []Mount
	// CPUs is the number of whole CPUs the container may use; zero means
	// unlimited.
	CPUs        int
	MemoryBytes int64
	Labels      map[string]string
}

// Handle identifies a launched container.
type Handle struct {
	ID   string
	Name string
}

func (h Handle) String() string {
	if h.Name != "" {
		return h.Name
	}
	return h.ID
}

// Runtime starts, observes and tears down worker containers.
type Runtime interface {
	// Launch creates and starts a container. Errors are apperrors.ErrLaunch.
	Launch(ctx context.Context, spec Spec) (Handle, error)
	// StreamLogs yields the container's combined stdout and stderr line by
	// line until the stream closes or ctx is cancelled.
	StreamLogs(ctx context.Context, h Handle) iter.Seq2[string, error]
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, h Handle) (int, error)
	// Stop and Remove succeed when the container is already gone.
	Stop(ctx context.Context, h Handle) error
	Remove(ctx context.Context, h Handle) error
	Ping(ctx context.Context) error
}

// ParseMemory parses a human memory size such as "8g" or "512m".
func ParseMemory(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	return n, nil
}

const maxLineSize = 1024 * 1024

// Lines yields the lines of r with trailing carriage returns removed.
func Lines(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			if !yield(strings.TrimSuffix(scanner.Text(), "\r"), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
		}
	}
}

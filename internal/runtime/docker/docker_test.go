package docker

import (
	"bytes"
	"context"
	"eemt-orchestrator/internal/apperrors"
	"eemt-orchestrator/internal/runtime"
	"eemt-orchestrator/pkg/backoff"
	"eemt-orchestrator/pkg/circuitbreaker"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker records calls and returns scripted results.
type fakeDocker struct {
	mu sync.Mutex

	imagePresent bool
	pullErrs     []error
	pulls        int
	createErr    error
	startErr     error
	stopErr      error
	removeErr    error
	logs         []byte
	exitCode     int64

	creates int
	created *container.Config
	host    *container.HostConfig
	name    string
	stopped []string
	removed []string
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created, f.host, f.name = cfg, host, name
	return container.CreateResponse{ID: "c0ffee"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, errCh
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return f.stopErr
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeDocker) ImageInspect(context.Context, string, ...client.ImageInspectOption) (image.InspectResponse, error) {
	if f.imagePresent {
		return image.InspectResponse{}, nil
	}
	return image.InspectResponse{}, fmt.Errorf("no such image: %w", cerrdefs.ErrNotFound)
}

func (f *fakeDocker) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if len(f.pullErrs) > 0 {
		err := f.pullErrs[0]
		f.pullErrs = f.pullErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (f *fakeDocker) Close() error { return nil }

func testSpec() runtime.Spec {
	return runtime.Spec{
		Name:    "eemt-job-1",
		Image:   "eemt:ubuntu24.04",
		Command: []string{"python", "/opt/eemt/bin/run-solar-workflow.py"},
		Env:     map[string]string{"B": "2", "A": "1"},
		Mounts: []runtime.Mount{
			{HostPath: "/data/uploads/job-1", ContainerPath: "/data/input", ReadOnly: true},
			{HostPath: "/data/results/job-1", ContainerPath: "/data/output"},
		},
		CPUs:        4,
		MemoryBytes: 8 << 30,
		Labels:      map[string]string{"job.id": "job-1"},
	}
}

func TestLaunch_TranslatesSpec(t *testing.T) {
	t.Parallel()
	fake := &fakeDocker{imagePresent: true}
	r := newRuntime(fake, Config{})

	h, err := r.Launch(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if h.ID != "c0ffee" || h.Name != "eemt-job-1" {
		t.Errorf("handle = %+v", h)
	}

	if fake.name != "eemt-job-1" {
		t.Errorf("container name = %q", fake.name)
	}
	if got := strings.Join(fake.created.Env, ","); got != "A=1,B=2" {
		t.Errorf("env = %s, want sorted A=1,B=2", got)
	}
	if fake.created.Labels["managed-by"] != "jobs-service" || fake.created.Labels["job.id"] != "job-1" {
		t.Errorf("labels = %v", fake.created.Labels)
	}
	res := fake.host.Resources
	if res.CPUPeriod != 100000 || res.CPUQuota != 400000 {
		t.Errorf("cpu period/quota = %d/%d, want 100000/400000", res.CPUPeriod, res.CPUQuota)
	}
	if res.Memory != 8<<30 {
		t.Errorf("memory = %d", res.Memory)
	}
	if len(fake.host.Mounts) != 2 {
		t.Fatalf("mounts = %d, want 2", len(fake.host.Mounts))
	}
	in := fake.host.Mounts[0]
	if in.Type != mount.TypeBind || in.Source != "/data/uploads/job-1" || in.Target != "/data/input" || !in.ReadOnly {
		t.Errorf("input mount = %+v", in)
	}
}

func TestLaunch_NoCPULimit(t *testing.T) {
	t.Parallel()
	fake := &fakeDocker{imagePresent: true}
	r := newRuntime(fake, Config{})

	spec := testSpec()
	spec.CPUs = 0
	if _, err := r.Launch(context.Background(), spec); err != nil {
		t.Fatal(err)
	}
	if fake.host.Resources.CPUQuota != 0 {
		t.Errorf("CPUQuota = %d, want 0", fake.host.Resources.CPUQuota)
	}
}

func TestLaunch_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		fake *fakeDocker
		cfg  Config
		spec func(runtime.Spec) runtime.Spec
	}{
		{
			name: "missing image",
			fake: &fakeDocker{imagePresent: true},
			spec: func(s runtime.Spec) runtime.Spec { s.Image = ""; return s },
		},
		{
			name: "image absent and pull disabled",
			fake: &fakeDocker{},
		},
		{
			name: "create fails",
			fake: &fakeDocker{imagePresent: true, createErr: errors.New("no space left on device")},
		},
		{
			name: "start fails",
			fake: &fakeDocker{imagePresent: true, startErr: errors.New("oci runtime error")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newRuntime(tt.fake, tt.cfg)
			spec := testSpec()
			if tt.spec != nil {
				spec = tt.spec(spec)
			}
			_, err := r.Launch(context.Background(), spec)
			if !errors.Is(err, apperrors.ErrLaunch) {
				t.Errorf("Launch() error = %v, want launch error", err)
			}
		})
	}
}

func TestLaunch_StartFailureRemovesContainer(t *testing.T) {
	t.Parallel()
	fake := &fakeDocker{imagePresent: true, startErr: errors.New("oci runtime error")}
	r := newRuntime(fake, Config{})

	if _, err := r.Launch(context.Background(), testSpec()); err == nil {
		t.Fatal("expected error")
	}
	if len(fake.removed) != 1 || fake.removed[0] != "c0ffee" {
		t.Errorf("removed = %v, want [c0ffee]", fake.removed)
	}
}

func TestLaunch_PullsWithRetry(t *testing.T) {
	t.Parallel()
	fake := &fakeDocker{pullErrs: []error{errors.New("registry timeout"), nil}}
	r := newRuntime(fake, Config{PullImage: true, PullAttempts: 3})
	r.pullBackoff = backoff.Config{Initial: time.Millisecond, Max: time.Millisecond}

	if _, err := r.Launch(context.Background(), testSpec()); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if fake.pulls != 2 {
		t.Errorf("pulls = %d, want 2", fake.pulls)
	}
}

func TestLaunch_BreakerRejectsAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	fake := &fakeDocker{imagePresent: true, createErr: errors.New("daemon overloaded")}
	r := newRuntime(fake, Config{BreakerThreshold: 2, BreakerCooldown: time.Hour})

	for range 2 {
		if _, err := r.Launch(context.Background(), testSpec()); !errors.Is(err, apperrors.ErrLaunch) {
			t.Fatalf("Launch() error = %v, want launch error", err)
		}
	}
	_, err := r.Launch(context.Background(), testSpec())
	if !errors.Is(err, apperrors.ErrLaunch) || !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("Launch() error = %v, want launch error wrapping ErrOpen", err)
	}
	if fake.creates != 2 {
		t.Errorf("creates = %d, want 2", fake.creates)
	}
}

func TestLaunch_CancelledLaunchesDoNotTripBreaker(t *testing.T) {
	t.Parallel()
	fake := &fakeDocker{imagePresent: true, createErr: context.Canceled}
	r := newRuntime(fake, Config{BreakerThreshold: 1, BreakerCooldown: time.Hour})

	for range 3 {
		if _, err := r.Launch(context.Background(), testSpec()); errors.Is(err, circuitbreaker.ErrOpen) {
			t.Fatalf("Launch() error = %v, breaker should stay closed", err)
		}
	}
	if fake.creates != 3 {
		t.Errorf("creates = %d, want 3", fake.creates)
	}
}

func TestStreamLogs_Demultiplexes(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	stdout := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	stderr := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
	fmt.Fprint(stdout, "day 1 of 365\nday 2 ")
	fmt.Fprint(stdout, "of 365\n")
	fmt.Fprint(stderr, "WARNING: projection\r\n")
	fmt.Fprint(stdout, "done")

	r := newRuntime(&fakeDocker{logs: buf.Bytes()}, Config{})

	var lines []string
	for line, err := range r.StreamLogs(context.Background(), runtime.Handle{ID: "c0ffee"}) {
		if err != nil {
			t.Fatalf("StreamLogs() error = %v", err)
		}
		lines = append(lines, line)
	}
	want := "day 1 of 365|day 2 of 365|WARNING: projection|done"
	if got := strings.Join(lines, "|"); got != want {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestStreamLogs_EarlyBreak(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	for i := range 100 {
		fmt.Fprintf(w, "line %d\n", i)
	}
	r := newRuntime(&fakeDocker{logs: buf.Bytes()}, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range r.StreamLogs(context.Background(), runtime.Handle{ID: "c0ffee"}) {
			break
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("StreamLogs did not return after consumer stopped")
	}
}

func TestWait_ReturnsExitCode(t *testing.T) {
	t.Parallel()
	r := newRuntime(&fakeDocker{exitCode: 3}, Config{})

	code, err := r.Wait(context.Background(), runtime.Handle{ID: "c0ffee"})
	if err != nil {
		t.Fatal(err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestStopRemove_NotFoundIsSuccess(t *testing.T) {
	t.Parallel()
	gone := fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound)
	fake := &fakeDocker{stopErr: gone, removeErr: gone}
	r := newRuntime(fake, Config{})
	h := runtime.Handle{ID: "c0ffee"}

	if err := r.Stop(context.Background(), h); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := r.Remove(context.Background(), h); err != nil {
		t.Errorf("Remove() error = %v", err)
	}

	fake.removeErr = errors.New("daemon unavailable")
	if err := r.Remove(context.Background(), h); err == nil {
		t.Error("Remove() should surface other errors")
	}
}

func TestStopRemove_EmptyHandle(t *testing.T) {
	t.Parallel()
	fake := &fakeDocker{}
	r := newRuntime(fake, Config{})

	if err := r.Stop(context.Background(), runtime.Handle{}); err != nil {
		t.Error(err)
	}
	if err := r.Remove(context.Background(), runtime.Handle{}); err != nil {
		t.Error(err)
	}
	if len(fake.stopped)+len(fake.removed) != 0 {
		t.Error("empty handle should not reach the daemon")
	}
}

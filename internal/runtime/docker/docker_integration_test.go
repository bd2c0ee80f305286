//go:build integration

package docker

import (
	"context"
	"eemt-orchestrator/internal/runtime"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testImage = "alpine:latest"

func newIntegrationRuntime(t *testing.T) *Runtime {
	t.Helper()
	r, err := New(Config{PullImage: true, StopTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		t.Skipf("docker daemon unavailable: %v", err)
	}
	return r
}

func TestRuntime_RunToCompletion(t *testing.T) {
	r := newIntegrationRuntime(t)
	ctx := context.Background()

	out := t.TempDir()
	h, err := r.Launch(ctx, runtime.Spec{
		Name:    fmt.Sprintf("runtime-test-%d", time.Now().UnixNano()),
		Image:   testImage,
		Command: []string{"/bin/sh", "-c", `for i in 1 2 3; do echo "day $i of 3"; done; echo oops >&2; echo ok > /data/output/result.txt`},
		Env:     map[string]string{"EEMT_JOB_ID": "it"},
		Mounts:  []runtime.Mount{{HostPath: out, ContainerPath: "/data/output"}},
		CPUs:    1,
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer r.Remove(context.Background(), h)

	var lines []string
	for line, err := range r.StreamLogs(ctx, h) {
		if err != nil {
			t.Fatalf("StreamLogs() error = %v", err)
		}
		lines = append(lines, line)
	}

	code, err := r.Wait(ctx, h)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "day 3 of 3") || !strings.Contains(joined, "oops") {
		t.Errorf("logs = %q", joined)
	}
	if data, err := os.ReadFile(filepath.Join(out, "result.txt")); err != nil || strings.TrimSpace(string(data)) != "ok" {
		t.Errorf("result.txt = %q, %v", data, err)
	}
}

func TestRuntime_NonZeroExit(t *testing.T) {
	r := newIntegrationRuntime(t)
	ctx := context.Background()

	h, err := r.Launch(ctx, runtime.Spec{
		Name:    fmt.Sprintf("runtime-exit-%d", time.Now().UnixNano()),
		Image:   testImage,
		Command: []string{"/bin/sh", "-c", "echo failing; exit 1"},
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer r.Remove(context.Background(), h)

	code, err := r.Wait(ctx, h)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestRuntime_StopRunningAndIdempotentTeardown(t *testing.T) {
	r := newIntegrationRuntime(t)
	ctx := context.Background()

	h, err := r.Launch(ctx, runtime.Spec{
		Name:    fmt.Sprintf("runtime-stop-%d", time.Now().UnixNano()),
		Image:   testImage,
		Command: []string{"sleep", "300"},
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	if err := r.Stop(ctx, h); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := r.Remove(ctx, h); err != nil {
		t.Errorf("Remove() error = %v", err)
	}
	if err := r.Stop(ctx, h); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if err := r.Remove(ctx, h); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestRuntime_MissingImageIsLaunchError(t *testing.T) {
	r := newIntegrationRuntime(t)
	r.pullImage = false

	_, err := r.Launch(context.Background(), runtime.Spec{
		Name:  fmt.Sprintf("runtime-missing-%d", time.Now().UnixNano()),
		Image: "eemt-does-not-exist:never",
	})
	if err == nil {
		t.Fatal("expected launch error for missing image")
	}
}

// Package runtimetest provides a scriptable in-memory runtime.Runtime.
package runtimetest

import (
	"context"
	"eemt-orchestrator/internal/runtime"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
)

// Script describes how a launched container behaves.
type Script struct {
	Lines    []string
	ExitCode int
	// LaunchErr fails Launch without creating a container.
	LaunchErr error
	// HangLaunch makes Launch block until its context ends, like a daemon
	// that stopped answering.
	HangLaunch bool
	// Block keeps the container running after its lines until Stop is called.
	Block bool
	// Release, when non-nil, holds the container after its lines until the
	// channel is closed.
	Release <-chan struct{}
}

// Container is the fake's record of one launched container.
type Container struct {
	Handle runtime.Handle
	Spec   runtime.Spec

	script  Script
	stop    chan struct{}
	stopped atomic.Bool
	removed atomic.Bool
	once    sync.Once
}

// Stopped reports whether Stop was called.
func (c *Container) Stopped() bool { return c.stopped.Load() }

// Removed reports whether Remove was called.
func (c *Container) Removed() bool { return c.removed.Load() }

// Fake is a runtime.Runtime whose containers follow a Script chosen per launch.
type Fake struct {
	// ScriptFor picks the script for a spec. Defaults to DefaultScript.
	ScriptFor     func(spec runtime.Spec) Script
	DefaultScript Script
	PingErr       error

	mu         sync.Mutex
	seq        int
	containers map[string]*Container
	launched   []*Container
}

// New returns a Fake that runs script for every launch.
func New(script Script) *Fake {
	return &Fake{DefaultScript: script}
}

func (f *Fake) Launch(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	script := f.DefaultScript
	if f.ScriptFor != nil {
		script = f.ScriptFor(spec)
	}
	if script.HangLaunch {
		<-ctx.Done()
		return runtime.Handle{}, fmt.Errorf("launch %s: %w", spec.Name, ctx.Err())
	}
	if script.LaunchErr != nil {
		return runtime.Handle{}, script.LaunchErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.containers == nil {
		f.containers = make(map[string]*Container)
	}
	f.seq++
	h := runtime.Handle{ID: fmt.Sprintf("fake-%d", f.seq), Name: spec.Name}
	c := &Container{Handle: h, Spec: spec, script: script, stop: make(chan struct{})}
	f.containers[h.ID] = c
	f.launched = append(f.launched, c)
	return h, nil
}

func (f *Fake) container(h runtime.Handle) (*Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[h.ID]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", h.ID)
	}
	return c, nil
}

func (f *Fake) StreamLogs(ctx context.Context, h runtime.Handle) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		c, err := f.container(h)
		if err != nil {
			yield("", err)
			return
		}
		for _, line := range c.script.Lines {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			default:
			}
			if !yield(line, nil) {
				return
			}
		}
		c.hold(ctx)
	}
}

// hold blocks while the script keeps the container alive.
func (c *Container) hold(ctx context.Context) {
	switch {
	case c.script.Block:
		select {
		case <-ctx.Done():
		case <-c.stop:
		}
	case c.script.Release != nil:
		select {
		case <-ctx.Done():
		case <-c.stop:
		case <-c.script.Release:
		}
	}
}

func (f *Fake) Wait(ctx context.Context, h runtime.Handle) (int, error) {
	c, err := f.container(h)
	if err != nil {
		return -1, err
	}
	c.hold(ctx)
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if c.Stopped() {
		return 137, nil
	}
	return c.script.ExitCode, nil
}

func (f *Fake) Stop(_ context.Context, h runtime.Handle) error {
	c, err := f.container(h)
	if err != nil {
		return nil
	}
	c.stopped.Store(true)
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (f *Fake) Remove(_ context.Context, h runtime.Handle) error {
	c, err := f.container(h)
	if err != nil {
		return nil
	}
	c.removed.Store(true)
	return nil
}

func (f *Fake) Ping(context.Context) error { return f.PingErr }

// Launched returns every container started so far, in order.
func (f *Fake) Launched() []*Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Container, len(f.launched))
	copy(out, f.launched)
	return out
}

// Get returns the container behind a handle ID.
func (f *Fake) Get(id string) (*Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	return c, ok
}

var _ runtime.Runtime = (*Fake)(nil)

package store

import (
	"context"
	"eemt-orchestrator/internal/job"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) job.Store

func newMemoryStore(t *testing.T) job.Store {
	return NewMemory()
}

func newSQLiteStore(t *testing.T) job.Store {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreConformance(t, newMemoryStore)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	runStoreConformance(t, newSQLiteStore)
}

// runStoreConformance exercises the job.Store contract shared by every backend.
func runStoreConformance(t *testing.T, factory storeFactory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		j := job.New("job-1", job.KindSolar, job.Parameters{"step": 15, "num_threads": 4}, "uploads/job-1/dem.tif", t0)
		require.NoError(t, s.Create(ctx, j))

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, got.Status)
		assert.Equal(t, job.KindSolar, got.Kind)
		assert.Equal(t, job.Parameters{"step": 15, "num_threads": 4}, got.Parameters)
		assert.Equal(t, "uploads/job-1/dem.tif", got.InputRef)
		assert.True(t, got.CreatedAt.Equal(t0))
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
		assert.Nil(t, got.DataReclaimedAt)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		require.NoError(t, s.Create(ctx, job.New("dup", job.KindSolar, nil, "", t0)))
		err := s.Create(ctx, job.New("dup", job.KindEEMT, nil, "", t0))
		assert.ErrorIs(t, err, job.ErrExists)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := factory(t)
		_, err := s.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, job.ErrNotFound)
	})

	t.Run("UpdatePersistsLifecycle", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, job.New("life", job.KindEEMT, job.Parameters{"start_year": 2020}, "", t0)))

		started := t0.Add(time.Minute)
		_, err := s.Update(ctx, "life", func(j *job.Job) error {
			if err := j.Start(started); err != nil {
				return err
			}
			j.ContainerRef = "abc123"
			return nil
		})
		require.NoError(t, err)

		_, err = s.Update(ctx, "life", func(j *job.Job) error {
			_, err := j.AdvanceProgress(42)
			return err
		})
		require.NoError(t, err)

		done := t0.Add(time.Hour)
		updated, err := s.Update(ctx, "life", func(j *job.Job) error {
			return j.Fail(done, "exit code 1")
		})
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, updated.Status)

		got, err := s.Get(ctx, "life")
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, 42, got.Progress)
		assert.Equal(t, "exit code 1", got.ErrorDetail)
		assert.Equal(t, "abc123", got.ContainerRef)
		require.NotNil(t, got.StartedAt)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.StartedAt.Equal(started))
		assert.True(t, got.CompletedAt.Equal(done))
	})

	t.Run("UpdateErrorLeavesRecordUnchanged", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, job.New("keep", job.KindSolar, nil, "", t0)))

		boom := errors.New("boom")
		_, err := s.Update(ctx, "keep", func(j *job.Job) error {
			j.Progress = 99
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = s.Update(ctx, "keep", func(j *job.Job) error {
			return j.Complete(t0)
		})
		assert.ErrorIs(t, err, job.ErrInvalidTransition)

		got, err := s.Get(ctx, "keep")
		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, got.Status)
		assert.Equal(t, 0, got.Progress)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := factory(t)
		_, err := s.Update(context.Background(), "ghost", func(*job.Job) error { return nil })
		assert.ErrorIs(t, err, job.ErrNotFound)
	})

	t.Run("ConcurrentProgressUpdates", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, job.New("race", job.KindSolar, nil, "", t0)))
		_, err := s.Update(ctx, "race", func(j *job.Job) error { return j.Start(t0) })
		require.NoError(t, err)

		var wg sync.WaitGroup
		for p := 1; p <= 20; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				_, err := s.Update(ctx, "race", func(j *job.Job) error {
					_, err := j.AdvanceProgress(p * 5)
					return err
				})
				assert.NoError(t, err)
			}(p)
		}
		wg.Wait()

		got, err := s.Get(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, 100, got.Progress)
	})

	t.Run("ListNewestFirstWithFilterAndLimit", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		for i := range 5 {
			j := job.New(fmt.Sprintf("job-%d", i), job.KindSolar, nil, "", t0.Add(time.Duration(i)*time.Minute))
			require.NoError(t, s.Create(ctx, j))
		}
		_, err := s.Update(ctx, "job-3", func(j *job.Job) error { return j.Start(t0) })
		require.NoError(t, err)

		all, err := s.List(ctx, job.ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "job-4", all[0].ID)
		assert.Equal(t, "job-0", all[4].ID)

		limited, err := s.List(ctx, job.ListFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "job-4", limited[0].ID)
		assert.Equal(t, "job-3", limited[1].ID)

		running, err := s.List(ctx, job.ListFilter{Status: job.StatusRunning})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "job-3", running[0].ID)
	})

	t.Run("ListReclaimableAndActive", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		for _, id := range []string{"pending", "running", "completed", "failed", "reclaimed"} {
			require.NoError(t, s.Create(ctx, job.New(id, job.KindSolar, nil, "", t0)))
		}
		mustUpdate := func(id string, fn job.UpdateFunc) {
			_, err := s.Update(ctx, id, fn)
			require.NoError(t, err)
		}
		for _, id := range []string{"running", "completed", "failed", "reclaimed"} {
			mustUpdate(id, func(j *job.Job) error { return j.Start(t0) })
		}
		mustUpdate("completed", func(j *job.Job) error { return j.Complete(t0.Add(2 * time.Hour)) })
		mustUpdate("failed", func(j *job.Job) error { return j.Fail(t0.Add(time.Hour), "boom") })
		mustUpdate("reclaimed", func(j *job.Job) error {
			if err := j.Complete(t0.Add(time.Hour)); err != nil {
				return err
			}
			return j.MarkReclaimed(t0.Add(3 * time.Hour))
		})

		reclaimable, err := s.ListReclaimable(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"completed", "failed"}, ids(reclaimable))

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"pending", "running"}, ids(active))

		got, err := s.Get(ctx, "reclaimed")
		require.NoError(t, err)
		require.NotNil(t, got.DataReclaimedAt)
		assert.True(t, got.Reclaimed())
	})

	t.Run("Ping", func(t *testing.T) {
		s := factory(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func ids(jobs []*job.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func TestMemory_ReturnsCopies(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	j := job.New("copy", job.KindSolar, job.Parameters{"step": 15}, "", t0)
	require.NoError(t, s.Create(ctx, j))
	j.Parameters["step"] = 60

	got, err := s.Get(ctx, "copy")
	require.NoError(t, err)
	got.Status = job.StatusFailed
	got.Parameters["step"] = 30

	again, err := s.Get(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, again.Status)
	assert.Equal(t, float64(15), again.Parameters["step"])
}

func TestSQLite_ReopenKeepsRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "jobs.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, job.New("persist", job.KindEEMT, job.Parameters{"end_year": 2021}, "", t0)))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "persist")
	require.NoError(t, err)
	assert.Equal(t, job.KindEEMT, got.Kind)
	assert.Equal(t, float64(2021), got.Parameters["end_year"])
}

func TestOpen_Drivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem, err := Open(ctx, Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, mem)

	lite, err := Open(ctx, Config{Driver: DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	defer lite.Close()
	assert.IsType(t, &SQLite{}, lite)

	_, err = Open(ctx, Config{Driver: DriverPostgres})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Driver: "mongo"})
	assert.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("SQLITE_PATH", "")
	t.Setenv("DATABASE_MAX_CONNS", "4")

	cfg := LoadConfigFromEnv("/srv/data")
	assert.Equal(t, DriverSQLite, cfg.Driver)
	assert.Equal(t, filepath.Join("/srv/data", "jobs.db"), cfg.SQLitePath)
	assert.Equal(t, int32(4), cfg.MaxConns)
}

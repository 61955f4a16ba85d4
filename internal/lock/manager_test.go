package lock

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/convoy/internal/audit"
	"github.com/mattjoyce/convoy/internal/procutil"
	"github.com/mattjoyce/convoy/internal/storage"
)

type fixture struct {
	dir      string
	registry Registry
	audit    *audit.Memory
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, registry Registry) *fixture {
	t.Helper()
	return &fixture{
		dir:      filepath.Join(t.TempDir(), "locks"),
		registry: registry,
		audit:    &audit.Memory{},
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
}

func (f *fixture) manager(t *testing.T, alive func(int) bool) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Dir:            f.dir,
		Registry:       f.registry,
		Audit:          f.audit,
		Checker:        procutil.CheckerFunc(alive),
		MaxLockAge:     time.Hour,
		AcquireTimeout: 200 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		Now:            f.clock.Now,
	})
	require.NoError(t, err)
	return m
}

func allAlive(int) bool  { return true }
func noneAlive(int) bool { return false }

func registries(t *testing.T) map[string]func(t *testing.T) Registry {
	return map[string]func(t *testing.T) Registry{
		"memory": func(t *testing.T) Registry { return NewMemoryRegistry() },
		"sqlite": func(t *testing.T) Registry {
			db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "convoy.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return NewSQLiteRegistry(db)
		},
	}
}

func countActive(t *testing.T, r Registry, groupID string) int {
	t.Helper()
	recs, err := r.List(context.Background(), Filter{GroupID: groupID, Status: StatusActive})
	require.NoError(t, err)
	return len(recs)
}

func TestAcquireRelease(t *testing.T) {
	for name, mk := range registries(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, mk(t))
			m := f.manager(t, allAlive)
			ctx := context.Background()

			require.NoError(t, m.Acquire(ctx, "api", time.Second))
			assert.True(t, m.Held("api"))
			assert.Equal(t, 1, countActive(t, f.registry, "api"))

			b, err := os.ReadFile(m.Path("api"))
			require.NoError(t, err)
			assert.Equal(t, os.Getpid(), atoiTrim(t, string(b)))

			require.NoError(t, m.Release(ctx, "api"))
			assert.False(t, m.Held("api"))
			assert.Equal(t, 0, countActive(t, f.registry, "api"))

			recs, err := f.registry.List(ctx, Filter{GroupID: "api"})
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, StatusReleased, recs[0].Status)
			assert.NotNil(t, recs[0].ReleasedAt)

			assert.Len(t, f.audit.OfKind(audit.KindLockAcquired), 1)
			assert.Len(t, f.audit.OfKind(audit.KindLockReleased), 1)
		})
	}
}

func TestAcquireTwiceSameManager(t *testing.T) {
	f := newFixture(t, NewMemoryRegistry())
	m := f.manager(t, allAlive)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "api", time.Second))
	err := m.Acquire(ctx, "api", time.Second)
	assert.ErrorIs(t, err, ErrAlreadyHeld)
}

func TestAcquireEmptyKey(t *testing.T) {
	f := newFixture(t, NewMemoryRegistry())
	m := f.manager(t, allAlive)
	assert.ErrorIs(t, m.Acquire(context.Background(), "", time.Second), ErrEmptyKey)
}

func TestAcquireTimesOutWhileHeldElsewhere(t *testing.T) {
	for name, mk := range registries(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, mk(t))
			holder := f.manager(t, allAlive)
			waiter := f.manager(t, allAlive)
			ctx := context.Background()

			require.NoError(t, holder.Acquire(ctx, "api", time.Second))

			start := time.Now()
			err := waiter.Acquire(ctx, "api", 100*time.Millisecond)
			require.Error(t, err)
			assert.True(t, IsTimeout(err))
			var terr *TimeoutError
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, "LOCK_TIMEOUT", terr.Reason())
			assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

			assert.Equal(t, 1, countActive(t, f.registry, "api"))
			assert.Len(t, f.audit.OfKind(audit.KindLockTimeout), 1)
		})
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	f := newFixture(t, NewMemoryRegistry())
	holder := f.manager(t, allAlive)
	waiter := f.manager(t, allAlive)
	ctx := context.Background()

	require.NoError(t, holder.Acquire(ctx, "api", time.Second))
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = holder.Release(ctx, "api")
	}()

	require.NoError(t, waiter.Acquire(ctx, "api", 2*time.Second))
	assert.Equal(t, 1, countActive(t, f.registry, "api"))
}

func TestAcquireHonoursContext(t *testing.T) {
	f := newFixture(t, NewMemoryRegistry())
	holder := f.manager(t, allAlive)
	waiter := f.manager(t, allAlive)

	require.NoError(t, holder.Acquire(context.Background(), "api", time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := waiter.Acquire(ctx, "api", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMutualExclusionUnderContention(t *testing.T) {
	for name, mk := range registries(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, mk(t))
			ctx := context.Background()

			var inside, maxInside atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 6; i++ {
				m := f.manager(t, allAlive)
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := m.Acquire(ctx, "shared", 5*time.Second); err != nil {
						t.Errorf("acquire: %v", err)
						return
					}
					n := inside.Add(1)
					for {
						cur := maxInside.Load()
						if n <= cur || maxInside.CompareAndSwap(cur, n) {
							break
						}
					}
					if active := countActive(t, f.registry, "shared"); active != 1 {
						t.Errorf("expected exactly one ACTIVE record, got %d", active)
					}
					time.Sleep(5 * time.Millisecond)
					inside.Add(-1)
					_ = m.Release(ctx, "shared")
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside.Load())
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t, NewMemoryRegistry())
	holder := f.manager(t, allAlive)
	other := f.manager(t, allAlive)
	ctx := context.Background()

	// Never acquired.
	require.NoError(t, other.Release(ctx, "api"))

	require.NoError(t, holder.Acquire(ctx, "api", time.Second))
	// Another manager releasing must not flip the holder's record.
	require.NoError(t, other.Release(ctx, "api"))
	assert.Equal(t, 1, countActive(t, f.registry, "api"))
	assert.True(t, holder.Held("api"))

	require.NoError(t, holder.Release(ctx, "api"))
	require.NoError(t, holder.Release(ctx, "api"))
	assert.Equal(t, 0, countActive(t, f.registry, "api"))
}

func TestReleaseAll(t *testing.T) {
	f := newFixture(t, NewMemoryRegistry())
	m := f.manager(t, allAlive)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "a", time.Second))
	require.NoError(t, m.Acquire(ctx, "b", time.Second))
	require.NoError(t, m.ReleaseAll(ctx))

	active, err := f.registry.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestAcquireSupersedesDeadHoldersRecord(t *testing.T) {
	for name, mk := range registries(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, mk(t))
			ctx := context.Background()

			// A holder that died without releasing: its record is ACTIVE but the
			// kernel has dropped its flock.
			_, err := f.registry.Claim(ctx, Record{ID: "dead", LockID: "api", GroupID: "api", OwnerPID: 999999, AcquiredAt: f.clock.Now()})
			require.NoError(t, err)

			m := f.manager(t, allAlive)
			require.NoError(t, m.Acquire(ctx, "api", time.Second))
			assert.Equal(t, 1, countActive(t, f.registry, "api"))

			recs, err := f.registry.List(ctx, Filter{GroupID: "api", Status: StatusOrphanCleaned})
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "dead", recs[0].ID)
			assert.Len(t, f.audit.OfKind(audit.KindOrphanCleaned), 1)
		})
	}
}

func TestScanReclaimsOrphan(t *testing.T) {
	for name, mk := range registries(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, mk(t))
			ctx := context.Background()

			_, err := f.registry.Claim(ctx, Record{ID: "orphan", LockID: "api", GroupID: "api", OwnerPID: 424242, AcquiredAt: f.clock.Now()})
			require.NoError(t, err)
			require.NoError(t, os.MkdirAll(f.dir, 0o755))
			m := f.manager(t, noneAlive)
			require.NoError(t, os.WriteFile(m.Path("api"), []byte("424242\n"), 0o644))

			// Young locks are left alone even with a dead owner.
			report, err := m.ScanForDeadlocks(ctx)
			require.NoError(t, err)
			assert.Empty(t, report.Reclaimed)

			f.clock.Advance(2 * time.Hour)
			report, err = m.ScanForDeadlocks(ctx)
			require.NoError(t, err)
			require.Len(t, report.Reclaimed, 1)
			assert.Equal(t, StatusOrphanCleaned, report.Reclaimed[0].Status)

			_, statErr := os.Stat(m.Path("api"))
			assert.True(t, os.IsNotExist(statErr))
			assert.Equal(t, 0, countActive(t, f.registry, "api"))

			// A subsequent acquire succeeds without waiting out a holder.
			require.NoError(t, m.Acquire(ctx, "api", 50*time.Millisecond))
		})
	}
}

func TestScanLeavesLiveHolderAlone(t *testing.T) {
	f := newFixture(t, NewMemoryRegistry())
	ctx := context.Background()

	holder := f.manager(t, allAlive)
	require.NoError(t, holder.Acquire(ctx, "api", time.Second))

	f.clock.Advance(3 * time.Hour)
	scanner := f.manager(t, allAlive)
	report, err := scanner.ScanForDeadlocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Reclaimed)
	require.Len(t, report.Stale, 1)
	assert.Equal(t, 1, countActive(t, f.registry, "api"))
	assert.Len(t, f.audit.OfKind(audit.KindStaleLock), 1)
	assert.True(t, holder.Held("api"))
}

func TestScanSkipsOwnRecords(t *testing.T) {
	f := newFixture(t, NewMemoryRegistry())
	ctx := context.Background()

	m := f.manager(t, noneAlive)
	require.NoError(t, m.Acquire(ctx, "api", time.Second))
	f.clock.Advance(3 * time.Hour)

	report, err := m.ScanForDeadlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Empty(t, report.Reclaimed)
	assert.Empty(t, report.Stale)
}

func TestScanMarksTimeoutWhenOwnerAliveButLockFree(t *testing.T) {
	f := newFixture(t, NewMemoryRegistry())
	ctx := context.Background()

	_, err := f.registry.Claim(ctx, Record{ID: "reused", LockID: "api", GroupID: "api", OwnerPID: 1, AcquiredAt: f.clock.Now()})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	m := f.manager(t, allAlive)
	report, err := m.ScanForDeadlocks(ctx)
	require.NoError(t, err)
	require.Len(t, report.Reclaimed, 1)
	assert.Equal(t, StatusTimeout, report.Reclaimed[0].Status)
}

func TestForceReleaseAll(t *testing.T) {
	for name, mk := range registries(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, mk(t))
			ctx := context.Background()

			a := f.manager(t, allAlive)
			b := f.manager(t, allAlive)
			require.NoError(t, a.Acquire(ctx, "x", time.Second))
			require.NoError(t, b.Acquire(ctx, "y", time.Second))

			n, err := a.ForceReleaseAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.False(t, a.Held("x"))

			files, err := filepath.Glob(filepath.Join(f.dir, "*.lock"))
			require.NoError(t, err)
			assert.Empty(t, files)

			recs, err := f.registry.List(ctx, Filter{Status: StatusForceReleased})
			require.NoError(t, err)
			assert.Len(t, recs, 2)

			// b's later release is a warning-level no-op on the record.
			require.NoError(t, b.Release(ctx, "y"))
			recs, err = f.registry.List(ctx, Filter{GroupID: "y"})
			require.NoError(t, err)
			assert.Equal(t, StatusForceReleased, recs[0].Status)
		})
	}
}

func TestForceReleaseSingleGroup(t *testing.T) {
	for name, mk := range registries(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, mk(t))
			ctx := context.Background()

			a := f.manager(t, allAlive)
			b := f.manager(t, allAlive)
			require.NoError(t, a.Acquire(ctx, "x", time.Second))
			require.NoError(t, a.Acquire(ctx, "y", time.Second))

			n, err := b.ForceRelease(ctx, "x")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			assert.NoFileExists(t, filepath.Join(f.dir, FileName("x")))
			assert.FileExists(t, filepath.Join(f.dir, FileName("y")))

			require.NoError(t, b.Acquire(ctx, "x", time.Second))
			assert.True(t, b.Held("x"))

			n, err = b.ForceRelease(ctx, "missing")
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Len(t, f.audit.OfKind(audit.KindForceRelease), 2)
		})
	}
}

func TestGuardExitReleasesOnSignal(t *testing.T) {
	f := newFixture(t, NewMemoryRegistry())
	m := f.manager(t, allAlive)
	ctx := context.Background()

	exited := make(chan int, 1)
	m.exit = func(code int) { exited <- code }

	require.NoError(t, m.Acquire(ctx, "api", time.Second))
	stop := m.GuardExit(ctx)
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case code := <-exited:
		assert.Equal(t, 128+int(syscall.SIGTERM), code)
	case <-time.After(2 * time.Second):
		t.Fatal("guard did not run")
	}
	assert.False(t, m.Held("api"))
	assert.Equal(t, 0, countActive(t, f.registry, "api"))
}

func TestGuardExitStopReleases(t *testing.T) {
	f := newFixture(t, NewMemoryRegistry())
	m := f.manager(t, allAlive)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "api", time.Second))
	stop := m.GuardExit(ctx)
	stop()
	stop()
	assert.False(t, m.Held("api"))
}

func atoiTrim(t *testing.T, s string) int {
	t.Helper()
	var n int
	for _, r := range strings.TrimSpace(s) {
		require.True(t, r >= '0' && r <= '9', "unexpected pid content %q", s)
		n = n*10 + int(r-'0')
	}
	return n
}

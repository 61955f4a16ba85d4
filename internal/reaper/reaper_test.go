package reaper

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/convoy/internal/events"
	"github.com/mattjoyce/convoy/internal/lock"
	"github.com/mattjoyce/convoy/internal/procutil"
	"github.com/mattjoyce/convoy/internal/reaper/mocks"
)

// NewTestSlogger creates a new *slog.Logger that writes to a buffer.
func NewTestSlogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func TestCalculateJitteredInterval(t *testing.T) {
	tests := []struct {
		name   string
		base   time.Duration
		jitter time.Duration
	}{
		{name: "No Jitter", base: time.Minute, jitter: 0},
		{name: "Small Jitter", base: 30 * time.Second, jitter: 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				got := calculateJitteredInterval(tt.base, tt.jitter)
				assert.GreaterOrEqual(t, got, tt.base)
				assert.LessOrEqual(t, got, tt.base+tt.jitter)
			}
		})
	}
}

func TestStartScansImmediately(t *testing.T) {
	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockScanner(ctrl)
	logger, logBuf := NewTestSlogger()
	hub := events.NewHub(16)

	reclaimed := lock.Record{ID: "r1", LockID: "api", GroupID: "api", OwnerPID: 4242, Status: lock.StatusOrphanCleaned}
	scanner.EXPECT().ScanForDeadlocks(gomock.Any()).
		Return(lock.ScanReport{Scanned: 2, Reclaimed: []lock.Record{reclaimed}}, nil)
	scanner.EXPECT().ScanForDeadlocks(gomock.Any()).Return(lock.ScanReport{}, nil).AnyTimes()

	r := New(scanner, time.Hour, 0, hub, logger)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	st := r.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Passes)
	assert.Equal(t, 2, st.LastReport.Scanned)
	assert.Contains(t, logBuf.String(), "Reclaimed abandoned lock")

	var kinds []string
	for _, ev := range hub.Recent(0) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{"reaper.tick", "reaper.reclaimed"}, kinds)
}

func TestStartFailsWhenStartupScanFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockScanner(ctrl)
	logger, _ := NewTestSlogger()

	scanner.EXPECT().ScanForDeadlocks(gomock.Any()).Return(lock.ScanReport{}, errors.New("db error"))

	r := New(scanner, time.Hour, 0, nil, logger)
	err := r.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reaper startup scan failed: db error")
	assert.Equal(t, "db error", r.Status().LastError)
	assert.False(t, r.Status().Running)
}

func TestTickLoopKeepsScanning(t *testing.T) {
	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockScanner(ctrl)
	logger, _ := NewTestSlogger()

	calls := make(chan struct{}, 16)
	scanner.EXPECT().ScanForDeadlocks(gomock.Any()).DoAndReturn(func(context.Context) (lock.ScanReport, error) {
		calls <- struct{}{}
		return lock.ScanReport{}, nil
	}).MinTimes(3)

	r := New(scanner, 10*time.Millisecond, 0, nil, logger)
	require.NoError(t, r.Start(context.Background()))
	for range 3 {
		select {
		case <-calls:
		case <-time.After(5 * time.Second):
			t.Fatal("reaper stopped scanning")
		}
	}
	r.Stop()
	assert.False(t, r.Status().Running)
	assert.GreaterOrEqual(t, r.Status().Passes, 3)
}

func TestReaperReclaimsDeadOwnerWithRealManager(t *testing.T) {
	dir := t.TempDir()
	reg := lock.NewMemoryRegistry()
	logger, _ := NewTestSlogger()

	old := time.Now().UTC().Add(-3 * time.Hour)
	_, err := reg.Claim(context.Background(), lock.Record{
		ID: "ghost", LockID: "build", GroupID: "build", OwnerPID: 999999, AcquiredAt: old, Status: lock.StatusActive,
	})
	require.NoError(t, err)

	m, err := lock.NewManager(lock.Options{
		Dir:        dir,
		Registry:   reg,
		Checker:    procutil.CheckerFunc(func(int) bool { return false }),
		MaxLockAge: time.Hour,
		Logger:     logger,
	})
	require.NoError(t, err)

	r := New(m, time.Hour, 0, nil, logger)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	st := r.Status()
	require.Len(t, st.LastReport.Reclaimed, 1)
	assert.Equal(t, "ghost", st.LastReport.Reclaimed[0].ID)

	recs, err := m.List(context.Background(), lock.Filter{GroupID: "build"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, lock.StatusOrphanCleaned, recs[0].Status)
	assert.NoFileExists(t, filepath.Join(dir, lock.FileName("build")))
}

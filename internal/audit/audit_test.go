package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/convoy/internal/events"
	"github.com/mattjoyce/convoy/internal/storage"
)

type failingSink struct{}

func (failingSink) Record(context.Context, Entry) error { return errors.New("boom") }

func TestMultiStampsOnceAndJoinsErrors(t *testing.T) {
	var a, b Memory
	err := Multi{&a, failingSink{}, &b}.Record(context.Background(), Entry{Kind: KindConflict})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	require.Len(t, a.Entries(), 1)
	require.Len(t, b.Entries(), 1)
	assert.Equal(t, a.Entries()[0].ID, b.Entries()[0].ID)
	assert.False(t, a.Entries()[0].At.IsZero())
}

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := LogSink{Logger: l}

	require.NoError(t, sink.Record(context.Background(), Entry{
		Kind:    KindOrphanCleaned,
		GroupID: "api",
		Fields:  map[string]any{"owner_pid": 42},
	}))

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "WARN", out["level"])
	assert.Equal(t, "orphan_cleaned", out["kind"])
	assert.Equal(t, "api", out["group_id"])
	assert.EqualValues(t, 42, out["owner_pid"])
}

func TestHubSinkPublishes(t *testing.T) {
	hub := events.NewHub(4)
	require.NoError(t, HubSink{Hub: hub}.Record(context.Background(), Entry{Kind: KindDowngrade, Phase: "build"}))

	got := hub.Recent(0)
	require.Len(t, got, 1)
	assert.Equal(t, "downgrade", got[0].Kind)
}

func TestSQLiteSinkAppendAndList(t *testing.T) {
	t.Parallel()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "convoy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sink := NewSQLiteSink(db)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Record(ctx, Entry{At: base, Kind: KindConflict, Phase: "build", Fields: map[string]any{"path_a": "src/api/*"}}))
	require.NoError(t, sink.Record(ctx, Entry{At: base.Add(time.Second), Kind: KindDowngrade, Phase: "build"}))
	require.NoError(t, sink.Record(ctx, Entry{At: base.Add(2 * time.Second), Kind: KindConflict, Phase: "test"}))

	all, err := sink.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "test", all[0].Phase)

	conflicts, err := sink.List(ctx, ListFilter{Kind: KindConflict, Phase: "build"})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "src/api/*", conflicts[0].Fields["path_a"])
}

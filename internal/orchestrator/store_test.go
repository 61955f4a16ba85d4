package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/convoy/internal/storage"
)

func stores(t *testing.T) map[string]ExecutionStore {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "convoy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]ExecutionStore{
		"memory": NewMemoryExecutionStore(),
		"sqlite": NewSQLiteExecutionStore(db),
	}
}

func TestExecutionStoreAppendAndList(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	code := 2
	ended := base.Add(3 * time.Second)

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rows := []ExecutionRecord{
				{ID: "1", ExecutionID: "e1", Phase: "build", GroupID: "api", Status: StatusStarted, StartedAt: base, RecordedAt: base},
				{ID: "2", ExecutionID: "e1", Phase: "build", GroupID: "db", Status: StatusStarted, StartedAt: base, RecordedAt: base.Add(time.Millisecond)},
				{ID: "3", ExecutionID: "e1", Phase: "build", GroupID: "db", Status: StatusFailed, Reason: "exit status 2", ExitCode: &code, StartedAt: base, EndedAt: &ended, RecordedAt: ended},
				{ID: "4", ExecutionID: "e2", Phase: "test", GroupID: "unit", Status: StatusStarted, StartedAt: ended, RecordedAt: ended.Add(time.Second)},
			}
			for _, r := range rows {
				require.NoError(t, store.Append(ctx, r))
			}

			all, err := store.List(ctx, ExecutionFilter{})
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, "4", all[0].ID, "newest first")

			db, err := store.List(ctx, ExecutionFilter{ExecutionID: "e1", GroupID: "db"})
			require.NoError(t, err)
			require.Len(t, db, 2)
			assert.Equal(t, StatusFailed, db[0].Status)
			assert.Equal(t, "exit status 2", db[0].Reason)
			require.NotNil(t, db[0].ExitCode)
			assert.Equal(t, 2, *db[0].ExitCode)
			require.NotNil(t, db[0].EndedAt)
			assert.True(t, ended.Equal(*db[0].EndedAt))
			assert.Nil(t, db[1].ExitCode)
			assert.Nil(t, db[1].EndedAt)

			limited, err := store.List(ctx, ExecutionFilter{Phase: "build", Limit: 1})
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, "3", limited[0].ID)
		})
	}
}

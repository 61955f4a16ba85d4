package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/convoy/internal/audit"
	"github.com/mattjoyce/convoy/internal/events"
	"github.com/mattjoyce/convoy/internal/lock"
	"github.com/mattjoyce/convoy/internal/orchestrator"
	"github.com/mattjoyce/convoy/internal/procutil"
	"github.com/mattjoyce/convoy/internal/ratelimit"
)

// NewTestSlogger creates a new *slog.Logger that writes to a buffer.
func NewTestSlogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

type fixture struct {
	srv   *Server
	locks *lock.Manager
	reg   *lock.MemoryRegistry
	execs *orchestrator.MemoryExecutionStore
	audit *audit.Memory
	limit *ratelimit.Limiter
	hub   *events.Hub
	logs  *bytes.Buffer
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	logger, logs := NewTestSlogger()
	reg := lock.NewMemoryRegistry()
	m, err := lock.NewManager(lock.Options{
		Dir:        t.TempDir(),
		Registry:   reg,
		Checker:    procutil.CheckerFunc(func(int) bool { return false }),
		MaxLockAge: time.Hour,
		Logger:     logger,
	})
	require.NoError(t, err)

	f := &fixture{
		locks: m,
		reg:   reg,
		execs: orchestrator.NewMemoryExecutionStore(),
		audit: &audit.Memory{},
		limit: ratelimit.New(ratelimit.Options{Store: ratelimit.NewMemoryStore(), Logger: logger}),
		hub:   events.NewHub(16),
		logs:  logs,
	}
	f.srv = New(Config{Listen: "127.0.0.1:0", Token: token}, Deps{
		Locks:      m,
		Executions: f.execs,
		Audit:      f.audit,
		Buckets:    f.limit,
		Events:     f.hub,
	}, logger)
	return f
}

func (f *fixture) do(t *testing.T, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.locks.Acquire(ctx, "api", time.Second))
	defer func() { _ = f.locks.Release(ctx, "api") }()

	rr := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[HealthzResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ActiveLocks)
	assert.Nil(t, resp.Reaper)
	assert.Contains(t, f.logs.String(), `"path":"/healthz"`)
}

func TestListLocksFilters(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.locks.Acquire(ctx, "api", time.Second))
	require.NoError(t, f.locks.Release(ctx, "api"))
	require.NoError(t, f.locks.Acquire(ctx, "db", time.Second))
	defer func() { _ = f.locks.Release(ctx, "db") }()

	resp := decode[LocksResponse](t, f.do(t, http.MethodGet, "/locks", ""))
	assert.Len(t, resp.Locks, 2)

	resp = decode[LocksResponse](t, f.do(t, http.MethodGet, "/locks?status=ACTIVE", ""))
	require.Len(t, resp.Locks, 1)
	assert.Equal(t, "db", resp.Locks[0].GroupID)

	resp = decode[LocksResponse](t, f.do(t, http.MethodGet, "/locks?group_id=api", ""))
	require.Len(t, resp.Locks, 1)
	assert.Equal(t, lock.StatusReleased, resp.Locks[0].Status)

	rr := f.do(t, http.MethodGet, "/locks?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListExecutions(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.execs.Append(ctx, orchestrator.ExecutionRecord{ID: "1", ExecutionID: "e1", Phase: "build", GroupID: "api", Status: orchestrator.StatusStarted, StartedAt: now, RecordedAt: now}))
	require.NoError(t, f.execs.Append(ctx, orchestrator.ExecutionRecord{ID: "2", ExecutionID: "e2", Phase: "test", GroupID: "unit", Status: orchestrator.StatusStarted, StartedAt: now, RecordedAt: now.Add(time.Second)}))

	resp := decode[ExecutionsResponse](t, f.do(t, http.MethodGet, "/executions?phase=test", ""))
	require.Len(t, resp.Executions, 1)
	assert.Equal(t, "unit", resp.Executions[0].GroupID)

	resp = decode[ExecutionsResponse](t, f.do(t, http.MethodGet, "/executions?execution_id=missing", ""))
	assert.NotNil(t, resp.Executions)
	assert.Empty(t, resp.Executions)
}

func TestListAudit(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.audit.Record(ctx, audit.Entry{Kind: audit.KindDowngrade, Phase: "build"}))
	require.NoError(t, f.audit.Record(ctx, audit.Entry{Kind: audit.KindExecution, Phase: "build", GroupID: "api"}))

	resp := decode[AuditResponse](t, f.do(t, http.MethodGet, "/audit?kind=downgrade", ""))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, audit.KindDowngrade, resp.Entries[0].Kind)

	rr := f.do(t, http.MethodGet, "/audit?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListBuckets(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.limit.Check(context.Background(), "deploy", 5, time.Minute)
	require.NoError(t, err)

	resp := decode[BucketsResponse](t, f.do(t, http.MethodGet, "/ratelimits", ""))
	require.Len(t, resp.Buckets, 1)
	assert.Equal(t, "deploy", resp.Buckets[0].Category)
	assert.InDelta(t, 4, resp.Buckets[0].Tokens, 0.01)
}

func TestMissingDependencyAnswers503(t *testing.T) {
	logger, _ := NewTestSlogger()
	srv := New(Config{}, Deps{}, logger)
	for _, path := range []string{"/locks", "/executions", "/audit", "/ratelimits"} {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, path)
	}
}

func TestScanRequiresToken(t *testing.T) {
	f := newFixture(t, "s3cret")

	rr := f.do(t, http.MethodPost, "/scan", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = f.do(t, http.MethodPost, "/scan", "wrong!")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/scan", "s3cret")
	require.Equal(t, http.StatusOK, rr.Code)

	kinds := []string{}
	for _, ev := range f.hub.Recent(0) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, "scan.manual")
}

func TestScanReclaimsDeadOwner(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.reg.Claim(context.Background(), lock.Record{
		ID: "ghost", LockID: "build", GroupID: "build", OwnerPID: 999999,
		AcquiredAt: time.Now().UTC().Add(-2 * time.Hour), Status: lock.StatusActive,
	})
	require.NoError(t, err)

	rr := f.do(t, http.MethodPost, "/scan", "")
	require.Equal(t, http.StatusOK, rr.Code)
	report := decode[lock.ScanReport](t, rr)
	require.Len(t, report.Reclaimed, 1)
	assert.Equal(t, "ghost", report.Reclaimed[0].ID)
}

func TestOpenAPI(t *testing.T) {
	f := newFixture(t, "tok")
	doc := decode[map[string]any](t, f.do(t, http.MethodGet, "/openapi.json", ""))
	assert.Equal(t, "3.1.0", doc["openapi"])
	paths := doc["paths"].(map[string]any)
	for _, p := range []string{"/healthz", "/locks", "/executions", "/audit", "/ratelimits", "/events", "/scan"} {
		assert.Contains(t, paths, p)
	}
	scan := paths["/scan"].(map[string]any)["post"].(map[string]any)
	assert.Contains(t, scan, "security")
}

func TestEventsReplayAndStream(t *testing.T) {
	f := newFixture(t, "")
	f.hub.Publish("lock.acquired", map[string]string{"group_id": "old"})
	second := f.hub.Publish("lock.acquired", map[string]string{"group_id": "api"})

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	frame := readFrame(t, reader)
	assert.Contains(t, frame, "id: 2\n")
	assert.Contains(t, frame, `"group_id":"api"`)
	assert.Equal(t, int64(2), second.Seq)

	f.hub.Publish("reaper.tick", map[string]int{"scanned": 3})
	frame = readFrame(t, reader)
	assert.Contains(t, frame, "event: reaper.tick\n")
	assert.Contains(t, frame, `"scanned":3`)
}

func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF && sb.Len() == 0 {
			t.Fatal("stream closed")
		}
		require.NoError(t, err)
		if strings.HasPrefix(line, ":") {
			continue
		}
		if line == "\n" {
			return sb.String()
		}
		sb.WriteString(line)
	}
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(12), parseLastEventID("12"))
}

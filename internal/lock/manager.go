package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/convoy/internal/audit"
	"github.com/mattjoyce/convoy/internal/log"
	"github.com/mattjoyce/convoy/internal/procutil"
)

const (
	DefaultAcquireTimeout = 30 * time.Second
	DefaultMaxLockAge     = 2 * time.Hour
	DefaultPollInterval   = 100 * time.Millisecond
)

// Options configures a Manager. Dir and Registry are required.
type Options struct {
	Dir            string
	Registry       Registry
	Audit          audit.Sink
	Checker        procutil.Checker
	MaxLockAge     time.Duration
	AcquireTimeout time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Manager acquires and releases group locks for the calling process and
// reclaims locks abandoned by dead processes.
type Manager struct {
	dir      string
	registry Registry
	audit    audit.Sink
	checker  procutil.Checker
	maxAge   time.Duration
	timeout  time.Duration
	poll     time.Duration
	logger   *slog.Logger
	now      func() time.Time
	pid      int
	exit     func(code int)

	mu   sync.Mutex
	held map[string]*heldLock
}

type heldLock struct {
	file     *FileLock
	recordID string
}

// NewManager validates opts and builds a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("lock directory is empty")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("lock registry is nil")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	m := &Manager{
		dir:      opts.Dir,
		registry: opts.Registry,
		audit:    opts.Audit,
		checker:  opts.Checker,
		maxAge:   opts.MaxLockAge,
		timeout:  opts.AcquireTimeout,
		poll:     opts.PollInterval,
		logger:   opts.Logger,
		now:      opts.Now,
		pid:      os.Getpid(),
		exit:     os.Exit,
		held:     make(map[string]*heldLock),
	}
	if m.audit == nil {
		m.audit = audit.Nop{}
	}
	if m.checker == nil {
		m.checker = procutil.System
	}
	if m.maxAge <= 0 {
		m.maxAge = DefaultMaxLockAge
	}
	if m.timeout <= 0 {
		m.timeout = DefaultAcquireTimeout
	}
	if m.poll <= 0 {
		m.poll = DefaultPollInterval
	}
	if m.logger == nil {
		m.logger = log.WithComponent("lock")
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m, nil
}

// Path returns the lock file used for key.
func (m *Manager) Path(key string) string {
	return filepath.Join(m.dir, FileName(key))
}

// Acquire blocks up to timeout for the exclusive lock keyed by groupID. A
// non-positive timeout uses the configured default; waits are never unbounded.
func (m *Manager) Acquire(ctx context.Context, groupID string, timeout time.Duration) error {
	if groupID == "" {
		return ErrEmptyKey
	}
	if timeout <= 0 {
		timeout = m.timeout
	}

	m.mu.Lock()
	_, already := m.held[groupID]
	m.mu.Unlock()
	if already {
		return fmt.Errorf("acquire %q: %w", groupID, ErrAlreadyHeld)
	}

	logger := m.logger.With("group_id", groupID)
	logger.Debug("acquiring lock", "timeout", timeout)

	fl, err := LockFile(ctx, m.Path(groupID), timeout, m.poll)
	if errors.Is(err, errWouldBlock) {
		terr := &TimeoutError{GroupID: groupID, Timeout: timeout}
		logger.Warn("lock acquisition timed out", "timeout", timeout)
		m.record(ctx, audit.Entry{
			Kind:    audit.KindLockTimeout,
			GroupID: groupID,
			Fields:  map[string]any{"timeout": timeout.String(), "reason": terr.Reason()},
		})
		return terr
	}
	if err != nil {
		return fmt.Errorf("acquire %q: %w", groupID, err)
	}

	rec := Record{
		ID:         uuid.NewString(),
		LockID:     groupID,
		GroupID:    groupID,
		OwnerPID:   m.pid,
		AcquiredAt: m.now(),
		Status:     StatusActive,
	}
	superseded, err := m.registry.Claim(ctx, rec)
	if err != nil {
		_ = fl.Release()
		return fmt.Errorf("record lock %q: %w", groupID, err)
	}
	for _, old := range superseded {
		logger.Warn("superseded orphaned lock record", "record_id", old.ID, "owner_pid", old.OwnerPID)
		m.record(ctx, audit.Entry{
			Kind:    audit.KindOrphanCleaned,
			GroupID: groupID,
			Fields: map[string]any{
				"record_id": old.ID,
				"owner_pid": old.OwnerPID,
				"reason":    "superseded on acquire",
			},
		})
	}

	m.mu.Lock()
	m.held[groupID] = &heldLock{file: fl, recordID: rec.ID}
	m.mu.Unlock()

	logger.Info("lock acquired", "record_id", rec.ID)
	m.record(ctx, audit.Entry{
		Kind:    audit.KindLockAcquired,
		GroupID: groupID,
		Fields:  map[string]any{"record_id": rec.ID, "owner_pid": m.pid},
	})
	return nil
}

// Release drops groupID's lock if this Manager holds it. Releasing a lock that
// is not held is a logged no-op, never an error, and never touches another
// holder's record.
func (m *Manager) Release(ctx context.Context, groupID string) error {
	m.mu.Lock()
	h, ok := m.held[groupID]
	if ok {
		delete(m.held, groupID)
	}
	m.mu.Unlock()

	logger := m.logger.With("group_id", groupID)
	if !ok {
		logger.Warn("release of lock not held by this process")
		return nil
	}

	// Close the record before the flock so the next holder never sees our
	// row still ACTIVE.
	changed, err := m.registry.Transition(ctx, h.recordID, StatusReleased, m.now())
	if ferr := h.file.Release(); ferr != nil {
		logger.Warn("closing lock file", "error", ferr)
	}
	if err != nil {
		return fmt.Errorf("mark lock %q released: %w", groupID, err)
	}
	if !changed {
		logger.Warn("lock record was already closed", "record_id", h.recordID)
	}

	logger.Info("lock released", "record_id", h.recordID)
	m.record(ctx, audit.Entry{
		Kind:    audit.KindLockReleased,
		GroupID: groupID,
		Fields:  map[string]any{"record_id": h.recordID},
	})
	return nil
}

// Held reports whether this Manager currently holds groupID.
func (m *Manager) Held(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[groupID]
	return ok
}

// ReleaseAll releases every lock held by this Manager.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.held))
	for k := range m.held {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := m.Release(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns registry records matching f.
func (m *Manager) List(ctx context.Context, f Filter) ([]Record, error) {
	return m.registry.List(ctx, f)
}

func (m *Manager) ownRecord(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.held {
		if h.recordID == id {
			return true
		}
	}
	return false
}

func (m *Manager) record(ctx context.Context, e audit.Entry) {
	if err := m.audit.Record(ctx, e); err != nil {
		m.logger.Error("failed to write audit entry", "kind", e.Kind, "error", err)
	}
}

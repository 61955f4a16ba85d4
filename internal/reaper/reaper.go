// Package reaper runs the lock deadlock scan on a fixed interval for
// long-running convoy processes.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/convoy/internal/events"
	"github.com/mattjoyce/convoy/internal/lock"
)

// DefaultInterval is used when no scan interval is configured.
const DefaultInterval = time.Minute

// Status is a snapshot of the reaper's last pass.
type Status struct {
	Running    bool            `json:"running"`
	Interval   string          `json:"interval"`
	Passes     int             `json:"passes"`
	LastScanAt time.Time       `json:"last_scan_at,omitzero"`
	LastError  string          `json:"last_error,omitempty"`
	LastReport lock.ScanReport `json:"last_report"`
}

// Reaper periodically reclaims abandoned locks.
type Reaper struct {
	scanner  Scanner
	interval time.Duration
	jitter   time.Duration
	events   *events.Hub
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	status Status
}

// New creates a Reaper. A nil hub gets a private one.
func New(scanner Scanner, interval, jitter time.Duration, hub *events.Hub, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		scanner:  scanner,
		interval: interval,
		jitter:   jitter,
		events:   hub,
		logger:   logger.With("component", "reaper"),
		stopCh:   make(chan struct{}),
		status:   Status{Interval: interval.String()},
	}
}

// Start performs one scan synchronously, then keeps scanning in the
// background until Stop or ctx cancellation.
func (r *Reaper) Start(ctx context.Context) error {
	r.logger.Info("Starting reaper", "interval", r.interval)

	// Locks left by a crash are reclaimed before we report ready.
	if err := r.tick(ctx); err != nil {
		return fmt.Errorf("reaper startup scan failed: %w", err)
	}

	r.mu.Lock()
	r.status.Running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.tickLoop(ctx)
	return nil
}

// Stop halts the loop and waits for an in-flight scan to finish.
func (r *Reaper) Stop() {
	r.logger.Info("Stopping reaper")
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	r.status.Running = false
	r.mu.Unlock()
	r.logger.Info("Reaper stopped")
}

// Status returns a copy of the latest pass summary.
func (r *Reaper) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Reaper) tickLoop(ctx context.Context) {
	defer r.wg.Done()

	timer := time.NewTimer(calculateJitteredInterval(r.interval, r.jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := r.tick(ctx); err != nil {
				r.logger.Error("deadlock scan failed", "error", err)
			}
			timer.Reset(calculateJitteredInterval(r.interval, r.jitter))
		case <-r.stopCh:
			return
		case <-ctx.Done():
			r.logger.Warn("Reaper context cancelled, stopping tick loop")
			return
		}
	}
}

// tick performs a single scan pass.
func (r *Reaper) tick(ctx context.Context) error {
	r.logger.Debug("Reaper tick")
	report, err := r.scanner.ScanForDeadlocks(ctx)
	now := time.Now().UTC()

	r.mu.Lock()
	r.status.Passes++
	r.status.LastScanAt = now
	r.status.LastReport = report
	r.status.LastError = ""
	if err != nil {
		r.status.LastError = err.Error()
	}
	r.mu.Unlock()

	r.events.Publish("reaper.tick", map[string]any{
		"at":        now,
		"scanned":   report.Scanned,
		"reclaimed": len(report.Reclaimed),
		"stale":     len(report.Stale),
	})
	if err != nil {
		return err
	}

	for _, rec := range report.Reclaimed {
		r.logger.Warn("Reclaimed abandoned lock", "group_id", rec.GroupID, "owner_pid", rec.OwnerPID, "status", rec.Status)
		r.events.Publish("reaper.reclaimed", rec)
	}
	for _, rec := range report.Stale {
		r.events.Publish("reaper.stale", rec)
	}
	if len(report.Reclaimed) == 0 && len(report.Stale) == 0 {
		r.logger.Debug("No abandoned locks found", "scanned", report.Scanned)
	}
	return nil
}

// calculateJitteredInterval adds a random delay in [0, jitter] to base.
func calculateJitteredInterval(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(jitter)+1))
}

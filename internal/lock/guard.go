package lock

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// releaseOnSignalTimeout bounds registry writes during signal-driven unwind.
const releaseOnSignalTimeout = 5 * time.Second

// GuardExit releases every held lock when the process receives SIGINT or
// SIGTERM, then exits with 128+signal. The returned stop func uninstalls the
// handler and releases whatever is still held; defer it for normal exit.
func (m *Manager) GuardExit(ctx context.Context) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			m.logger.Warn("signal received; releasing held locks", "signal", sig.String())
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseOnSignalTimeout)
			if err := m.ReleaseAll(rctx); err != nil {
				m.logger.Error("releasing locks on signal", "error", err)
			}
			cancel()
			code := 1
			if s, ok := sig.(syscall.Signal); ok {
				code = 128 + int(s)
			}
			m.exit(code)
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
			if err := m.ReleaseAll(context.WithoutCancel(ctx)); err != nil {
				m.logger.Error("releasing locks on exit", "error", err)
			}
		})
	}
}

// Package idle implements the grace-period shutdown timer that retires
// the agent process once its last extension-host connection closes.
// Management connections never count toward idleness.
package idle

import (
	"log/slog"
	"sync"
	"time"
)

// ShutdownTimeout is the grace period a bare agent waits, with zero
// extension-host connections open, before it terminates itself.
const ShutdownTimeout = 5 * time.Minute

// ==============================================================================
// 1. Supervisor
// ==============================================================================

// Supervisor watches the live extension-host count and schedules process
// exit after ShutdownTimeout of complete idleness. It is a no-op unless
// Enabled is true, mirroring the enableRemoteAutoShutdown config gate.
type Supervisor struct {
	Enabled bool
	Logger  *slog.Logger

	// Timeout overrides ShutdownTimeout, primarily so tests don't wait
	// five real minutes for a fire. Zero means "use ShutdownTimeout".
	Timeout time.Duration

	// CountFn reports the current number of live extension-host
	// connections, consulted by the timer's fire-time recheck. Callers
	// wire it to the extension-host registry's Len method.
	CountFn func() int

	// Exit is called with status 0 when the idle timer fires with zero
	// extension hosts still open. Defaults to a no-op; production wiring
	// sets this to os.Exit.
	Exit func(code int)

	mu    sync.Mutex
	timer *time.Timer
}

// New constructs a Supervisor. exit defaults to a no-op if nil, which
// tests rely on to observe a fire without killing the test binary.
func New(enabled bool, countFn func() int, exit func(code int), logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if exit == nil {
		exit = func(int) {}
	}
	return &Supervisor{Enabled: enabled, CountFn: countFn, Exit: exit, Logger: logger}
}

// ==============================================================================
// 2. Extension-host count observer
// ==============================================================================

// NotifyExtensionHostCount is wired as the Dispatcher's
// OnExtensionHostCountChanged callback. A count rising above zero while a
// timer is pending needs no explicit cancellation here — fire's recheck
// sees the nonzero count and skips the shutdown on its own. Only the
// transition back down to zero needs to (re)arm the timer.
func (s *Supervisor) NotifyExtensionHostCount(count int) {
	if !s.Enabled || count != 0 {
		return
	}
	s.restart()
}

func (s *Supervisor) restart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := s.Timeout
	if timeout == 0 {
		timeout = ShutdownTimeout
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.Logger.Debug("idle supervisor armed", slog.Duration("timeout", timeout))
	s.timer = time.AfterFunc(timeout, s.fire)
}

func (s *Supervisor) fire() {
	count := 0
	if s.CountFn != nil {
		count = s.CountFn()
	}
	if count != 0 {
		s.Logger.Info("idle shutdown skipped, a connection raced in", slog.Int("extensionHosts", count))
		return
	}
	s.Logger.Info("idle timeout reached with no extension hosts, shutting down")
	s.Exit(0)
}

// ==============================================================================
// 3. Delay-shutdown
// ==============================================================================

// DelayShutdown restarts a pending timer, extending the grace period. It
// is a no-op if no timer is currently armed, per the HTTP endpoint's
// contract.
func (s *Supervisor) DelayShutdown() {
	s.mu.Lock()
	// Stop reports false once the timer has fired or been stopped.
	pending := s.timer != nil && s.timer.Stop()
	s.mu.Unlock()
	if !pending {
		return
	}
	s.restart()
}

// Stop cancels any pending timer, for clean process shutdown paths that
// don't want a stray fire after the agent is already exiting.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}

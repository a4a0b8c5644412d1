package services

import (
	"fmt"
	"os"
	"sync"
	"time"

	"vibenode/log"

	"go.uber.org/zap"
)

const (
	DefaultBootFailureDelay = 20 * time.Second
	DefaultLoopFailureDelay = 5 * time.Second
	ResetCountDelay         = 1 * time.Second
	UpdateInstalledDelay    = 3 * time.Second
)

// Resetter restarts the whole device. It is the only cancellation
// mechanism: everything in flight is abandoned.
type Resetter interface {
	Reset(reason string)
}

// ExitResetter ends the process with a non-zero code so the service
// manager restarts it.
type ExitResetter struct {
	Code   int
	Logger *zap.Logger
}

func (r *ExitResetter) Reset(reason string) {
	if r.Logger != nil {
		r.Logger.Error("Hard reset", zap.String("reason", reason))
		_ = r.Logger.Sync()
	}
	os.Exit(r.Code)
}

// Notifier delivers out-of-band notices about the device lifecycle.
type Notifier interface {
	NotifyStartup(deviceID, version string) error
	NotifyReset(deviceID, reason, lastStatus string) error
}

// Supervisor owns the reset policy: fatal boot steps and fatal loop
// failures end in a delayed hard reset; optional steps and recoverable
// failures are logged and tolerated.
type Supervisor struct {
	resetter Resetter
	clock    Clock
	status   *log.StatusLog
	logger   *zap.Logger
	notifier Notifier
	deviceID string
	watchdog Watchdog

	BootFailureDelay time.Duration
	LoopFailureDelay time.Duration

	resetMu sync.Mutex
}

func NewSupervisor(resetter Resetter, clock Clock, status *log.StatusLog, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		resetter:         resetter,
		clock:            clock,
		status:           status,
		logger:           logger,
		BootFailureDelay: DefaultBootFailureDelay,
		LoopFailureDelay: DefaultLoopFailureDelay,
	}
}

// SetNotifier attaches an optional notifier used before resets.
func (s *Supervisor) SetNotifier(n Notifier, deviceID string) {
	s.notifier = n
	s.deviceID = deviceID
}

// SetWatchdog attaches a watchdog that is fed around every init step, so
// a slow step only has to fit the timeout on its own.
func (s *Supervisor) SetWatchdog(w Watchdog) {
	s.watchdog = w
}

func (s *Supervisor) feed() {
	if s.watchdog != nil {
		s.watchdog.Feed()
	}
}

// Boot runs a mandatory initialization step. On failure the device resets
// after BootFailureDelay; the error is returned for callers whose
// Resetter does not exit.
func (s *Supervisor) Boot(step string, fn func() error) error {
	s.feed()
	err := s.guard(step, fn)
	s.feed()
	if err == nil {
		return nil
	}
	s.status.Status(fmt.Sprintf("Critical init error: %s: %v", step, err))
	s.reset(fmt.Sprintf("%s: %v", step, err), s.BootFailureDelay)
	return err
}

// Optional runs a nice-to-have initialization step and reports whether it
// succeeded. Failures never reset.
func (s *Supervisor) Optional(step string, fn func() error) bool {
	s.feed()
	err := s.guard(step, fn)
	s.feed()
	if err == nil {
		return true
	}
	s.status.Status(fmt.Sprintf("Secondary init error: %s: %v", step, err))
	return false
}

// RunTick runs one loop iteration. Recoverable failures are logged and
// nil is returned. Fatal failures, including panics, reset the device after
// LoopFailureDelay and are returned.
func (s *Supervisor) RunTick(fn func() error) error {
	err := s.guard("tick", fn)
	if err == nil {
		return nil
	}

	kind := KindOf(err)
	if !kind.Fatal() {
		s.logger.Warn("Recoverable loop error", zap.Stringer("kind", kind), zap.Error(err))
		s.status.Status(fmt.Sprintf("Recoverable error: %v", err))
		return nil
	}

	s.status.Status(fmt.Sprintf("Unexpected error: %v", err))
	s.reset(err.Error(), s.LoopFailureDelay)
	return err
}

// ScheduleReset resets the device after delay. It is used for resets the
// sync service asks for.
func (s *Supervisor) ScheduleReset(reason string, delay time.Duration) {
	s.status.Status(reason)
	s.reset(reason, delay)
}

func (s *Supervisor) reset(reason string, delay time.Duration) {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()

	if s.notifier != nil {
		if err := s.notifier.NotifyReset(s.deviceID, reason, s.status.LastStatus()); err != nil {
			s.logger.Warn("Failed to send reset notification", zap.Error(err))
		}
	}
	s.logger.Error("Resetting device", zap.String("reason", reason), zap.Duration("delay", delay))
	s.clock.Sleep(delay)
	s.resetter.Reset(reason)
}

// guard runs fn, converting a panic into a KindUnexpected error.
func (s *Supervisor) guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered panic", zap.String("op", op), zap.Any("panic", r), zap.Stack("stack"))
			err = Wrap(KindUnexpected, op, fmt.Errorf("panic: %v", r))
		}
	}()
	return fn()
}

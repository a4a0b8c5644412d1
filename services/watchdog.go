package services

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Watchdog resets the device unless it is fed regularly.
type Watchdog interface {
	Feed()
}

// SoftWatchdog checks how long ago it was last fed and calls onExpire once
// the timeout is exceeded.
type SoftWatchdog struct {
	timeout  time.Duration
	clock    Clock
	onExpire func(stalled time.Duration)
	logger   *zap.Logger

	lastFed atomic.Uint32
	expired atomic.Bool

	CheckInterval time.Duration
}

func NewSoftWatchdog(timeout time.Duration, clock Clock, onExpire func(stalled time.Duration), logger *zap.Logger) *SoftWatchdog {
	w := &SoftWatchdog{
		timeout:       timeout,
		clock:         clock,
		onExpire:      onExpire,
		logger:        logger,
		CheckInterval: time.Second,
	}
	w.Feed()
	return w
}

func (w *SoftWatchdog) Feed() {
	w.lastFed.Store(uint32(w.clock.Ticks()))
}

// Start runs the expiry checker until ctx is done.
func (w *SoftWatchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.CheckInterval)
	defer ticker.Stop()

	w.logger.Info("Watchdog started", zap.Duration("timeout", w.timeout))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watchdog stopped")
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check fires onExpire if the watchdog has starved. It fires at most once.
func (w *SoftWatchdog) Check() bool {
	stalled := time.Duration(TicksDiff(w.clock.Ticks(), Ticks(w.lastFed.Load()))) * time.Millisecond
	if stalled <= w.timeout {
		return false
	}
	if !w.expired.CompareAndSwap(false, true) {
		return true
	}
	w.logger.Error("Watchdog timeout", zap.Duration("stalled", stalled), zap.Duration("timeout", w.timeout))
	w.onExpire(stalled)
	return true
}

// DeviceWatchdog feeds a kernel watchdog device such as /dev/watchdog.
// The kernel resets the board if the process stops writing.
type DeviceWatchdog struct {
	mu     sync.Mutex
	f      *os.File
	logger *zap.Logger
}

func OpenDeviceWatchdog(path string, logger *zap.Logger) (*DeviceWatchdog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open watchdog %s: %w", path, err)
	}
	return &DeviceWatchdog{f: f, logger: logger}, nil
}

func (w *DeviceWatchdog) Feed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return
	}
	if _, err := w.f.Write([]byte{'k'}); err != nil {
		w.logger.Warn("Failed to feed watchdog device", zap.Error(err))
	}
}

// Close disarms the device with the magic close character.
func (w *DeviceWatchdog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	_, _ = w.f.Write([]byte{'V'})
	err := w.f.Close()
	w.f = nil
	return err
}

// Watchdogs feeds several watchdogs at once.
type Watchdogs []Watchdog

func (ws Watchdogs) Feed() {
	for _, w := range ws {
		w.Feed()
	}
}

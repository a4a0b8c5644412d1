package services

import (
	"context"
	"fmt"
	"time"

	"vibenode/config"
	"vibenode/log"
	"vibenode/models"

	"go.uber.org/zap"
)

// DefaultSyncQueueSize bounds the number of sync tasks waiting for the
// worker.
const DefaultSyncQueueSize = 4

// SyncPoster is the part of SyncClient used by the worker.
type SyncPoster interface {
	Append(ctx context.Context, values []models.VibrationEvent) models.RemoteResponse
	Ping(ctx context.Context, data models.Heartbeat) models.RemoteResponse
}

// SyncTask is a self-contained unit of sync work. It carries copies of
// everything it needs so the worker never touches scheduler state.
type SyncTask struct {
	Op models.Op

	// Append
	Values []models.VibrationEvent
	Since  string
	Count  int

	// Ping
	Heartbeat *models.Heartbeat
}

// SyncWorker runs sync tasks one at a time in its own goroutine, so an
// append and a ping never overlap.
type SyncWorker struct {
	client     SyncPoster
	state      *SyncState
	settings   *config.Store
	updater    Updater
	supervisor *Supervisor
	clock      Clock
	status     *log.StatusLog
	logger     *zap.Logger
	version    string

	tasks chan SyncTask
}

func NewSyncWorker(
	client SyncPoster,
	state *SyncState,
	settings *config.Store,
	updater Updater,
	supervisor *Supervisor,
	clock Clock,
	status *log.StatusLog,
	logger *zap.Logger,
	version string,
) *SyncWorker {
	return &SyncWorker{
		client:     client,
		state:      state,
		settings:   settings,
		updater:    updater,
		supervisor: supervisor,
		clock:      clock,
		status:     status,
		logger:     logger,
		version:    version,
		tasks:      make(chan SyncTask, DefaultSyncQueueSize),
	}
}

// Submit queues task without blocking. A full queue drops the task; the
// scheduler will produce a fresh one on its next interval.
func (w *SyncWorker) Submit(task SyncTask) bool {
	select {
	case w.tasks <- task:
		w.logger.Debug("Sync task queued",
			zap.String("op", string(task.Op)),
			zap.Int("values", len(task.Values)),
			zap.Int("queued", len(w.tasks)))
		return true
	default:
		w.logger.Warn("Sync queue full, dropping task",
			zap.String("op", string(task.Op)),
			zap.Int("capacity", cap(w.tasks)))
		return false
	}
}

// Pending returns the number of queued tasks.
func (w *SyncWorker) Pending() int {
	return len(w.tasks)
}

// Start processes tasks until ctx is done.
func (w *SyncWorker) Start(ctx context.Context) {
	w.logger.Info("Starting sync worker", zap.Int("queue_size", cap(w.tasks)))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Sync worker stopped", zap.Int("dropped", len(w.tasks)))
			return
		case task := <-w.tasks:
			w.supervisor.RunTick(func() error {
				return w.Process(ctx, task)
			})
		}
	}
}

// Process runs one task synchronously.
func (w *SyncWorker) Process(ctx context.Context, task SyncTask) error {
	switch task.Op {
	case models.OpAppend:
		return w.processAppend(ctx, task)
	case models.OpPing:
		return w.processPing(ctx, task)
	default:
		return Wrap(KindUnexpected, "sync task", fmt.Errorf("unknown op %q", task.Op))
	}
}

func (w *SyncWorker) processAppend(ctx context.Context, task SyncTask) error {
	if len(task.Values) == 0 {
		return nil
	}

	w.status.Info(fmt.Sprintf("sending %d values after %s", len(task.Values), task.Since))
	resp := w.client.Append(ctx, task.Values)
	w.logger.Info("Append response",
		zap.String("status", resp.Status),
		zap.String("message", resp.Message),
		zap.Int("values", len(task.Values)))

	if resp.ResetCount != nil && task.Count >= *resp.ResetCount {
		w.supervisor.ScheduleReset(
			fmt.Sprintf("Reset count reached: %d >= %d", task.Count, *resp.ResetCount),
			ResetCountDelay)
		return nil
	}

	if w.installUpdate(ctx, resp) {
		return nil
	}

	if resp.IsSuccess() {
		w.state.MarkPosted(w.clock.Ticks())
		if watermark, moved := w.state.ApplyAppend(resp, task.Values); moved {
			w.logger.Info("Watermark advanced", zap.String("watermark", watermark))
		}
	}

	w.applySettings(resp)
	return nil
}

func (w *SyncWorker) processPing(ctx context.Context, task SyncTask) error {
	if task.Heartbeat == nil {
		return Wrap(KindUnexpected, "ping", fmt.Errorf("missing heartbeat"))
	}

	resp := w.client.Ping(ctx, *task.Heartbeat)
	w.logger.Info("Ping response", zap.String("status", resp.Status), zap.String("message", resp.Message))

	if w.installUpdate(ctx, resp) {
		return nil
	}
	if !resp.IsSuccess() {
		w.status.Status("ping not successful.")
		return nil
	}
	w.state.MarkPosted(w.clock.Ticks())
	return nil
}

// installUpdate applies an offered firmware update. It reports whether a
// reset was scheduled.
func (w *SyncWorker) installUpdate(ctx context.Context, resp models.RemoteResponse) bool {
	return InstallOffered(ctx, resp, w.updater, w.version, w.supervisor, w.status, w.logger)
}

func (w *SyncWorker) applySettings(resp models.RemoteResponse) {
	if applied := w.settings.Update(CandidateFrom(resp)); len(applied) > 0 {
		s := w.settings.Snapshot()
		w.logger.Info("Applied remote settings",
			zap.Strings("fields", applied),
			zap.Float64("min_magnitude", s.MinMagnitude),
			zap.Uint32("min_seconds", s.MinDurationSeconds),
			zap.Float64("max_expected_off", s.MaxExpectedOffMagnitude))
	}
}

// CandidateFrom extracts threshold overrides from a service response.
func CandidateFrom(resp models.RemoteResponse) config.Candidate {
	return config.Candidate{
		MinMagnitude:            resp.VibrationMinimumMagnitude,
		MinDurationSeconds:      resp.VibrationMinimumSeconds,
		MaxExpectedOffMagnitude: resp.MaxExpMagOff,
	}
}

// InstallOffered installs the firmware a response points at, if any and
// if newer than current, then schedules a reset. Install failures are
// written to the status log. It reports whether a reset was scheduled.
func InstallOffered(
	ctx context.Context,
	resp models.RemoteResponse,
	updater Updater,
	current string,
	supervisor *Supervisor,
	status *log.StatusLog,
	logger *zap.Logger,
) bool {
	version, location, ok := resp.OTA()
	if !ok || updater == nil {
		return false
	}

	installed, err := updater.InstallIfNewer(ctx, current, version, location)
	if err != nil {
		logger.Error("OTA update failed", zap.String("version", version), zap.Error(err))
		status.Status(fmt.Sprintf("OTA update error: %v", err))
		return false
	}
	if !installed {
		return false
	}

	supervisor.ScheduleReset(fmt.Sprintf("Installed version %s. Rebooting.", version), UpdateInstalledDelay)
	return true
}

// WaitIdle blocks until the queue drains or timeout passes.
func (w *SyncWorker) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(w.tasks) == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}

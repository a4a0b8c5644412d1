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

const (
	// MinLoopSleep keeps the loop from spinning when a tick overruns.
	MinLoopSleep = 10 * time.Millisecond
	// SyncBatchLimit caps the events sent in one append.
	SyncBatchLimit = 15
	// AbsoluteZeroF is reported when no temperature is available.
	AbsoluteZeroF = -459.67
)

// Thermometer reads the ambient temperature.
type Thermometer interface {
	Fahrenheit() (float64, error)
}

// TaskSubmitter accepts sync tasks without blocking.
type TaskSubmitter interface {
	Submit(task SyncTask) bool
}

// SchedulerDeps are the collaborators of a Scheduler. Thermometer and
// Beacon are optional.
type SchedulerDeps struct {
	Clock       Clock
	Sampler     *FeatureSampler
	Machine     *VibrationMachine
	Events      *EventLog
	Settings    *config.Store
	SyncState   *SyncState
	Sync        TaskSubmitter
	Supervisor  *Supervisor
	Watchdog    Watchdog
	Thermometer Thermometer
	Beacon      Advertiser
	Status      *log.StatusLog
	Logger      *zap.Logger
}

// Scheduler is the cooperative control loop. One tick samples the
// accelerometer, advances the vibration machine and runs whichever
// periodic side tasks are due.
type Scheduler struct {
	SchedulerDeps
	intervals config.Intervals
	version   string

	SampleReps    int
	SampleSpacing time.Duration

	started       bool
	lastTemp      Ticks
	lastBeacon    Ticks
	lastSync      Ticks
	lastHeartbeat Ticks
	temperatureF  float64
	lastMagnitude float64
}

func NewScheduler(deps SchedulerDeps, intervals config.Intervals, version string) *Scheduler {
	return &Scheduler{
		SchedulerDeps: deps,
		intervals:     intervals,
		version:       version,
		SampleReps:    DefaultSampleReps,
		SampleSpacing: DefaultSampleSpacing,
		temperatureF:  AbsoluteZeroF,
	}
}

// Run ticks until ctx is done or a fatal failure has been handed to the
// supervisor.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Logger.Info("Starting control loop",
		zap.Duration("sampling", s.intervals.Sampling),
		zap.Duration("temperature", s.intervals.Temperature),
		zap.Duration("beacon", s.intervals.Beacon),
		zap.Duration("sync", s.intervals.Sync),
		zap.Duration("heartbeat", s.intervals.Heartbeat))

	for {
		if ctx.Err() != nil {
			s.Logger.Info("Control loop stopped")
			return nil
		}

		start := s.Clock.Ticks()
		if err := s.Supervisor.RunTick(func() error { return s.Tick(ctx) }); err != nil {
			return err
		}
		work := time.Duration(TicksDiff(s.Clock.Ticks(), start)) * time.Millisecond
		s.Clock.Sleep(max(MinLoopSleep, s.intervals.Sampling-work))
	}
}

// Tick runs one loop iteration.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.Watchdog != nil {
		s.Watchdog.Feed()
	}
	settings := s.Settings.Snapshot()

	sampleTicks := s.Clock.Ticks()
	sampleTime := s.Clock.Now()
	reading, err := s.Sampler.Sample(ctx, s.SampleReps, s.SampleSpacing)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	s.lastMagnitude = reading.Magnitude

	step, err := s.Machine.Advance(
		Sample{Magnitude: reading.Magnitude, Ticks: sampleTicks, Time: sampleTime},
		settings,
		EventContext{TemperatureF: s.temperatureF, Version: s.version})
	if err != nil {
		return err
	}
	if step.Event != nil {
		s.Logger.Info("Vibration event logged",
			zap.Int("count", step.Event.Count),
			zap.Float64("duration", step.Event.Duration),
			zap.String("timestamp", step.Event.Timestamp))
	}

	first := !s.started
	s.started = true
	if first {
		s.lastSync = sampleTicks
		s.lastHeartbeat = sampleTicks
	}

	if first || s.elapsed(sampleTicks, s.lastTemp) > s.intervals.Temperature {
		s.lastTemp = sampleTicks
		s.temperatureF = s.readTemperature()
	}

	if first || s.elapsed(sampleTicks, s.lastBeacon) > s.intervals.Beacon {
		s.lastBeacon = sampleTicks
		s.advertise(ctx)
	}

	if !step.Vibrating && s.elapsed(sampleTicks, s.lastSync) > s.intervals.Sync {
		s.lastSync = sampleTicks
		s.submitAppend()
	}

	if s.elapsed(sampleTicks, s.heartbeatBase()) > s.intervals.Heartbeat {
		s.lastHeartbeat = sampleTicks
		s.submitPing(step.Vibrating)
	}

	return nil
}

func (s *Scheduler) elapsed(now, since Ticks) time.Duration {
	return time.Duration(TicksDiff(now, since)) * time.Millisecond
}

// heartbeatBase is the later of the last successful post and the last
// heartbeat attempt.
func (s *Scheduler) heartbeatBase() Ticks {
	base := s.lastHeartbeat
	if posted, ok := s.SyncState.LastPosted(); ok && TicksDiff(posted, base) > 0 {
		base = posted
	}
	return base
}

func (s *Scheduler) readTemperature() float64 {
	if s.Thermometer == nil {
		return AbsoluteZeroF
	}
	f, err := s.Thermometer.Fahrenheit()
	if err != nil {
		s.Logger.Warn("Failed to read temperature", zap.Error(err))
		return AbsoluteZeroF
	}
	return f
}

func (s *Scheduler) advertise(ctx context.Context) {
	if s.Beacon == nil {
		return
	}
	line := s.Status.Beacon()
	s.Logger.Debug("Beacon", zap.String("line", line))
	if err := s.Beacon.Advertise(ctx, line); err != nil {
		s.Status.Status(fmt.Sprintf("Beacon notification error: %v", err))
	}
}

func (s *Scheduler) submitAppend() {
	since := s.SyncState.Watermark()
	values, n := s.Events.Read(since, SyncBatchLimit)
	if n == 0 {
		s.Logger.Debug("nothing new to log", zap.String("since", since))
		return
	}
	s.Sync.Submit(SyncTask{
		Op:     models.OpAppend,
		Values: values,
		Since:  since,
		Count:  s.Machine.Count(),
	})
}

func (s *Scheduler) submitPing(vibrating bool) {
	on, off := s.Machine.Averages()
	s.Sync.Submit(SyncTask{
		Op: models.OpPing,
		Heartbeat: &models.Heartbeat{
			Vibration:   round(s.lastMagnitude, 3),
			IsVibrating: vibrating,
			Temperature: round(s.temperatureF, 1),
			AveOn:       round(on, 3),
			AveOff:      round(off, 3),
			Count:       s.Machine.Count(),
			Version:     s.version,
			LastLogLine: s.Status.LastStatus(),
		},
	})
}

// Temperature returns the last temperature reading in Fahrenheit.
func (s *Scheduler) Temperature() float64 { return s.temperatureF }

package services

import (
	"fmt"
	"math"
	"time"

	"vibenode/config"
	"vibenode/log"
	"vibenode/models"

	"go.uber.org/zap"
)

// VibrationState is the debounced machine state.
type VibrationState int

const (
	StateOff VibrationState = iota
	StateOn
)

func (s VibrationState) String() string {
	if s == StateOn {
		return "on"
	}
	return "off"
}

// emaAlpha is the weight given to each new sample in the running averages.
const emaAlpha = 0.01

// Indicator mirrors the instantaneous vibration condition, e.g. an LED.
type Indicator interface {
	Set(vibrating bool) error
}

// EventAppender persists completed vibration events.
type EventAppender interface {
	Append(event models.VibrationEvent) (string, error)
}

// Sample is one magnitude taken by the scheduler.
type Sample struct {
	Magnitude float64
	Ticks     Ticks
	Time      time.Time
}

// EventContext is the metadata attached to an event when it completes.
type EventContext struct {
	TemperatureF float64
	Version      string
}

// Step reports what one Advance did.
type Step struct {
	Vibrating bool
	Started   bool
	Ended     bool
	// Duration of the ON run that just ended, in seconds.
	Duration float64
	// Event is set only when the ended run qualified.
	Event   *models.VibrationEvent
	Segment *Segment
}

// VibrationMachine debounces vibration magnitudes into events. A run of
// samples above the magnitude threshold becomes an event only if it lasts
// at least the minimum duration; shorter runs are dropped entirely.
type VibrationMachine struct {
	events    EventAppender
	indicator Indicator
	status    *log.StatusLog
	logger    *zap.Logger

	state          VibrationState
	startTicks     Ticks
	startTimestamp string
	aveOn          float64
	aveOff         float64
	count          int
	off            *OffWindow
}

func NewVibrationMachine(events EventAppender, indicator Indicator, status *log.StatusLog, logger *zap.Logger) *VibrationMachine {
	return &VibrationMachine{
		events:    events,
		indicator: indicator,
		status:    status,
		logger:    logger,
		state:     StateOff,
		// These seeds only matter for the very first cycle.
		aveOn:  0.1,
		aveOff: 0,
		off:    NewOffWindow(),
	}
}

// Advance feeds one sample through the machine. An error is returned only
// if a completed event could not be persisted.
func (m *VibrationMachine) Advance(s Sample, settings config.Settings, ec EventContext) (Step, error) {
	vibrating := s.Magnitude > settings.MinMagnitude
	step := Step{Vibrating: vibrating}

	if vibrating {
		m.aveOn = ema(m.aveOn, s.Magnitude)
	} else {
		m.aveOff = ema(m.aveOff, s.Magnitude)
		if seg, ok := m.off.Push(s.Magnitude, settings.MaxExpectedOffMagnitude); ok {
			step.Segment = &seg
		}
	}

	switch {
	case vibrating && m.state == StateOff:
		m.logger.Debug("Vibration threshold crossed",
			zap.Float64("min_magnitude", settings.MinMagnitude),
			zap.Uint32("min_seconds", settings.MinDurationSeconds))
		m.state = StateOn
		m.startTicks = s.Ticks
		m.startTimestamp = FormatTimestamp(s.Time)
		m.aveOn = s.Magnitude
		step.Started = true

	case !vibrating && m.state == StateOn:
		m.state = StateOff
		step.Ended = true
		step.Duration = float64(TicksDiff(s.Ticks, m.startTicks)) / 1000

		var err error
		if step.Duration >= float64(settings.MinDurationSeconds) {
			step.Event, err = m.complete(step.Duration, settings, ec)
		}
		m.aveOff = s.Magnitude
		m.setIndicator(vibrating)
		return step, err
	}

	m.setIndicator(vibrating)
	return step, nil
}

func (m *VibrationMachine) complete(duration float64, settings config.Settings, ec EventContext) (*models.VibrationEvent, error) {
	m.count++

	event := &models.VibrationEvent{
		Timestamp:         m.startTimestamp,
		Duration:          round(duration, 1),
		Temperature:       round(ec.TemperatureF, 1),
		AveOn:             round(m.aveOn, 3),
		AveOff:            round(m.aveOff, 4),
		LargeOffRatio:     round(m.off.LargeRatio(), 4),
		LargeOffSegments:  m.off.LargeSegments,
		TotalOffSegments:  m.off.TotalSegments,
		LastLargeSegment:  m.off.LastLargeSegment,
		FirstLargeSegment: m.off.FirstLargeSegment,
		MinLargeValsOn:    m.off.MinLargeCountMarkingOn,
		MaxLargeValsOff:   m.off.MaxLargeCountWhileOff,
		MaxExpectedOff:    round(settings.MaxExpectedOffMagnitude, 4),
		Count:             m.count,
		LastLogLine:       m.status.LastStatus(),
		Version:           ec.Version,
	}

	m.status.Data(fmt.Sprintf("count: %d, last vibration: %.1f seconds", m.count, duration))

	if _, err := m.events.Append(*event); err != nil {
		return event, Wrap(KindUnexpected, "append event", err)
	}

	m.off.Reset()
	return event, nil
}

func (m *VibrationMachine) setIndicator(vibrating bool) {
	if m.indicator == nil {
		return
	}
	if err := m.indicator.Set(vibrating); err != nil {
		m.logger.Warn("Failed to set indicator", zap.Error(err))
	}
}

func (m *VibrationMachine) State() VibrationState { return m.state }

// Count is the number of qualifying events since boot.
func (m *VibrationMachine) Count() int { return m.count }

// Averages returns the ON and OFF running averages.
func (m *VibrationMachine) Averages() (on, off float64) { return m.aveOn, m.aveOff }

// OffWindow returns a copy of the current off-period statistics.
func (m *VibrationMachine) OffWindow() OffWindow { return *m.off }

func ema(prev, sample float64) float64 {
	return (1-emaAlpha)*prev + emaAlpha*sample
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

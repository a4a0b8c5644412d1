package services

import (
	"path/filepath"
	"testing"
	"time"

	"vibenode/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type machineHarness struct {
	machine   *VibrationMachine
	events    *EventLog
	indicator *fakeIndicator
	clock     *fakeClock
	settings  config.Settings
}

func newMachineHarness(t *testing.T) *machineHarness {
	t.Helper()
	clock := newFakeClock()
	status := newTestStatus(t, clock)
	events := NewEventLog(filepath.Join(t.TempDir(), "vibrations_log.txt"), DefaultEventLogMaxLines, status, zap.NewNop())
	indicator := &fakeIndicator{}
	return &machineHarness{
		machine:   NewVibrationMachine(events, indicator, status, zap.NewNop()),
		events:    events,
		indicator: indicator,
		clock:     clock,
		settings:  config.DefaultSettings(),
	}
}

// feed advances the clock by one sampling period and feeds magnitude.
func (h *machineHarness) feed(t *testing.T, magnitude float64) Step {
	t.Helper()
	h.clock.Advance(200 * time.Millisecond)
	step, err := h.machine.Advance(
		Sample{Magnitude: magnitude, Ticks: h.clock.Ticks(), Time: h.clock.Now()},
		h.settings,
		EventContext{TemperatureF: 71.24, Version: "1.0.5"})
	require.NoError(t, err)
	return step
}

// run feeds magnitude for d, one sample per 200ms.
func (h *machineHarness) run(t *testing.T, magnitude float64, d time.Duration) {
	t.Helper()
	for i := 0; i < int(d/(200*time.Millisecond)); i++ {
		h.feed(t, magnitude)
	}
}

func TestVibrationEventRecorded(t *testing.T) {
	h := newMachineHarness(t)
	h.run(t, 0.001, 2*time.Second)

	start := h.feed(t, 0.2)
	require.True(t, start.Started)
	startTime := h.clock.Now()
	require.Equal(t, StateOn, h.machine.State())

	// 49 more ON samples: the run lasts 50*200ms = 10s when the next OFF
	// sample arrives.
	h.run(t, 0.2, 49*200*time.Millisecond)
	end := h.feed(t, 0.001)

	require.True(t, end.Ended)
	require.InDelta(t, 10.0, end.Duration, 1e-9)
	require.NotNil(t, end.Event)
	require.Equal(t, 1, end.Event.Count)
	require.Equal(t, 10.0, end.Event.Duration)
	require.Equal(t, 71.2, end.Event.Temperature)
	require.Equal(t, "1.0.5", end.Event.Version)
	require.Equal(t, FormatTimestamp(startTime), end.Event.Timestamp)
	require.Equal(t, 0.009, end.Event.MaxExpectedOff)
	require.Equal(t, 1, h.machine.Count())
	require.Equal(t, StateOff, h.machine.State())

	events, n := h.events.Read("", 15)
	require.Equal(t, 1, n)
	require.Equal(t, *end.Event, events[0])
}

func TestVibrationShortRunIgnored(t *testing.T) {
	h := newMachineHarness(t)

	// 8 ON samples: the run lasts 1.6s when the OFF sample arrives.
	h.run(t, 0.2, 1600*time.Millisecond)
	end := h.feed(t, 0.001)

	require.True(t, end.Ended)
	require.InDelta(t, 1.6, end.Duration, 1e-9)
	require.Nil(t, end.Event)
	require.Equal(t, 0, h.machine.Count())
	require.Equal(t, 0, h.events.Len())
}

func TestVibrationDataLineWritten(t *testing.T) {
	h := newMachineHarness(t)

	h.run(t, 0.5, 12*time.Second)
	h.feed(t, 0)

	require.Contains(t, h.machine.status.LastData(), "count: 1, last vibration: 12.0 seconds")
}

func TestVibrationIndicatorMirrorsInstantState(t *testing.T) {
	h := newMachineHarness(t)

	h.feed(t, 0.001)
	require.False(t, h.indicator.Last())
	h.feed(t, 0.2)
	require.True(t, h.indicator.Last())
	h.feed(t, 0.001)
	require.False(t, h.indicator.Last())
	require.Len(t, h.indicator.values, 3)
}

func TestVibrationOffAverageConverges(t *testing.T) {
	h := newMachineHarness(t)

	for i := 0; i < 2000; i++ {
		h.feed(t, 0.01)
	}
	_, off := h.machine.Averages()
	require.InDelta(t, 0.01, off, 1e-5)
}

func TestVibrationOnAverageConverges(t *testing.T) {
	h := newMachineHarness(t)

	for i := 0; i < 2000; i++ {
		h.feed(t, 0.5)
	}
	on, _ := h.machine.Averages()
	require.InDelta(t, 0.5, on, 1e-9)

	// A different constant level is approached from the reseeded value.
	for i := 0; i < 3000; i++ {
		h.feed(t, 0.3)
	}
	on, _ = h.machine.Averages()
	require.InDelta(t, 0.3, on, 1e-5)
}

func TestVibrationAveragesReseededOnTransition(t *testing.T) {
	h := newMachineHarness(t)

	h.feed(t, 0.3)
	on, _ := h.machine.Averages()
	require.Equal(t, 0.3, on)

	h.feed(t, 0.004)
	_, off := h.machine.Averages()
	require.Equal(t, 0.004, off)
}

func TestVibrationOffWindowStatsInEvent(t *testing.T) {
	h := newMachineHarness(t)

	// One full OFF segment with 20 samples above max expected off.
	for i := 0; i < OffWindowSize; i++ {
		mag := 0.001
		if i < 20 {
			mag = 0.02
		}
		step := h.feed(t, mag)
		if i == OffWindowSize-1 {
			require.NotNil(t, step.Segment)
			require.True(t, step.Segment.Large)
			require.Equal(t, 20, step.Segment.LargeCount)
		}
	}

	h.run(t, 0.2, 10*time.Second)
	end := h.feed(t, 0)
	require.NotNil(t, end.Event)

	ev := end.Event
	require.Equal(t, 1, ev.LargeOffSegments)
	require.Equal(t, 1, ev.TotalOffSegments)
	require.Equal(t, 1, ev.FirstLargeSegment)
	require.Equal(t, 1, ev.LastLargeSegment)
	require.Equal(t, 20, ev.MinLargeValsOn)
	require.Equal(t, -1, ev.MaxLargeValsOff)
	// The OFF sample that ended the run counts too: 20 of 101.
	require.Equal(t, 0.198, ev.LargeOffRatio)

	// Accounting restarts with the next cycle.
	require.Equal(t, 0, h.machine.OffWindow().TotalSamples)
	require.Equal(t, -1, h.machine.OffWindow().MinLargeCountMarkingOn)
}

func TestVibrationOffWindowKeptAcrossShortRuns(t *testing.T) {
	h := newMachineHarness(t)

	h.run(t, 0.001, 2*time.Second)
	h.run(t, 0.2, 1*time.Second)
	h.feed(t, 0.001)

	// 10 + 1 OFF samples, the short run did not reset anything.
	require.Equal(t, 11, h.machine.OffWindow().TotalSamples)
}

func TestVibrationThresholdFromSettings(t *testing.T) {
	h := newMachineHarness(t)
	h.settings.MinMagnitude = 0.5

	step := h.feed(t, 0.2)
	require.False(t, step.Vibrating)
	step = h.feed(t, 0.6)
	require.True(t, step.Vibrating)
}

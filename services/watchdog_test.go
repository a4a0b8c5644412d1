package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSoftWatchdogExpires(t *testing.T) {
	clock := newFakeClock()
	var fired []time.Duration
	w := NewSoftWatchdog(60*time.Second, clock, func(stalled time.Duration) {
		fired = append(fired, stalled)
	}, zap.NewNop())

	clock.Advance(59 * time.Second)
	require.False(t, w.Check())
	w.Feed()

	clock.Advance(60 * time.Second)
	require.False(t, w.Check())

	clock.Advance(time.Second)
	require.True(t, w.Check())
	require.True(t, w.Check())
	require.Equal(t, []time.Duration{61 * time.Second}, fired)
}

func TestDeviceWatchdogWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	w, err := OpenDeviceWatchdog(path, zap.NewNop())
	require.NoError(t, err)
	w.Feed()
	w.Feed()
	require.NoError(t, w.Close())
	w.Feed()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "kkV", string(raw))
}

func TestWatchdogsFeedAll(t *testing.T) {
	a, b := &fakeFeeder{}, &fakeFeeder{}
	Watchdogs{a, b}.Feed()
	require.Equal(t, 1, a.feeds)
	require.Equal(t, 1, b.feeds)
}

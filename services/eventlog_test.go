package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vibenode/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEventLog(t *testing.T, maxLines int) (*EventLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vibrations_log.txt")
	status := newTestStatus(t, newFakeClock())
	return NewEventLog(path, maxLines, status, zap.NewNop()), path
}

func event(i int) models.VibrationEvent {
	return models.VibrationEvent{
		Timestamp: fmt.Sprintf("2024-06-01T12:%02d:00", i),
		Duration:  10,
		Count:     i,
		Version:   "1.0.5",
	}
}

func TestEventLogCreatesFile(t *testing.T) {
	l, path := newTestEventLog(t, 25)

	line, err := l.Append(event(1))
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, line+"\n", string(raw))
	require.Equal(t, 1, l.Len())
}

func TestEventLogCapped(t *testing.T) {
	l, path := newTestEventLog(t, 25)

	for i := 1; i <= 30; i++ {
		_, err := l.Append(event(i))
		require.NoError(t, err)
		require.LessOrEqual(t, l.Len(), 25)
	}

	events, n := l.Read("", 100)
	require.Equal(t, 25, n)
	require.Equal(t, 6, events[0].Count)
	require.Equal(t, 30, events[24].Count)

	_, err := os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestEventLogReadSince(t *testing.T) {
	l, _ := newTestEventLog(t, 25)
	for i := 1; i <= 5; i++ {
		_, err := l.Append(event(i))
		require.NoError(t, err)
	}

	events, n := l.Read("2024-06-01T12:03:00", 15)
	require.Equal(t, 2, n)
	require.Equal(t, 4, events[0].Count)
	require.Equal(t, 5, events[1].Count)

	_, n = l.Read("2024-06-01T12:05:00", 15)
	require.Equal(t, 0, n)
}

func TestEventLogReadLimit(t *testing.T) {
	l, _ := newTestEventLog(t, 25)
	for i := 1; i <= 20; i++ {
		_, err := l.Append(event(i))
		require.NoError(t, err)
	}

	events, n := l.Read("", 15)
	require.Equal(t, 15, n)
	require.Equal(t, 1, events[0].Count)
	require.Equal(t, 15, events[14].Count)
}

func TestEventLogSkipsMalformedLines(t *testing.T) {
	l, path := newTestEventLog(t, 25)
	_, err := l.Append(event(1))
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = l.Append(event(2))
	require.NoError(t, err)

	events, n := l.Read("", 15)
	require.Equal(t, 2, n)
	require.Equal(t, 1, events[0].Count)
	require.Equal(t, 2, events[1].Count)
	require.True(t, strings.HasSuffix(l.status.LastStatus(), "Could not parse: {not json"))
}

func TestEventLogMissingFileReadsEmpty(t *testing.T) {
	l, _ := newTestEventLog(t, 25)

	events, n := l.Read("", 15)
	require.Empty(t, events)
	require.Equal(t, 0, n)
}

func TestEventLogUntimestampedEntriesAlwaysRead(t *testing.T) {
	l, _ := newTestEventLog(t, 25)
	_, err := l.Append(models.VibrationEvent{Count: 1})
	require.NoError(t, err)

	_, n := l.Read("2024-06-01T12:00:00", 15)
	require.Equal(t, 1, n)
}

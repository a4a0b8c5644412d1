package services

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// pushSegment pushes one full segment with large samples above threshold.
func pushSegment(t *testing.T, w *OffWindow, large int) Segment {
	t.Helper()
	var seg Segment
	var ok bool
	for i := 0; i < OffWindowSize; i++ {
		magnitude := 0.001
		if i < large {
			magnitude = 0.05
		}
		seg, ok = w.Push(magnitude, 0.009)
		if i < OffWindowSize-1 {
			require.False(t, ok)
		}
	}
	require.True(t, ok)
	return seg
}

func TestOffWindowLargeSegment(t *testing.T) {
	w := NewOffWindow()

	seg := pushSegment(t, w, 10)
	require.Equal(t, Segment{Number: 1, LargeCount: 10, Large: true}, seg)
	require.Equal(t, 1, w.LargeSegments)
	require.Equal(t, 1, w.FirstLargeSegment)
	require.Equal(t, 1, w.LastLargeSegment)
	require.Equal(t, 10, w.MinLargeCountMarkingOn)
	require.Equal(t, -1, w.MaxLargeCountWhileOff)
}

func TestOffWindowQuietSegments(t *testing.T) {
	w := NewOffWindow()

	seg := pushSegment(t, w, 3)
	require.False(t, seg.Large)
	require.Equal(t, 3, w.MaxLargeCountWhileOff)
	require.Equal(t, -1, w.MinLargeCountMarkingOn)

	pushSegment(t, w, 9)
	seg = pushSegment(t, w, 20)
	require.Equal(t, 3, seg.Number)
	require.True(t, seg.Large)
	require.Equal(t, 9, w.MaxLargeCountWhileOff)
	require.Equal(t, 3, w.FirstLargeSegment)
	require.Equal(t, 3, w.TotalSegments)
	require.InDelta(t, 32.0/300.0, w.LargeRatio(), 1e-12)
}

func TestOffWindowReset(t *testing.T) {
	w := NewOffWindow()
	pushSegment(t, w, 50)
	w.Push(0.5, 0.009)

	w.Reset()
	require.Zero(t, w.TotalSamples)
	require.Zero(t, w.LargeRatio())
	require.Equal(t, -1, w.MinLargeCountMarkingOn)

	// The write index restarts too.
	seg := pushSegment(t, w, 0)
	require.Equal(t, 1, seg.Number)
}

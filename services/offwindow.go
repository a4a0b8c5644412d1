package services

import "math"

// OffWindowSize is the number of OFF samples in one segment.
const OffWindowSize = 100

// largeSegmentCount is the over-threshold count that marks a segment large.
var largeSegmentCount = int(math.Round(OffWindowSize / 10.0))

// Segment describes one completed pass over the off window.
type Segment struct {
	Number     int
	LargeCount int
	Large      bool
}

// OffWindow tracks magnitudes seen while the machine is OFF, looking for
// stretches of borderline vibration that never crossed the ON threshold.
type OffWindow struct {
	values [OffWindowSize]float64
	index  int

	TotalSamples           int
	LargeSamples           int
	TotalSegments          int
	LargeSegments          int
	FirstLargeSegment      int
	LastLargeSegment       int
	MinLargeCountMarkingOn int
	MaxLargeCountWhileOff  int
}

func NewOffWindow() *OffWindow {
	w := &OffWindow{}
	w.Reset()
	return w
}

// Push records one OFF magnitude. When the write index wraps, the segment
// that just filled is evaluated and returned with ok set.
func (w *OffWindow) Push(magnitude, threshold float64) (seg Segment, ok bool) {
	w.TotalSamples++
	if magnitude > threshold {
		w.LargeSamples++
	}

	w.values[w.index] = magnitude
	w.index++
	if w.index < OffWindowSize {
		return Segment{}, false
	}
	w.index = 0
	return w.completeSegment(threshold), true
}

func (w *OffWindow) completeSegment(threshold float64) Segment {
	w.TotalSegments++

	large := 0
	for _, v := range w.values {
		if v > threshold {
			large++
		}
	}

	seg := Segment{Number: w.TotalSegments, LargeCount: large}
	if large < largeSegmentCount {
		w.MaxLargeCountWhileOff = max(w.MaxLargeCountWhileOff, large)
		return seg
	}

	seg.Large = true
	w.LargeSegments++
	w.LastLargeSegment = w.TotalSegments
	if w.FirstLargeSegment <= 0 {
		w.FirstLargeSegment = w.TotalSegments
	}
	if w.MinLargeCountMarkingOn == -1 {
		w.MinLargeCountMarkingOn = large
	} else {
		w.MinLargeCountMarkingOn = min(w.MinLargeCountMarkingOn, large)
	}
	return seg
}

// LargeRatio is the fraction of OFF samples above the expected-noise
// threshold.
func (w *OffWindow) LargeRatio() float64 {
	if w.TotalSamples == 0 {
		return 0
	}
	return float64(w.LargeSamples) / float64(w.TotalSamples)
}

// Reset clears all state, starting a new vibration cycle.
func (w *OffWindow) Reset() {
	*w = OffWindow{
		MinLargeCountMarkingOn: -1,
		MaxLargeCountWhileOff:  -1,
	}
}

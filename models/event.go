package models

// VibrationEvent is one completed, qualifying vibration period. It is
// stored as a single JSON line in the event log and posted as-is to the
// sync service.
type VibrationEvent struct {
	Timestamp   string  `json:"timestamp"`
	Duration    float64 `json:"duration"`
	Temperature float64 `json:"temperature"`
	AveOn       float64 `json:"ave_vib_on"`
	AveOff      float64 `json:"ave_vib_off"`

	// Off-period anomaly statistics for the cycle that ended with this event.
	LargeOffRatio     float64 `json:"large_vib_off_ratio"`
	LargeOffSegments  int     `json:"large_vib_off_segments"`
	TotalOffSegments  int     `json:"total_vib_off_segments"`
	LastLargeSegment  int     `json:"last_vib_off_seg"`
	FirstLargeSegment int     `json:"first_vib_off_seg"`
	MinLargeValsOn    int     `json:"min_large_vals_on"`
	MaxLargeValsOff   int     `json:"max_large_vals_off"`
	MaxExpectedOff    float64 `json:"max_expected_off"`

	Count       int    `json:"count"`
	LastLogLine string `json:"last_log_line"`
	Version     string `json:"version"`
}

package models

// Heartbeat is the liveness report sent with a ping when nothing else has
// been posted for a while.
type Heartbeat struct {
	Vibration   float64 `json:"vib"`
	IsVibrating bool    `json:"is_vibrating"`
	Temperature float64 `json:"temperature"`
	AveOn       float64 `json:"ave_vib_on"`
	AveOff      float64 `json:"ave_vib_off"`
	Count       int     `json:"count"`
	Version     string  `json:"version"`
	LastLogLine string  `json:"last_log_line"`
}

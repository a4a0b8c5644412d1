package models

import (
	"net/url"
	"strings"
)

// Op discriminates the requests understood by the sync service.
type Op string

const (
	OpInit   Op = "init"
	OpAppend Op = "append"
	OpPing   Op = "ping"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request is the body of every post to the sync service.
type Request struct {
	Op       Op               `json:"op"`
	DeviceID string           `json:"device_id"`
	Version  string           `json:"version,omitempty"`
	Timezone string           `json:"timezone,omitempty"`
	Values   []VibrationEvent `json:"values,omitempty"`
	Data     *Heartbeat       `json:"data,omitempty"`

	// Link metadata, stamped just before sending.
	RSSI           int   `json:"rssi"`
	ConnectionWait int64 `json:"connection_wait"`
}

// RemoteResponse is the sync service reply. Every field but Status is
// optional; unknown keys are ignored.
type RemoteResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`

	CurrentTime   *string `json:"current_time,omitempty"`
	LastTimestamp *string `json:"last_timestamp,omitempty"`

	OTAVersion *string `json:"ota_version,omitempty"`
	OTAURL     *string `json:"ota_url,omitempty"`
	ResetCount *int    `json:"reset_count,omitempty"`

	VibrationMinimumMagnitude *float64 `json:"vibration_minimum_magnitude,omitempty"`
	VibrationMinimumSeconds   *float64 `json:"vibration_minimum_seconds,omitempty"`
	MaxExpMagOff              *float64 `json:"max_exp_mag_off,omitempty"`
}

// ErrorResponse builds the envelope returned in place of a failed post.
func ErrorResponse(message string) RemoteResponse {
	return RemoteResponse{Status: StatusError, Message: message}
}

func (r RemoteResponse) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// OTA returns the firmware pointer if the response carries a version and
// an http(s) URL.
func (r RemoteResponse) OTA() (version, location string, ok bool) {
	if r.OTAVersion == nil || r.OTAURL == nil || *r.OTAVersion == "" {
		return "", "", false
	}
	u, err := url.Parse(*r.OTAURL)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return *r.OTAVersion, *r.OTAURL, true
	}
	return "", "", false
}

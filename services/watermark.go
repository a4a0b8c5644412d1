package services

import (
	"sync"
	"time"

	"vibenode/log"
	"vibenode/models"

	"github.com/relvacode/iso8601"
)

// InitialWatermark is the watermark before the first successful sync.
const InitialWatermark = "2000-01-01T00:00:00"

// watermarkFutureSlack bounds how far ahead of the device clock a remote
// timestamp may be and still be trusted.
const watermarkFutureSlack = 48 * time.Hour

// SyncState holds what the sync subsystem shares with the control loop:
// the watermark below which events are known to the service, and the tick
// of the last successful post. It has its own lock, separate from the
// settings store.
type SyncState struct {
	mu            sync.Mutex
	watermark     string
	watermarkTime time.Time
	lastPost      Ticks
	posted        bool

	now func() time.Time
	min time.Time
}

func NewSyncState(initial string, now func() time.Time) *SyncState {
	if now == nil {
		now = time.Now
	}
	floor, _ := iso8601.ParseString(InitialWatermark)
	s := &SyncState{watermark: InitialWatermark, watermarkTime: floor, now: now, min: floor}
	if initial != "" {
		s.advance(initial)
	}
	return s
}

// Watermark returns the current watermark.
func (s *SyncState) Watermark() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Advance moves the watermark to candidate if candidate is a plausible
// timestamp strictly newer than the current one.
func (s *SyncState) Advance(candidate string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advance(candidate)
}

func (s *SyncState) advance(candidate string) bool {
	t, ok := s.plausible(candidate)
	if !ok || !t.After(s.watermarkTime) {
		return false
	}
	s.watermark = t.Format(log.TimestampLayout)
	s.watermarkTime = t
	return true
}

// plausible rejects garbled or corrupt-clock timestamps: anything that is
// not ISO-8601, not after InitialWatermark, or far in the future.
func (s *SyncState) plausible(candidate string) (time.Time, bool) {
	t, err := iso8601.ParseString(candidate)
	if err != nil {
		return time.Time{}, false
	}
	t = wallClock(t)
	if !t.After(s.min) {
		return time.Time{}, false
	}
	if t.After(wallClock(s.now()).Add(watermarkFutureSlack)) {
		return time.Time{}, false
	}
	return t, true
}

// ApplyAppend updates the watermark after an append post. On success the
// service's last_timestamp is used when trusted; otherwise progress falls
// back to the newest posted value. It returns the resulting watermark and
// whether it moved.
func (s *SyncState) ApplyAppend(resp models.RemoteResponse, values []models.VibrationEvent) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !resp.IsSuccess() {
		return s.watermark, false
	}
	if resp.LastTimestamp != nil && s.advance(*resp.LastTimestamp) {
		return s.watermark, true
	}
	if len(values) > 0 && s.advance(values[len(values)-1].Timestamp) {
		return s.watermark, true
	}
	return s.watermark, false
}

// MarkPosted records a successful post of any kind.
func (s *SyncState) MarkPosted(t Ticks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPost = t
	s.posted = true
}

// LastPosted returns the tick of the last successful post, if any.
func (s *SyncState) LastPosted() (Ticks, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPost, s.posted
}

// wallClock drops the zone, keeping the wall clock reading, so local
// device timestamps and service timestamps compare field by field.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

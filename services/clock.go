package services

import (
	"sync/atomic"
	"time"

	"vibenode/log"
)

// Ticks is a wrapping millisecond counter. Compare ticks only through
// TicksDiff so wraparound is harmless.
type Ticks uint32

// TicksDiff returns a-b in milliseconds, correct across wraparound as long
// as the true distance fits in an int32 (about 24 days).
func TicksDiff(a, b Ticks) int32 {
	return int32(a - b)
}

// TicksAdd offsets t by d.
func TicksAdd(t Ticks, d time.Duration) Ticks {
	return t + Ticks(d.Milliseconds())
}

// Clock provides monotonic ticks for scheduling and wall time for
// timestamps.
type Clock interface {
	Ticks() Ticks
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock reads the host clock. Wall time can be set from a trusted
// source (the sync service); the offset is applied to every Now.
type SystemClock struct {
	start  time.Time
	loc    *time.Location
	offset atomic.Int64
}

func NewSystemClock(loc *time.Location) *SystemClock {
	if loc == nil {
		loc = time.Local
	}
	return &SystemClock{start: time.Now(), loc: loc}
}

func (c *SystemClock) Ticks() Ticks {
	return Ticks(uint32(time.Since(c.start).Milliseconds()))
}

func (c *SystemClock) Now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load())).In(c.loc)
}

func (c *SystemClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// SetTime adjusts wall time so that Now returns t at this instant.
func (c *SystemClock) SetTime(t time.Time) {
	c.offset.Store(int64(time.Until(t)))
}

// SetTimeFromISO parses a zone-less ISO-8601 local time and adopts it.
func (c *SystemClock) SetTimeFromISO(s string) (time.Time, error) {
	t, err := time.ParseInLocation(log.TimestampLayout, s, c.loc)
	if err != nil {
		return time.Time{}, err
	}
	c.SetTime(t)
	return t, nil
}

// FormatTimestamp renders t in the device's ISO-8601 layout.
func FormatTimestamp(t time.Time) string {
	return t.Format(log.TimestampLayout)
}

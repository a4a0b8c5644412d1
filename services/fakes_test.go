package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vibenode/log"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock advances only when slept or stepped.
type fakeClock struct {
	mu    sync.Mutex
	ticks Ticks
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Ticks() Ticks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) { c.Advance(d) }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = TicksAdd(c.ticks, d)
	c.now = c.now.Add(d)
}

// fakeAccel cycles through vectors.
type fakeAccel struct {
	vectors []Vector
	err     error
	reads   int
}

func (a *fakeAccel) ReadAcceleration() (Vector, error) {
	if a.err != nil {
		return Vector{}, a.err
	}
	v := a.vectors[a.reads%len(a.vectors)]
	a.reads++
	return v, nil
}

// still is an accelerometer at rest.
func still() *fakeAccel {
	return &fakeAccel{vectors: []Vector{{0, 0, 1}}}
}

// shaking alternates between two vectors so every batch has spread.
func shaking(amplitude float64) *fakeAccel {
	return &fakeAccel{vectors: []Vector{{amplitude, 0, 1}, {-amplitude, 0, 1}}}
}

type fakeLink struct {
	mu           sync.Mutex
	connected    bool
	connectOK    bool
	connects     int
	disconnects  int
	rssi         int
	connectAfter int // IsConnected calls before a pending connect succeeds
	pending      bool
	polls        int
}

func (l *fakeLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending {
		l.polls++
		if l.polls > l.connectAfter {
			l.connected = true
			l.pending = false
		}
	}
	return l.connected
}

func (l *fakeLink) Connect(ssid, password string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
	if !l.connectOK {
		return errors.New("association refused")
	}
	l.pending = true
	l.polls = 0
	return nil
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	l.connected = false
	return nil
}

func (l *fakeLink) RSSI() int { return l.rssi }

type fakeResetter struct {
	mu      sync.Mutex
	reasons []string
}

func (r *fakeResetter) Reset(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *fakeResetter) Resets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

type fakeIndicator struct {
	values []bool
}

func (i *fakeIndicator) Set(on bool) error {
	i.values = append(i.values, on)
	return nil
}

func (i *fakeIndicator) Last() bool {
	return i.values[len(i.values)-1]
}

type fakeUpdater struct {
	installed bool
	err       error
	calls     []string
}

func (u *fakeUpdater) InstallIfNewer(ctx context.Context, current, candidate, url string) (bool, error) {
	u.calls = append(u.calls, candidate+"@"+url)
	return u.installed, u.err
}

type fakeAdvertiser struct {
	lines []string
	err   error
}

func (a *fakeAdvertiser) Advertise(ctx context.Context, line string) error {
	a.lines = append(a.lines, line)
	return a.err
}

func (a *fakeAdvertiser) Close() error { return nil }

type fakeThermometer struct {
	f   float64
	err error
}

func (t *fakeThermometer) Fahrenheit() (float64, error) { return t.f, t.err }

type fakeFeeder struct{ feeds int }

func (f *fakeFeeder) Feed() { f.feeds++ }

func newTestStatus(t *testing.T, clock Clock) *log.StatusLog {
	t.Helper()
	status, err := log.NewStatusLog(filepath.Join(t.TempDir(), "log.txt"), log.DefaultStatusLogLimit, clock.Now, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { status.Close() })
	return status
}

func newTestSupervisor(t *testing.T, clock Clock, status *log.StatusLog) (*Supervisor, *fakeResetter) {
	t.Helper()
	resetter := &fakeResetter{}
	return NewSupervisor(resetter, clock, status, zap.NewNop()), resetter
}

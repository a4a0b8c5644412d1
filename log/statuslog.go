package log

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Kind tags a status log line. Status and data lines feed the beacon;
// info lines are only recorded.
type Kind string

const (
	KindStatus Kind = "status"
	KindInfo   Kind = "info"
	KindData   Kind = "data"
)

// DefaultStatusLogLimit is the size past which the status log file is
// deleted and restarted.
const DefaultStatusLogLimit = 100 * 1024

// TimestampLayout is the ISO-8601 layout used on the device, without zone.
const TimestampLayout = "2006-01-02T15:04:05"

// StatusLog is the device's human-readable log: one timestamped line per
// call, kept in a size-capped file. It remembers the latest status and data
// lines so they can be broadcast.
type StatusLog struct {
	core   zapcore.Core
	sink   *cappedFile
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	lastStatus string
	lastData   string
}

func NewStatusLog(path string, limit int64, now func() time.Time, logger *zap.Logger) (*StatusLog, error) {
	sink, err := openCappedFile(path, limit)
	if err != nil {
		return nil, err
	}

	encoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "T",
		MessageKey:       "M",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.TimeEncoderOfLayout(TimestampLayout),
		ConsoleSeparator: ": ",
	})

	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StatusLog{
		core:       zapcore.NewCore(encoder, sink, zapcore.DebugLevel),
		sink:       sink,
		logger:     logger,
		now:        now,
		lastStatus: "...",
		lastData:   "???",
	}, nil
}

// Print appends message to the status log and returns the written line.
func (s *StatusLog) Print(kind Kind, message string) string {
	t := s.now()
	line := fmt.Sprintf("%s: %s", t.Format(TimestampLayout), message)

	if err := s.core.Write(zapcore.Entry{Time: t, Message: message}, nil); err != nil {
		s.logger.Error("Failed to write status log", zap.Error(err))
	}
	s.logger.Info(message, zap.String("kind", string(kind)))

	s.mu.Lock()
	switch kind {
	case KindStatus:
		s.lastStatus = line
	case KindData:
		s.lastData = line
	}
	s.mu.Unlock()

	return line
}

func (s *StatusLog) Status(message string) string { return s.Print(KindStatus, message) }
func (s *StatusLog) Info(message string) string   { return s.Print(KindInfo, message) }
func (s *StatusLog) Data(message string) string   { return s.Print(KindData, message) }

// LastStatus returns the most recent status line.
func (s *StatusLog) LastStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// LastData returns the most recent data line.
func (s *StatusLog) LastData() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastData
}

// Beacon returns the line broadcast over the status beacon.
func (s *StatusLog) Beacon() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus + " :: " + s.lastData
}

func (s *StatusLog) Close() error {
	return s.sink.Close()
}

// cappedFile is an append-only file that is deleted and restarted once it
// grows past limit bytes.
type cappedFile struct {
	mu    sync.Mutex
	path  string
	limit int64
	f     *os.File
	size  int64
}

func openCappedFile(path string, limit int64) (*cappedFile, error) {
	c := &cappedFile{path: path, limit: limit}
	if err := c.open(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *cappedFile) open() error {
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open status log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat status log: %w", err)
	}
	c.f = f
	c.size = info.Size()
	return nil
}

func (c *cappedFile) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f != nil && c.size > c.limit {
		c.f.Close()
		c.f = nil
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("failed to truncate status log: %w", err)
		}
	}
	// Reopen lazily so a failed open is retried on the next write.
	if c.f == nil {
		if err := c.open(); err != nil {
			return 0, err
		}
	}

	n, err := c.f.Write(p)
	c.size += int64(n)
	return n, err
}

func (c *cappedFile) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	return c.f.Sync()
}

func (c *cappedFile) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

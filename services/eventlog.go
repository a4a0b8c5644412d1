package services

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"vibenode/log"
	"vibenode/models"

	"go.uber.org/zap"
)

const DefaultEventLogMaxLines = 25

// EventLog is a newline-delimited JSON file of vibration events, capped at
// maxLines entries. When full, the oldest entry is dropped on append.
type EventLog struct {
	mu       sync.Mutex
	path     string
	maxLines int
	status   *log.StatusLog
	logger   *zap.Logger
}

func NewEventLog(path string, maxLines int, status *log.StatusLog, logger *zap.Logger) *EventLog {
	if maxLines < 1 {
		maxLines = DefaultEventLogMaxLines
	}
	return &EventLog{
		path:     path,
		maxLines: maxLines,
		status:   status,
		logger:   logger,
	}
}

// Append serializes event and adds it as the newest entry. It returns the
// written line.
func (l *EventLog) Append(event models.VibrationEvent) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	line := string(data)

	l.mu.Lock()
	defer l.mu.Unlock()

	lines, err := l.readLines()
	if errors.Is(err, os.ErrNotExist) {
		return line, os.WriteFile(l.path, []byte(line+"\n"), 0o644)
	}
	if err != nil {
		return "", err
	}

	if len(lines) < l.maxLines {
		f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return "", fmt.Errorf("failed to open event log: %w", err)
		}
		defer f.Close()
		if _, err := f.WriteString(line + "\n"); err != nil {
			return "", fmt.Errorf("failed to append event: %w", err)
		}
		return line, nil
	}

	// Full: keep the newest maxLines-1 entries plus the new one.
	keep := lines[len(lines)-(l.maxLines-1):]
	if err := l.rewrite(append(keep, line)); err != nil {
		return "", err
	}

	l.logger.Debug("Rotated event log",
		zap.Int("dropped", len(lines)-len(keep)),
		zap.Int("max_lines", l.maxLines))
	return line, nil
}

func (l *EventLog) rewrite(lines []string) error {
	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace event log: %w", err)
	}
	return nil
}

// Read returns, in file order, up to limit events whose timestamp is
// strictly after since (all events if since is empty). Unparseable lines
// are reported to the status log and skipped. The second result is the
// number of events returned.
func (l *EventLog) Read(since string, limit int) ([]models.VibrationEvent, int) {
	l.mu.Lock()
	lines, err := l.readLines()
	l.mu.Unlock()

	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.status.Status(fmt.Sprintf("Error reading file: %v", err))
		}
		return nil, 0
	}

	var events []models.VibrationEvent
	for _, line := range lines {
		if len(events) >= limit {
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		var event models.VibrationEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			l.status.Status(fmt.Sprintf("Could not parse: %s", strings.TrimSpace(line)))
			continue
		}
		if since != "" && event.Timestamp != "" && event.Timestamp <= since {
			continue
		}
		events = append(events, event)
	}

	return events, len(events)
}

// Len returns the number of lines currently stored.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines, err := l.readLines()
	if err != nil {
		return 0
	}
	return len(lines)
}

func (l *EventLog) readLines() ([]string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return lines, nil
}

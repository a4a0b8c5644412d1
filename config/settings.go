package config

import (
	"math"
	"sync"
)

// Settings are the vibration thresholds the remote service may tune.
type Settings struct {
	MinMagnitude            float64
	MinDurationSeconds      uint32
	MaxExpectedOffMagnitude float64
}

// DefaultSettings returns the thresholds used until the service sends others.
func DefaultSettings() Settings {
	return Settings{
		MinMagnitude:            0.08,
		MinDurationSeconds:      9,
		MaxExpectedOffMagnitude: 0.009,
	}
}

// Candidate carries optional threshold overrides. Nil fields are absent.
type Candidate struct {
	MinMagnitude            *float64
	MinDurationSeconds      *float64
	MaxExpectedOffMagnitude *float64
}

// Store guards the live Settings. Reads and writes only copy values,
// so the lock is never held across I/O.
type Store struct {
	mu       sync.Mutex
	settings Settings
}

func NewStore(initial Settings) *Store {
	return &Store{settings: initial}
}

// Snapshot returns a copy of the current settings.
func (s *Store) Snapshot() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Update applies each field of c that lies inside its valid range and
// returns the names of the fields that were applied. Out-of-range fields
// are ignored.
func (s *Store) Update(c Candidate) []string {
	var applied []string

	s.mu.Lock()
	defer s.mu.Unlock()

	if v := c.MinMagnitude; v != nil && *v > 0 && *v < 10 {
		s.settings.MinMagnitude = *v
		applied = append(applied, "vibration_minimum_magnitude")
	}
	if v := c.MinDurationSeconds; v != nil && *v > 0 && *v < 24*60*60 && *v == math.Trunc(*v) {
		s.settings.MinDurationSeconds = uint32(*v)
		applied = append(applied, "vibration_minimum_seconds")
	}
	if v := c.MaxExpectedOffMagnitude; v != nil && *v > 0 && *v < 0.1 {
		s.settings.MaxExpectedOffMagnitude = *v
		applied = append(applied, "max_exp_mag_off")
	}
	return applied
}

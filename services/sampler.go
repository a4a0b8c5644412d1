package services

import (
	"context"
	"errors"
	"math"
	"time"
)

const (
	DefaultSampleReps    = 50
	DefaultSampleSpacing = 2 * time.Millisecond
)

// Vector is one 3-axis accelerometer reading in g.
type Vector struct {
	X, Y, Z float64
}

// Accelerometer reads raw acceleration.
type Accelerometer interface {
	ReadAcceleration() (Vector, error)
}

// Reading is the result of one sample batch: the last raw vector and the
// vibration magnitude of the batch.
type Reading struct {
	Last      Vector
	Magnitude float64
}

// FeatureSampler reduces a burst of accelerometer reads to one vibration
// magnitude: the Euclidean norm of the per-axis standard deviations.
// Using spread instead of mean removes gravity and orientation.
type FeatureSampler struct {
	accel Accelerometer
	clock Clock
}

func NewFeatureSampler(accel Accelerometer, clock Clock) *FeatureSampler {
	return &FeatureSampler{accel: accel, clock: clock}
}

// Sample performs reps reads spaced by spacing. Read failures are returned
// as KindSensor errors.
func (s *FeatureSampler) Sample(ctx context.Context, reps int, spacing time.Duration) (Reading, error) {
	if reps < 1 {
		return Reading{}, Wrap(KindUnexpected, "sample", errors.New("reps must be positive"))
	}

	xs := make([]float64, reps)
	ys := make([]float64, reps)
	zs := make([]float64, reps)

	var last Vector
	for i := 0; i < reps; i++ {
		if err := ctx.Err(); err != nil {
			return Reading{}, err
		}
		v, err := s.accel.ReadAcceleration()
		if err != nil {
			return Reading{}, Wrap(KindSensor, "read accelerometer", err)
		}
		xs[i], ys[i], zs[i] = v.X, v.Y, v.Z
		last = v
		if i < reps-1 {
			s.clock.Sleep(spacing)
		}
	}

	return Reading{
		Last:      last,
		Magnitude: norm(stdev(xs), stdev(ys), stdev(zs)),
	}, nil
}

// stdev is the sample standard deviation (n-1 denominator).
func stdev(values []float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)-1))
}

func norm(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

package progress

import (
	"math"
	"sync"
	"time"

	"github.com/ligustah/shuttle/internal/domain"
)

// EstimatorOptions tunes the speed and ETA smoothing.
type EstimatorOptions struct {
	// Alpha weights the previous speed against the new instantaneous speed.
	// Default: 0.9
	Alpha float64

	// Beta weights the previous ETA against the new raw ETA.
	// Default: 0.8
	Beta float64

	// MinInterval is the shortest gap between samples that updates the speed.
	// Default: 500ms
	MinInterval time.Duration

	// StallDecay multiplies the speed when an interval moved no bytes.
	// Default: 0.95
	StallDecay float64

	// MaxETA clamps the reported remaining time.
	// Default: 24h
	MaxETA time.Duration
}

// DefaultEstimatorOptions returns the smoothing used for downloads.
func DefaultEstimatorOptions() EstimatorOptions {
	return EstimatorOptions{
		Alpha:       0.9,
		Beta:        0.8,
		MinInterval: 500 * time.Millisecond,
		StallDecay:  0.95,
		MaxETA:      24 * time.Hour,
	}
}

// Estimator turns byte-count samples into a smoothed speed and ETA.
// It is safe for concurrent use.
type Estimator struct {
	opts EstimatorOptions

	mu     sync.Mutex
	anchor domain.ProgressSample
	primed bool // anchor is set
	speed  float64
	warm   bool // speed holds at least one measurement
	eta    float64
	etaSet bool
}

// NewEstimator creates an Estimator. Zero option fields take their defaults.
func NewEstimator(opts EstimatorOptions) *Estimator {
	def := DefaultEstimatorOptions()
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		opts.Alpha = def.Alpha
	}
	if opts.Beta <= 0 || opts.Beta >= 1 {
		opts.Beta = def.Beta
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = def.MinInterval
	}
	if opts.StallDecay <= 0 || opts.StallDecay >= 1 {
		opts.StallDecay = def.StallDecay
	}
	if opts.MaxETA <= 0 {
		opts.MaxETA = def.MaxETA
	}
	return &Estimator{opts: opts}
}

// Observe feeds a sample. Samples closer than MinInterval to the previous
// accepted sample are ignored so high-frequency ticks do not add jitter.
// A byte count lower than the previous one restarts the measurement.
func (e *Estimator) Observe(s domain.ProgressSample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.primed {
		e.anchor = s
		e.primed = true
		return
	}

	dt := s.Time.Sub(e.anchor.Time)
	if dt < e.opts.MinInterval {
		return
	}

	delta := s.Bytes - e.anchor.Bytes
	switch {
	case delta < 0:
		e.resetLocked()
		e.anchor = s
		e.primed = true
		return
	case delta == 0:
		e.speed *= e.opts.StallDecay
	default:
		instant := float64(delta) / dt.Seconds()
		if !e.warm {
			e.speed = instant
			e.warm = true
		} else {
			e.speed = e.speed*e.opts.Alpha + instant*(1-e.opts.Alpha)
		}
	}

	if !finite(e.speed) || e.speed < 0 {
		e.speed = 0
	}
	e.anchor = s
}

// Speed returns the smoothed speed in bytes per second. Never negative or NaN.
func (e *Estimator) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// ETA advances the smoothed remaining-time estimate for remaining bytes and
// returns it. The boolean is false while no trustworthy estimate exists,
// which displays render as "calculating".
func (e *Estimator) ETA(remaining int64) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if remaining <= 0 {
		e.eta = 0
		e.etaSet = true
		return 0, true
	}
	if e.speed <= 0 {
		return 0, false
	}

	raw := float64(remaining) / e.speed
	if !finite(raw) || raw < 0 {
		return 0, false
	}

	if !e.etaSet {
		e.eta = raw
		e.etaSet = true
	} else {
		e.eta = e.eta*e.opts.Beta + raw*(1-e.opts.Beta)
	}

	if limit := e.opts.MaxETA.Seconds(); e.eta > limit {
		e.eta = limit
	}

	return time.Duration(e.eta * float64(time.Second)), true
}

// Reset discards all history.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Estimator) resetLocked() {
	e.anchor = domain.ProgressSample{}
	e.primed = false
	e.speed = 0
	e.warm = false
	e.eta = 0
	e.etaSet = false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

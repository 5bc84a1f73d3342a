// Package stats measures playback cadence.
//
// Meter is the live readout: frames presented during the last second.
// CalculateFPSStats summarizes a finished session from the timestamps of
// every rendered frame.
package stats

import (
	"math"
	"sync"
	"time"
)

const (
	// A run is stable when the stddev of the instantaneous rate stays below
	// this fraction of the mean rate...
	fpsStabilityThreshold = 0.15
	// ...and the mean jitter below this fraction of the expected interval.
	jitterStabilityThreshold = 0.20
)

// FPSStats summarizes the cadence of a set of frames.
type FPSStats struct {
	Frames       int
	Duration     time.Duration
	FPSMean      float64
	FPSStdDev    float64
	FPSMin       float64
	FPSMax       float64
	JitterMean   float64 // seconds
	JitterStdDev float64 // seconds
	JitterMax    float64 // seconds
	IsStable     bool
}

// CalculateFPSStats computes rate and jitter statistics for frames
// presented at frameTimes over duration.
//
// The mean rate is frames/duration. Instantaneous rates come from each
// positive inter-frame interval. Jitter is the absolute deviation of each
// interval from the interval the mean rate implies.
func CalculateFPSStats(frameTimes []time.Time, duration time.Duration) FPSStats {
	st := FPSStats{Frames: len(frameTimes), Duration: duration}
	if st.Frames == 0 || duration <= 0 {
		return st
	}
	st.FPSMean = float64(st.Frames) / duration.Seconds()
	expected := 1 / st.FPSMean

	rates := make([]float64, 0, st.Frames-1)
	jitters := make([]float64, 0, st.Frames-1)
	for i := 1; i < st.Frames; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		jitters = append(jitters, math.Abs(interval-expected))
		if interval > 0 {
			rates = append(rates, 1/interval)
		}
	}
	if len(rates) == 0 {
		return st
	}

	st.FPSMin, st.FPSMax = rates[0], rates[0]
	for _, r := range rates {
		st.FPSMin = min(st.FPSMin, r)
		st.FPSMax = max(st.FPSMax, r)
	}
	// Deviation is measured against the overall mean, not the mean of the
	// instantaneous rates.
	st.FPSStdDev = deviation(rates, st.FPSMean)

	for _, j := range jitters {
		st.JitterMean += j
		st.JitterMax = max(st.JitterMax, j)
	}
	st.JitterMean /= float64(len(jitters))
	st.JitterStdDev = deviation(jitters, st.JitterMean)

	st.IsStable = st.FPSStdDev < st.FPSMean*fpsStabilityThreshold &&
		st.JitterMean < expected*jitterStabilityThreshold
	return st
}

func deviation(values []float64, mean float64) float64 {
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// Meter counts frames presented within a sliding one second window.
// Safe for concurrent use.
type Meter struct {
	mu     sync.Mutex
	window time.Duration
	ticks  []time.Time
}

// NewMeter returns a one second meter.
func NewMeter() *Meter {
	return &Meter{window: time.Second}
}

// Tick records a frame at now and returns the current rate.
func (m *Meter) Tick(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks = append(m.ticks, now)
	m.trim(now)
	return len(m.ticks)
}

// FPS returns the number of frames within the window ending at now.
func (m *Meter) FPS(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trim(now)
	return len(m.ticks)
}

// Reset forgets every recorded frame.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.ticks = m.ticks[:0]
	m.mu.Unlock()
}

func (m *Meter) trim(now time.Time) {
	cut := 0
	for cut < len(m.ticks) && now.Sub(m.ticks[cut]) >= m.window {
		cut++
	}
	if cut > 0 {
		m.ticks = append(m.ticks[:0], m.ticks[cut:]...)
	}
}

package metrics

import (
	"math"
	"time"
)

// Window accumulates per-batch loss and timing across one epoch.
type Window struct {
	losses  []float64
	sum     float64
	compute time.Duration
}

// Record adds the loss of one batch and the time it took.
func (w *Window) Record(loss float64, compute time.Duration) {
	w.losses = append(w.losses, loss)
	w.sum += loss
	w.compute += compute
}

// Len returns the number of recorded batches.
func (w *Window) Len() int { return len(w.losses) }

// Mean returns the arithmetic mean of the recorded losses, NaN when empty.
func (w *Window) Mean() float64 {
	if len(w.losses) == 0 {
		return math.NaN()
	}
	return w.sum / float64(len(w.losses))
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Batches: len(w.losses), MeanLoss: w.Mean()}
	if len(w.losses) > 0 {
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(len(w.losses))
		snap.LastLoss = w.losses[len(w.losses)-1]
	}
	w.Reset()
	return snap
}

// Reset clears the window for the next epoch.
func (w *Window) Reset() {
	w.losses = w.losses[:0]
	w.sum = 0
	w.compute = 0
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Batches      int
	MeanLoss     float64
	AvgComputeMS float64
	LastLoss     float64
}

package node

import "math"

const (
	defLossWindow = 50
	defTolerance  = 0.02
)

// lossWindow keeps the most recent losses in a ring; unfilled slots read as
// zero, so the window cannot report convergence before it is full.
type lossWindow struct {
	values    []float64
	next      int
	tolerance float64
}

func newLossWindow(size int, tolerance float64) *lossWindow {
	if size <= 0 {
		size = defLossWindow
	}

	return &lossWindow{values: make([]float64, size), tolerance: tolerance}
}

func (w *lossWindow) push(loss float64) {
	w.values[w.next] = loss
	w.next = (w.next + 1) % len(w.values)
}

func (w *lossWindow) oldest() float64 {
	return w.values[w.next]
}

func (w *lossWindow) newest() float64 {
	return w.values[(w.next+len(w.values)-1)%len(w.values)]
}

func (w *lossWindow) converged() bool {
	oldest, newest := w.oldest(), w.newest()
	if oldest == 0 || newest == 0 {
		return false
	}

	return math.Abs(oldest-newest)/math.Abs(newest) < w.tolerance
}

// Package congestion implements the pipeline window and round-trip estimation
// used to pace segment requests against a lossy request/response network.
//
// Types in this package are not safe for concurrent use: the fetch engine owns
// them from a single goroutine.
package congestion

const (
	// MinWindow is the floor for the window; a loss always falls back to it.
	MinWindow = 1

	// DefaultMaxWindow is the ceiling used when none is configured.
	DefaultMaxWindow = 31
)

// Window tracks how many segment requests may be outstanding at once.
//
// Any loss signal (timeout or detected hole) drops straight to MinWindow.
// Each in-order delivery grows the window by one and each out-of-order
// arrival shrinks it by one.
type Window struct {
	size      int
	maxWindow int

	// Stats.
	losses int64
}

// NewWindow creates a window starting at MinWindow and capped at maxWindow.
// Non-positive maxWindow falls back to DefaultMaxWindow.
func NewWindow(maxWindow int) *Window {
	if maxWindow <= 0 {
		maxWindow = DefaultMaxWindow
	}
	return &Window{
		size:      MinWindow,
		maxWindow: maxWindow,
	}
}

// Size returns the current window.
func (w *Window) Size() int {
	return w.size
}

// Max returns the configured ceiling.
func (w *Window) Max() int {
	return w.maxWindow
}

// OnLoss handles a timeout or detected hole.
func (w *Window) OnLoss() {
	w.size = MinWindow
	w.losses++
}

// OnInOrder handles delivery of the awaited segment.
func (w *Window) OnInOrder() {
	if w.size < w.maxWindow {
		w.size++
	}
}

// OnOutOfOrder handles a segment that arrived while an earlier one is still pending.
func (w *Window) OnOutOfOrder() {
	if w.size > MinWindow {
		w.size--
	}
}

// Losses returns how many loss events have collapsed the window.
func (w *Window) Losses() int64 {
	return w.losses
}

// Package rules is the ingest rule engine: per-target rule instances
// consume streams of (ts, val) observations and drive message lifecycle
// through a TargetWriter. Six rule kinds are supported: threshold,
// freshness, cycle, triggered, nonSettling and session.
package rules

type (
	// Observation is one sample of a monitored input.
	Observation struct {
		// TS is the sample timestamp in epoch ms.
		TS int64
		// Val is the numeric sample value.
		Val float64
	}

	// Window is a fixed-capacity ring buffer of observations ordered by
	// arrival. Older entries are overwritten once capacity is reached, so
	// rule evaluation never allocates per observation.
	Window struct {
		buf   []Observation
		head  int // index of the next write
		count int
	}
)

// DefaultWindowSize is the per-target rolling window capacity.
const DefaultWindowSize = 64

// NewWindow returns a ring buffer holding up to capacity observations.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{buf: make([]Observation, capacity)}
}

// Push appends an observation, evicting the oldest when full.
func (w *Window) Push(o Observation) {
	w.buf[w.head] = o
	w.head = (w.head + 1) % len(w.buf)
	if w.count < len(w.buf) {
		w.count++
	}
}

// Len returns the number of held observations.
func (w *Window) Len() int { return w.count }

// At returns the i-th observation, oldest first.
func (w *Window) At(i int) Observation {
	start := w.head - w.count
	if start < 0 {
		start += len(w.buf)
	}
	return w.buf[(start+i)%len(w.buf)]
}

// Last returns the newest observation, if any.
func (w *Window) Last() (Observation, bool) {
	if w.count == 0 {
		return Observation{}, false
	}
	return w.At(w.count - 1), true
}

// First returns the oldest observation, if any.
func (w *Window) First() (Observation, bool) {
	if w.count == 0 {
		return Observation{}, false
	}
	return w.At(0), true
}

// Since returns the observations with TS >= ts, oldest first.
func (w *Window) Since(ts int64) []Observation {
	var out []Observation
	for i := 0; i < w.count; i++ {
		if o := w.At(i); o.TS >= ts {
			out = append(out, o)
		}
	}
	return out
}

// Reset discards all observations.
func (w *Window) Reset() {
	w.head = 0
	w.count = 0
}

package domain

import "time"

const (
	DefaultTelemetryWindow = 3 * time.Second
	maxPendingSubmissions  = 4096
)

type Telemetry struct {
	FPS             float64 `json:"fps"`
	LatencySeconds  float64 `json:"latency_s"`
	TimestampMicros int64   `json:"timestamp"`
}

type benchmarkRecord struct {
	first   int64
	last    int64
	frames  int
	latency time.Duration
}

type pendingSubmission struct {
	timestamp int64
	at        time.Time
}

// telemetryWindow folds per-batch records over a sliding window of frame
// timestamps into throughput and latency. Not safe for concurrent use.
type telemetryWindow struct {
	window  time.Duration
	pending []pendingSubmission
	records []benchmarkRecord
}

func newTelemetryWindow(window time.Duration) *telemetryWindow {
	if window <= 0 {
		window = DefaultTelemetryWindow
	}
	return &telemetryWindow{window: window}
}

func (w *telemetryWindow) reset() {
	w.pending = w.pending[:0]
	w.records = w.records[:0]
}

func (w *telemetryWindow) submitted(timestamp int64, at time.Time) {
	if len(w.pending) >= maxPendingSubmissions {
		w.pending = w.pending[1:]
	}
	w.pending = append(w.pending, pendingSubmission{timestamp: timestamp, at: at})
}

// delivered accounts for a batch covering every pending submission up to
// timestamp. The boolean is false until the window spans a positive interval.
func (w *telemetryWindow) delivered(timestamp int64, at time.Time) (Telemetry, bool) {
	n := 0
	for n < len(w.pending) && w.pending[n].timestamp <= timestamp {
		n++
	}
	if n > 0 {
		last := w.pending[n-1]
		w.records = append(w.records, benchmarkRecord{
			first:   w.pending[0].timestamp,
			last:    last.timestamp,
			frames:  n,
			latency: at.Sub(last.at),
		})
		w.pending = w.pending[n:]
	}

	cutoff := timestamp - w.window.Microseconds()
	kept := w.records[:0]
	for _, r := range w.records {
		if r.last >= cutoff {
			kept = append(kept, r)
		}
	}
	w.records = kept
	if len(w.records) == 0 {
		return Telemetry{}, false
	}

	first, last := w.records[0].first, w.records[0].last
	frames := 0
	var latency time.Duration
	for _, r := range w.records {
		first = min(first, r.first)
		last = max(last, r.last)
		frames += r.frames
		latency += r.latency
	}
	span := float64(last-first) / 1e6
	if span <= 0 {
		return Telemetry{}, false
	}
	return Telemetry{
		FPS:             float64(frames-1) / span,
		LatencySeconds:  latency.Seconds() / float64(len(w.records)),
		TimestampMicros: timestamp,
	}, true
}

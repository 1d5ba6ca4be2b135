package engine

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/ponyo877/spectragate/server/domain"
	"github.com/rs/zerolog"
)

const (
	defaultBatchEvery = 5
	replayInputSize   = 64
	darkThreshold     = 20
	brightThreshold   = 235
)

// ReplayEngine is an in-process engine that produces canned vitals. It
// reports exposure problems from the frame content and emits one metrics
// batch per BatchEvery frames (continuous) or per spot window (spot).
type ReplayEngine struct {
	mu          sync.Mutex
	batchEvery  int
	settings    domain.Settings
	initialized bool
	input       chan domain.EngineInput
	done        chan struct{}
	logger      zerolog.Logger
}

func NewReplayEngine(batchEvery int, logger zerolog.Logger) *ReplayEngine {
	if batchEvery <= 0 {
		batchEvery = defaultBatchEvery
	}
	return &ReplayEngine{batchEvery: batchEvery, logger: logger}
}

func (e *ReplayEngine) Initialize(ctx context.Context, settings domain.Settings) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.input != nil {
		return fmt.Errorf("replay engine running: %w", domain.ErrFailedPrecondition)
	}
	e.settings = settings
	e.initialized = true
	return nil
}

func (e *ReplayEngine) Start(ctx context.Context, outputs domain.EngineOutputs) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return fmt.Errorf("replay engine not initialized: %w", domain.ErrFailedPrecondition)
	}
	if e.input != nil {
		return fmt.Errorf("replay engine already started: %w", domain.ErrFailedPrecondition)
	}
	e.input = make(chan domain.EngineInput, replayInputSize)
	e.done = make(chan struct{})
	go e.run(e.input, e.done, e.settings, outputs)
	return nil
}

func (e *ReplayEngine) Submit(in domain.EngineInput) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.input == nil {
		return fmt.Errorf("replay engine not started: %w", domain.ErrFailedPrecondition)
	}
	select {
	case e.input <- in:
		return nil
	default:
		return fmt.Errorf("replay engine input full: %w", domain.ErrResourceExhausted)
	}
}

func (e *ReplayEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.input == nil {
		e.mu.Unlock()
		return nil
	}
	close(e.input)
	e.input = nil
	e.initialized = false
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("replay engine drain: %w: %v", domain.ErrInternalEngine, ctx.Err())
	}
}

func (e *ReplayEngine) run(input <-chan domain.EngineInput, done chan<- struct{}, settings domain.Settings, outputs domain.EngineOutputs) {
	defer close(done)

	var (
		total      int
		batched    int
		windowFrom int64 = -1
		last       domain.EngineInput
		recorded   int
	)
	spot := settings.Operation.Mode == domain.OperationSpot
	spotMicros := settings.Operation.SpotDuration.Microseconds()

	for in := range input {
		total++
		batched++
		last = in
		if in.Recording {
			recorded++
		}
		if windowFrom < 0 {
			windowFrom = in.TimestampMicros
		}

		outputs.OnStatus(exposureStatus(in.Frame.Image))

		emit := batched >= e.batchEvery
		if spot {
			emit = in.TimestampMicros-windowFrom >= spotMicros
		}
		if emit {
			e.emit(outputs, last, total, batched, recorded)
			batched = 0
			windowFrom = -1
		}
	}

	// a spot measurement still reports whatever it collected
	if spot && batched > 0 {
		e.emit(outputs, last, total, batched, recorded)
	}
}

func (e *ReplayEngine) emit(outputs domain.EngineOutputs, last domain.EngineInput, total, frames, recorded int) {
	batch, err := ReplayMetrics(last.TimestampMicros, total, frames, recorded)
	if err != nil {
		e.logger.Error().Err(err).Msg("error building replay metrics")
		return
	}
	outputs.OnMetrics(batch, last.TimestampMicros)
}

// ReplayMetrics builds the canned record for a batch ending at ts.
func ReplayMetrics(ts int64, total, frames, recorded int) (domain.MetricsBatch, error) {
	seconds := float64(ts) / 1e6
	pulse := 62.0 + float64(total%16)
	breathing := 12.0 + float64(total%6)/2
	return domain.NewMetricsBatch(map[string]any{
		"pulse": map[string]any{
			"rate": []any{map[string]any{
				"time": seconds, "value": pulse, "stable": total > 30, "confidence": 0.9,
			}},
		},
		"breathing": map[string]any{
			"rate": []any{map[string]any{
				"time": seconds, "value": breathing, "stable": total > 30, "confidence": 0.85,
			}},
		},
		"face": map[string]any{
			"blinking": []any{map[string]any{"time": seconds, "detected": total%25 == 0}},
		},
		"metadata": map[string]any{
			"frame_count":     float64(frames),
			"frames_recorded": float64(recorded),
		},
	})
}

// exposureStatus samples a coarse grid of the image and classifies its mean
// luminance.
func exposureStatus(img image.Image) domain.StatusCode {
	if img == nil {
		return domain.StatusNoFacesFound
	}
	b := img.Bounds()
	if b.Empty() {
		return domain.StatusNoFacesFound
	}

	const grid = 8
	var sum, n uint64
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			x := b.Min.X + (b.Dx()*gx)/grid
			y := b.Min.Y + (b.Dy()*gy)/grid
			r, g, bl, _ := img.At(x, y).RGBA()
			// Rec. 601 luma on 16-bit channels, scaled to 8 bits
			sum += (299*uint64(r) + 587*uint64(g) + 114*uint64(bl)) / 1000 >> 8
			n++
		}
	}
	mean := sum / n
	switch {
	case mean < darkThreshold:
		return domain.StatusImageTooDark
	case mean > brightThreshold:
		return domain.StatusImageTooBright
	default:
		return domain.StatusOK
	}
}

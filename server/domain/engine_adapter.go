package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type AdapterState int

const (
	AdapterUninitialized AdapterState = iota
	AdapterInitialized
	AdapterRunning
	AdapterStopped
)

func (s AdapterState) String() string {
	switch s {
	case AdapterUninitialized:
		return "uninitialized"
	case AdapterInitialized:
		return "initialized"
	case AdapterRunning:
		return "running"
	case AdapterStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type (
	StatusHandler    func(code StatusCode) error
	MetricsHandler   func(batch MetricsBatch, timestampMicros int64) error
	TelemetryHandler func(fps, latencySeconds float64, timestampMicros int64) error
)

// EngineAdapter sequences one engine through initialize, start, run and stop
// and fans its asynchronous outputs into the registered handlers.
//
// Handlers run on the engine's delivery goroutine. They are captured at
// StartGraph and cannot be replaced while running.
type EngineAdapter struct {
	mu       sync.RWMutex
	engine   Engine
	settings Settings
	state    AdapterState

	onStatus    StatusHandler
	onMetrics   MetricsHandler
	onTelemetry TelemetryHandler

	recording atomic.Bool

	// statusMu serializes status delivery so deduplication and ordering hold
	// even if the engine delivers from more than one goroutine.
	statusMu sync.Mutex
	status   atomic.Int32

	telMu         sync.Mutex
	telemetry     *telemetryWindow
	lastTelemetry Telemetry

	logger zerolog.Logger
	now    func() time.Time
}

func NewEngineAdapter(engine Engine, settings Settings, logger zerolog.Logger) *EngineAdapter {
	return &EngineAdapter{
		engine:    engine,
		settings:  settings,
		telemetry: newTelemetryWindow(DefaultTelemetryWindow),
		logger:    logger,
		now:       time.Now,
	}
}

func (a *EngineAdapter) SetOnStatusChange(h StatusHandler) error {
	return a.setHandler(func() { a.onStatus = h })
}

func (a *EngineAdapter) SetOnCoreMetricsOutput(h MetricsHandler) error {
	return a.setHandler(func() { a.onMetrics = h })
}

// SetOnPerformanceTelemetry is optional; a nil handler disables reporting.
func (a *EngineAdapter) SetOnPerformanceTelemetry(h TelemetryHandler) error {
	return a.setHandler(func() { a.onTelemetry = h })
}

func (a *EngineAdapter) setHandler(set func()) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == AdapterRunning {
		return fmt.Errorf("cannot replace a handler while running: %w", ErrFailedPrecondition)
	}
	set()
	return nil
}

func (a *EngineAdapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case AdapterRunning:
		return fmt.Errorf("engine already running: %w", ErrFailedPrecondition)
	case AdapterInitialized:
		return nil
	}

	if err := a.settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := a.engine.Initialize(ctx, a.settings); err != nil {
		return engineError("initialize", err)
	}
	a.state = AdapterInitialized
	a.status.Store(int32(StatusProcessingNotStarted))
	return nil
}

func (a *EngineAdapter) StartGraph(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.state == AdapterRunning:
		return fmt.Errorf("engine already running: %w", ErrFailedPrecondition)
	case a.state != AdapterInitialized:
		return fmt.Errorf("engine not initialized (state %s): %w", a.state, ErrFailedPrecondition)
	case a.onStatus == nil:
		return fmt.Errorf("status change handler not set: %w", ErrFailedPrecondition)
	case a.onMetrics == nil:
		return fmt.Errorf("core metrics handler not set: %w", ErrFailedPrecondition)
	}

	a.telMu.Lock()
	a.telemetry.reset()
	a.lastTelemetry = Telemetry{}
	a.telMu.Unlock()
	a.status.Store(int32(StatusProcessingNotStarted))

	onStatus, onMetrics, onTelemetry := a.onStatus, a.onMetrics, a.onTelemetry
	outputs := EngineOutputs{
		OnStatus: func(code StatusCode) {
			a.deliverStatus(onStatus, code)
		},
		OnMetrics: func(batch MetricsBatch, ts int64) {
			a.deliverMetrics(onMetrics, onTelemetry, batch, ts)
		},
	}
	if err := a.engine.Start(ctx, outputs); err != nil {
		return engineError("start", err)
	}
	a.state = AdapterRunning
	return nil
}

// AddFrameWithTimestamp hands one frame to the engine without waiting for
// its result.
func (a *EngineAdapter) AddFrameWithTimestamp(frame Frame, timestampMicros int64) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.state != AdapterRunning {
		return fmt.Errorf("engine not running (state %s): %w", a.state, ErrFailedPrecondition)
	}

	a.telMu.Lock()
	a.telemetry.submitted(timestampMicros, a.now())
	a.telMu.Unlock()

	in := EngineInput{
		Frame:           frame,
		TimestampMicros: timestampMicros,
		Recording:       a.recording.Load(),
	}
	if err := a.engine.Submit(in); err != nil {
		return engineError("submit", err)
	}
	return nil
}

func (a *EngineAdapter) SetRecording(on bool) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.state != AdapterRunning {
		return fmt.Errorf("engine not running (state %s): %w", a.state, ErrFailedPrecondition)
	}
	a.recording.Store(on)
	return nil
}

// StopGraph drains the engine and resets the status. Stopping an adapter
// that is not running succeeds without effect.
func (a *EngineAdapter) StopGraph(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != AdapterRunning {
		return nil
	}

	err := a.engine.Stop(ctx)
	a.state = AdapterStopped
	a.recording.Store(false)
	a.status.Store(int32(StatusProcessingNotStarted))
	if err != nil {
		return engineError("stop", err)
	}
	return nil
}

func (a *EngineAdapter) State() AdapterState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *EngineAdapter) StatusCode() StatusCode {
	return StatusCode(a.status.Load())
}

func (a *EngineAdapter) Recording() bool {
	return a.recording.Load()
}

func (a *EngineAdapter) Telemetry() Telemetry {
	a.telMu.Lock()
	defer a.telMu.Unlock()
	return a.lastTelemetry
}

func (a *EngineAdapter) deliverStatus(h StatusHandler, code StatusCode) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()

	if StatusCode(a.status.Load()) == code {
		return
	}
	a.status.Store(int32(code))
	if err := h(code); err != nil {
		a.logger.Error().Err(err).Str("status", code.String()).Msg("status handler failed")
	}
}

func (a *EngineAdapter) deliverMetrics(h MetricsHandler, th TelemetryHandler, batch MetricsBatch, ts int64) {
	if batch.IsEmpty() {
		return
	}
	if err := h(batch, ts); err != nil {
		a.logger.Error().Err(err).Int64("timestamp", ts).Msg("metrics handler failed")
	}

	a.telMu.Lock()
	t, ok := a.telemetry.delivered(ts, a.now())
	if ok {
		a.lastTelemetry = t
	}
	a.telMu.Unlock()

	if ok && th != nil {
		if err := th(t.FPS, t.LatencySeconds, ts); err != nil {
			a.logger.Error().Err(err).Msg("telemetry handler failed")
		}
	}
}

func engineError(op string, err error) error {
	if errors.Is(err, ErrFailedPrecondition) || errors.Is(err, ErrInternalEngine) || errors.Is(err, ErrResourceExhausted) {
		return fmt.Errorf("engine %s: %w", op, err)
	}
	return fmt.Errorf("engine %s: %w: %v", op, ErrInternalEngine, err)
}

package domain

import "context"

type EngineInput struct {
	Frame           Frame
	TimestampMicros int64
	Recording       bool
}

// EngineOutputs are the sinks an engine delivers into from its own
// goroutines once started.
type EngineOutputs struct {
	OnStatus  func(StatusCode)
	OnMetrics func(MetricsBatch, int64)
}

// Engine is the external signal-extraction engine of one session.
//
// Submit must not block on processing; a full input queue is reported as
// ErrResourceExhausted and the frame is dropped. Stop closes the input side and returns
// once in-flight work has drained; no output is delivered after Stop returns.
// A stopped engine may be initialized and started again.
type Engine interface {
	Initialize(ctx context.Context, settings Settings) error
	Start(ctx context.Context, outputs EngineOutputs) error
	Submit(in EngineInput) error
	Stop(ctx context.Context) error
}

type EngineFactory func(sessionID string) (Engine, error)

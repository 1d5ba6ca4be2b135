package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ponyo877/spectragate/server/adaptor"
	"github.com/ponyo877/spectragate/server/domain"
	"github.com/rs/zerolog"
)

// Close reasons sent to stream clients and stored in the ledger.
const (
	ReasonSessionNotFound   = "Session not found"
	ReasonAlreadyStreaming  = "Session already streaming"
	ReasonCallbackFailed    = "Failed to initialize metrics callback"
	ReasonEngineInitFailed  = "Failed to initialize analysis container"
	ReasonSessionDeleted    = "Session deleted"
	ReasonSessionTerminated = "Session terminated"
	ReasonConnectionClosed  = "Connection closed"
	ReasonShuttingDown      = "Server shutting down"
)

const engineStartTimeout = 30 * time.Second

// StreamUsecase binds stream connection events to sessions: open starts the
// pipeline, each binary message becomes a frame, close tears the session down.
type StreamUsecase struct {
	registry   *domain.SessionRegistry
	repo       Repository
	tombstones *Tombstones
	mirror     MetricsMirror
	telemetry  bool
	logger     zerolog.Logger
	now        func() time.Time
}

// NewStreamUsecase creates the stream gateway. mirror may be nil.
func NewStreamUsecase(registry *domain.SessionRegistry, repo Repository, tombstones *Tombstones, mirror MetricsMirror, telemetry bool, logger zerolog.Logger) adaptor.StreamUsecase {
	return &StreamUsecase{
		registry:   registry,
		repo:       repo,
		tombstones: tombstones,
		mirror:     mirror,
		telemetry:  telemetry,
		logger:     logger,
		now:        time.Now,
	}
}

// OpenStream attaches conn to the session and starts its pipeline. On any
// failure conn has already been closed with a reason when OpenStream returns.
func (u *StreamUsecase) OpenStream(id string, conn domain.Conn) error {
	s, err := u.registry.Get(id)
	if err != nil {
		reason := ReasonSessionNotFound
		if closed, ok := u.tombstones.Get(id); ok {
			reason = fmt.Sprintf("%s: %s", ReasonSessionNotFound, closed.Reason)
		}
		u.logger.Warn().Str("session_id", id).Str("reason", reason).Msg("stream opened for unknown session")
		_ = conn.Close(reason)
		return fmt.Errorf("error opening stream: %w", err)
	}
	logger := s.Logger()

	if err := s.Attach(conn); err != nil {
		logger.Warn().Err(err).Msg("refusing second stream")
		_ = conn.Close(ReasonAlreadyStreaming)
		return fmt.Errorf("error attaching stream: %w", err)
	}
	s.Buffer.Start()

	if err := u.registerHandlers(s); err != nil {
		logger.Error().Err(err).Msg("failed to register engine handlers")
		u.registry.Delete(id, ReasonCallbackFailed)
		return fmt.Errorf("error registering handlers: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), engineStartTimeout)
	defer cancel()
	if err := s.Adapter.Initialize(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to initialize engine")
		u.registry.Delete(id, ReasonEngineInitFailed)
		return fmt.Errorf("error initializing engine: %w", err)
	}
	if err := s.Adapter.StartGraph(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to start engine")
		u.registry.Delete(id, ReasonEngineInitFailed)
		return fmt.Errorf("error starting engine: %w", err)
	}
	// a delete that raced with this open has already torn the session down
	if s.IsClosed() {
		_ = s.Adapter.StopGraph(ctx)
		return fmt.Errorf("session %s closed while opening: %w", id, domain.ErrFailedPrecondition)
	}
	if s.Config().Recording {
		if err := s.Adapter.SetRecording(true); err != nil {
			logger.Warn().Err(err).Msg("failed to enable recording")
		}
	}

	if err := u.repo.MarkConnected(id, u.now()); err != nil {
		logger.Warn().Err(err).Msg("failed to record connection in ledger")
	}

	s.StartPump(func() { u.pump(s) })
	logger.Info().Msg("stream opened")
	return nil
}

// HandleMessage decodes one inbound message into a frame. Nothing here ends
// the session: bad payloads are logged and dropped.
func (u *StreamUsecase) HandleMessage(id string, binary bool, data []byte) {
	s, err := u.registry.Get(id)
	if err != nil {
		u.logger.Debug().Str("session_id", id).Msg("message for closed session")
		return
	}
	logger := s.Logger()

	if !binary {
		logger.Warn().Int("bytes", len(data)).Msg("ignoring non-binary message")
		return
	}
	frame, err := domain.DecodeFrame(data)
	if err != nil {
		logger.Warn().Err(err).Int("bytes", len(data)).Msg("failed to decode frame")
		return
	}
	if err := s.Buffer.Push(frame); err != nil {
		logger.Warn().Err(err).Msg("failed to push frame")
		return
	}
	s.CountFrame()
}

// CloseStream tears the session down if conn is still its connection.
// Closing an already closed or refused stream does nothing.
func (u *StreamUsecase) CloseStream(id string, conn domain.Conn) {
	s, err := u.registry.Get(id)
	if err != nil {
		return
	}
	if !s.Detach(conn) {
		return
	}
	u.registry.Delete(id, ReasonConnectionClosed)
}

func (u *StreamUsecase) registerHandlers(s *domain.Session) error {
	if err := s.Adapter.SetOnStatusChange(func(code domain.StatusCode) error {
		return u.send(s, domain.NewStatusMessage(s.ID, code, s.Buffer.Timestamp()))
	}); err != nil {
		return err
	}
	if err := s.Adapter.SetOnCoreMetricsOutput(func(batch domain.MetricsBatch, ts int64) error {
		return u.send(s, domain.NewMetricsMessage(s.ID, batch, ts))
	}); err != nil {
		return err
	}
	if !u.telemetry {
		return nil
	}
	return s.Adapter.SetOnPerformanceTelemetry(func(fps, latency float64, ts int64) error {
		t := domain.Telemetry{FPS: fps, LatencySeconds: latency, TimestampMicros: ts}
		return u.send(s, domain.NewTelemetryMessage(s.ID, t))
	})
}

// send writes msg to the session's connection. A session whose connection is
// already gone drops the message silently.
func (u *StreamUsecase) send(s *domain.Session, msg domain.StreamMessage) error {
	payload, err := msg.JSON()
	if err != nil {
		return fmt.Errorf("error encoding %s message: %w", msg.Type, err)
	}
	if err := s.Send(payload); err != nil {
		if errors.Is(err, domain.ErrNotRunning) {
			return nil
		}
		return err
	}
	if msg.Type != domain.MessageMetrics {
		return nil
	}
	s.CountMetrics()
	if u.mirror != nil {
		if err := u.mirror.Publish(s.ID, payload); err != nil {
			logger := s.Logger()
			logger.Warn().Err(err).Msg("failed to mirror metrics")
		}
	}
	return nil
}

// pump forwards frames from the buffer to the engine until the buffer is
// stopped. An engine failure ends the session.
func (u *StreamUsecase) pump(s *domain.Session) {
	logger := s.Logger()
	for {
		frame, ok := s.Buffer.Pop()
		if !ok {
			logger.Debug().Msg("pipeline pump stopped")
			return
		}
		err := s.Adapter.AddFrameWithTimestamp(frame, frame.TimestampMicros)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrResourceExhausted):
			logger.Warn().Err(err).Int64("timestamp", frame.TimestampMicros).Msg("engine busy, dropping frame")
		case errors.Is(err, domain.ErrFailedPrecondition):
			// the adapter is stopping as part of teardown
			return
		default:
			logger.Error().Err(err).Msg("engine failed, closing session")
			// Delete waits for this pump to exit.
			go u.registry.Delete(s.ID, ReasonSessionTerminated)
			return
		}
	}
}

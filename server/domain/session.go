package domain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Conn is the transport side of a stream. The session never owns it; Close
// only asks the transport to hang up with a reason.
type Conn interface {
	Send(msg []byte) error
	Close(reason string) error
}

type SessionConfig struct {
	Resolution     Resolution
	BufferCapacity int
	Recording      bool
}

type Session struct {
	ID        string
	CreatedAt time.Time
	Buffer    *FrameBuffer
	Adapter   *EngineAdapter

	mu       sync.Mutex
	config   SessionConfig
	conn     Conn
	closed   bool
	pumpDone chan struct{}

	teardownOnce sync.Once
	teardownErr  error

	framesReceived atomic.Uint64
	messagesSent   atomic.Uint64
	metricsSent    atomic.Uint64

	logger zerolog.Logger
}

type SessionSnapshot struct {
	ID           string
	CreatedAt    time.Time
	Connected    bool
	Config       SessionConfig
	AdapterState AdapterState
	Status       StatusCode
	Recording    bool
	Buffer       BufferStats
	Telemetry    Telemetry
	Counters     SessionCounters
}

type SessionCounters struct {
	FramesReceived uint64 `json:"frames_received"`
	MessagesSent   uint64 `json:"messages_sent"`
	MetricsSent    uint64 `json:"metrics_sent"`
}

// ClosedSession is what is remembered about a session after teardown.
type ClosedSession struct {
	ID       string
	Reason   string
	ClosedAt time.Time
}

func NewSession(id string, cfg SessionConfig, engine Engine, settings Settings, createdAt time.Time, logger zerolog.Logger) *Session {
	logger = logger.With().Str("session_id", id).Logger()
	return &Session{
		ID:        id,
		CreatedAt: createdAt,
		Buffer:    NewFrameBuffer(cfg.BufferCapacity, cfg.Resolution.Width, cfg.Resolution.Height, logger),
		Adapter:   NewEngineAdapter(engine, settings, logger),
		config:    cfg,
		logger:    logger,
	}
}

func (s *Session) Logger() zerolog.Logger {
	return s.logger
}

func (s *Session) Config() SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// SetRecordingPreference records the flag to apply on the next stream start.
func (s *Session) SetRecordingPreference(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Recording = on
}

func (s *Session) Attach(conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session %s closed: %w", s.ID, ErrFailedPrecondition)
	}
	if s.conn != nil {
		return fmt.Errorf("session %s already streaming: %w", s.ID, ErrFailedPrecondition)
	}
	s.conn = conn
	return nil
}

// Detach clears the connection reference if it is still conn.
func (s *Session) Detach(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != conn {
		return false
	}
	s.conn = nil
	return true
}

func (s *Session) HasConnection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Send writes one outbound message to the attached connection.
func (s *Session) Send(msg []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("session %s has no connection: %w", s.ID, ErrNotRunning)
	}
	if err := conn.Send(msg); err != nil {
		return fmt.Errorf("error sending to session %s: %w", s.ID, err)
	}
	s.messagesSent.Add(1)
	return nil
}

func (s *Session) CountFrame() {
	s.framesReceived.Add(1)
}

func (s *Session) CountMetrics() {
	s.metricsSent.Add(1)
}

func (s *Session) Counters() SessionCounters {
	return SessionCounters{
		FramesReceived: s.framesReceived.Load(),
		MessagesSent:   s.messagesSent.Load(),
		MetricsSent:    s.metricsSent.Load(),
	}
}

// StartPump runs fn on its own goroutine; Teardown waits for it to return.
func (s *Session) StartPump(fn func()) {
	done := make(chan struct{})
	s.mu.Lock()
	s.pumpDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		fn()
	}()
}

func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Teardown stops the buffer and the engine, hangs up the connection and
// waits for the pump. Only the first call has any effect.
func (s *Session) Teardown(ctx context.Context, reason string) error {
	s.teardownOnce.Do(func() {
		s.markClosed()
		s.Buffer.Stop()
		s.Buffer.Clear()

		err := s.Adapter.StopGraph(ctx)

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		done := s.pumpDone
		s.mu.Unlock()

		if conn != nil {
			if cerr := conn.Close(reason); cerr != nil {
				s.logger.Debug().Err(cerr).Msg("error closing connection")
			}
		}
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				s.logger.Warn().Msg("pump did not exit before teardown deadline")
			}
		}
		s.teardownErr = err
	})
	return s.teardownErr
}

func (s *Session) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		Connected:    s.HasConnection(),
		Config:       s.Config(),
		AdapterState: s.Adapter.State(),
		Status:       s.Adapter.StatusCode(),
		Recording:    s.Adapter.Recording(),
		Buffer:       s.Buffer.Stats(),
		Telemetry:    s.Adapter.Telemetry(),
		Counters:     s.Counters(),
	}
}

package usecase

import (
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/ponyo877/spectragate/server/adaptor"
	"github.com/ponyo877/spectragate/server/domain"
	"github.com/rs/zerolog"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

type SessionOptions struct {
	PublicHost      string
	Port            int
	DefaultCapacity int
}

type SessionUsecase struct {
	registry   *domain.SessionRegistry
	repo       Repository
	tombstones *Tombstones
	opts       SessionOptions
	logger     zerolog.Logger

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
	now       func() time.Time
}

// NewSessionUsecase wires the control plane to the registry. Every session
// the registry removes is closed in the ledger and remembered as a
// tombstone.
func NewSessionUsecase(registry *domain.SessionRegistry, repo Repository, tombstones *Tombstones, opts SessionOptions, logger zerolog.Logger) adaptor.SessionUsecase {
	u := &SessionUsecase{
		registry:   registry,
		repo:       repo,
		tombstones: tombstones,
		opts:       opts,
		logger:     logger,
		entropy:    ulid.Monotonic(rand.Reader, 0),
		now:        time.Now,
	}
	registry.OnRemove(u.sessionRemoved)
	return u
}

func (u *SessionUsecase) CreateSession(req domain.SessionRequest) (domain.SessionSnapshot, error) {
	id, err := u.newID()
	if err != nil {
		return domain.SessionSnapshot{}, fmt.Errorf("error generating session id: %w", err)
	}
	cfg := req.Config(u.opts.DefaultCapacity)
	s, err := u.registry.Create(id, cfg)
	if err != nil {
		return domain.SessionSnapshot{}, fmt.Errorf("error creating session: %w", err)
	}

	record := domain.SessionRecord{ID: id, Resolution: cfg.Resolution.Name, CreatedAt: s.CreatedAt}
	if err := u.repo.CreateSession(record); err != nil {
		u.logger.Warn().Err(err).Str("session_id", id).Msg("failed to record session in ledger")
	}
	u.logger.Info().
		Str("session_id", id).
		Str("resolution", cfg.Resolution.Name).
		Int("buffer_capacity", cfg.BufferCapacity).
		Msg("session created")
	return s.Snapshot(), nil
}

func (u *SessionUsecase) DeleteSession(id string) error {
	if !u.registry.Delete(id, ReasonSessionDeleted) {
		return fmt.Errorf("error deleting session %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (u *SessionUsecase) GetSession(id string) (domain.SessionSnapshot, error) {
	s, err := u.registry.Get(id)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	return s.Snapshot(), nil
}

func (u *SessionUsecase) ClosedSession(id string) (domain.ClosedSession, bool) {
	return u.tombstones.Get(id)
}

func (u *SessionUsecase) ListSessions() []domain.SessionSnapshot {
	sessions := u.registry.List()
	snapshots := make([]domain.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		snapshots = append(snapshots, s.Snapshot())
	}
	return snapshots
}

// SetRecording stores the preference and applies it to a running engine.
// A session that is not streaming picks it up on its next stream open.
func (u *SessionUsecase) SetRecording(id string, on bool) error {
	s, err := u.registry.Get(id)
	if err != nil {
		return err
	}
	s.SetRecordingPreference(on)
	if s.Adapter.State() == domain.AdapterRunning {
		if err := s.Adapter.SetRecording(on); err != nil {
			logger := s.Logger()
			logger.Debug().Err(err).Msg("engine stopped before recording change applied")
		}
	}
	logger := s.Logger()
	logger.Info().Bool("recording", on).Msg("recording preference changed")
	return nil
}

// History returns the newest ledger entries, closed sessions included.
func (u *SessionUsecase) History(limit int) ([]domain.SessionRecord, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	records, err := u.repo.ListSessions(limit)
	if err != nil {
		return nil, fmt.Errorf("error reading session history: %w", err)
	}
	return records, nil
}

func (u *SessionUsecase) StreamURL(id string) string {
	host := net.JoinHostPort(u.opts.PublicHost, strconv.Itoa(u.opts.Port))
	return fmt.Sprintf("ws://%s/streams/%s", host, id)
}

func (u *SessionUsecase) MaxSessions() int {
	return u.registry.MaxSessions()
}

func (u *SessionUsecase) SessionCount() int {
	return u.registry.Len()
}

func (u *SessionUsecase) sessionRemoved(s *domain.Session, reason string) {
	now := u.now()
	u.tombstones.Add(s.ID, reason, now)

	c := s.Counters()
	if err := u.repo.CloseSession(s.ID, reason, now, c.FramesReceived, c.MetricsSent); err != nil {
		logger := s.Logger()
		logger.Warn().Err(err).Msg("failed to close session in ledger")
	}
}

func (u *SessionUsecase) newID() (string, error) {
	u.entropyMu.Lock()
	defer u.entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(u.now()), u.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

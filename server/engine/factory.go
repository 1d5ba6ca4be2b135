package engine

import (
	"fmt"

	"github.com/ponyo877/spectragate/server/domain"
	"github.com/rs/zerolog"
)

type Kind int

const (
	KindReplay Kind = iota
	KindGRPC
	KindProcess
)

func (k Kind) String() string {
	switch k {
	case KindReplay:
		return "replay"
	case KindGRPC:
		return "grpc"
	case KindProcess:
		return "process"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "replay":
		return KindReplay, nil
	case "grpc":
		return KindGRPC, nil
	case "process":
		return KindProcess, nil
	default:
		return KindReplay, fmt.Errorf("unknown engine kind %q", s)
	}
}

// Config selects the engine binding every session is created with.
type Config struct {
	Kind       Kind
	Address    string
	Command    string
	Args       []string
	Env        []string
	BatchEvery int
}

// NewFactory returns a factory creating one engine per session. Engines get a
// logger carrying the session id.
func NewFactory(cfg Config, logger zerolog.Logger) (domain.EngineFactory, error) {
	switch cfg.Kind {
	case KindReplay:
		return func(sessionID string) (domain.Engine, error) {
			return NewReplayEngine(cfg.BatchEvery, sessionLogger(logger, cfg.Kind, sessionID)), nil
		}, nil
	case KindGRPC:
		if cfg.Address == "" {
			return nil, fmt.Errorf("grpc engine requires an address")
		}
		return func(sessionID string) (domain.Engine, error) {
			return NewGRPCEngine(cfg.Address, sessionLogger(logger, cfg.Kind, sessionID)), nil
		}, nil
	case KindProcess:
		if cfg.Command == "" {
			return nil, fmt.Errorf("process engine requires a command")
		}
		return func(sessionID string) (domain.Engine, error) {
			return NewProcessEngine(cfg.Command, cfg.Args, cfg.Env, sessionLogger(logger, cfg.Kind, sessionID)), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported engine kind %s", cfg.Kind)
	}
}

func sessionLogger(logger zerolog.Logger, kind Kind, sessionID string) zerolog.Logger {
	return logger.With().Str("engine", kind.String()).Str("session_id", sessionID).Logger()
}

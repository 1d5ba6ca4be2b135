package domain

import (
	"fmt"
	"time"
)

type OperationMode int

const (
	OperationContinuous OperationMode = iota
	OperationSpot
)

func (m OperationMode) String() string {
	switch m {
	case OperationContinuous:
		return "continuous"
	case OperationSpot:
		return "spot"
	default:
		return "unknown"
	}
}

func ParseOperationMode(s string) (OperationMode, error) {
	switch s {
	case "", "continuous":
		return OperationContinuous, nil
	case "spot":
		return OperationSpot, nil
	default:
		return 0, fmt.Errorf("unknown operation mode %q: %w", s, ErrFailedPrecondition)
	}
}

type IntegrationMode int

const (
	IntegrationRest IntegrationMode = iota
	IntegrationGrpc
)

func (m IntegrationMode) String() string {
	switch m {
	case IntegrationRest:
		return "rest"
	case IntegrationGrpc:
		return "grpc"
	default:
		return "unknown"
	}
}

func ParseIntegrationMode(s string) (IntegrationMode, error) {
	switch s {
	case "", "rest":
		return IntegrationRest, nil
	case "grpc":
		return IntegrationGrpc, nil
	default:
		return 0, fmt.Errorf("unknown integration mode %q: %w", s, ErrFailedPrecondition)
	}
}

const (
	DefaultBufferDuration = 200 * time.Millisecond
	DefaultGrpcPort       = 50051
)

// OperationSettings carries the payload of the selected mode only. SpotDuration
// is meaningful for OperationSpot and BufferDuration for OperationContinuous.
type OperationSettings struct {
	Mode           OperationMode
	SpotDuration   time.Duration
	BufferDuration time.Duration
}

// IntegrationSettings carries APIKey for IntegrationRest and PortNumber for
// IntegrationGrpc.
type IntegrationSettings struct {
	Mode       IntegrationMode
	APIKey     string
	PortNumber int
}

type Settings struct {
	Operation   OperationSettings
	Integration IntegrationSettings
}

func NewContinuousRestSettings(apiKey string) Settings {
	return Settings{
		Operation:   OperationSettings{Mode: OperationContinuous, BufferDuration: DefaultBufferDuration},
		Integration: IntegrationSettings{Mode: IntegrationRest, APIKey: apiKey},
	}
}

func (s Settings) Validate() error {
	switch s.Operation.Mode {
	case OperationSpot:
		if s.Operation.SpotDuration <= 0 {
			return fmt.Errorf("spot mode requires a positive spot duration: %w", ErrFailedPrecondition)
		}
	case OperationContinuous:
		if s.Operation.BufferDuration <= 0 {
			return fmt.Errorf("continuous mode requires a positive buffer duration: %w", ErrFailedPrecondition)
		}
	default:
		return fmt.Errorf("unknown operation mode %d: %w", s.Operation.Mode, ErrFailedPrecondition)
	}

	switch s.Integration.Mode {
	case IntegrationRest:
		if s.Integration.APIKey == "" {
			return fmt.Errorf("rest integration requires an api key: %w", ErrFailedPrecondition)
		}
	case IntegrationGrpc:
		if s.Integration.PortNumber <= 0 || s.Integration.PortNumber > 65535 {
			return fmt.Errorf("grpc integration requires a valid port, got %d: %w", s.Integration.PortNumber, ErrFailedPrecondition)
		}
	default:
		return fmt.Errorf("unknown integration mode %d: %w", s.Integration.Mode, ErrFailedPrecondition)
	}
	return nil
}

// Fields flattens the settings into a wire-neutral map. Only the payload of
// the active variant is included; the api key is never exported.
func (s Settings) Fields() map[string]any {
	out := map[string]any{
		"operation_mode":   s.Operation.Mode.String(),
		"integration_mode": s.Integration.Mode.String(),
	}
	switch s.Operation.Mode {
	case OperationSpot:
		out["spot_duration_s"] = s.Operation.SpotDuration.Seconds()
	case OperationContinuous:
		out["buffer_duration_s"] = s.Operation.BufferDuration.Seconds()
	}
	if s.Integration.Mode == IntegrationGrpc {
		out["port_number"] = float64(s.Integration.PortNumber)
	}
	return out
}

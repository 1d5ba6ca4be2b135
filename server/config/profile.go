package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ponyo877/spectragate/server/domain"
	"github.com/ponyo877/spectragate/server/engine"
	"gopkg.in/yaml.v3"
)

type profileFile struct {
	Engine struct {
		Kind       string   `yaml:"kind"`
		Address    string   `yaml:"address"`
		Command    string   `yaml:"command"`
		Args       []string `yaml:"args"`
		BatchEvery int      `yaml:"batch_every"`
	} `yaml:"engine"`
	Settings struct {
		OperationMode   string   `yaml:"operation_mode"`
		SpotDurationS   float64  `yaml:"spot_duration_s"`
		BufferDurationS *float64 `yaml:"buffer_duration_s"`
		IntegrationMode string   `yaml:"integration_mode"`
		PortNumber      int      `yaml:"port_number"`
	} `yaml:"settings"`
}

// Profile is the engine binding and the settings every session starts with.
type Profile struct {
	Engine   engine.Config
	Settings domain.Settings
}

// DefaultProfile runs the replay engine in continuous mode over rest.
func DefaultProfile(apiKey string) Profile {
	return Profile{
		Engine:   engine.Config{Kind: engine.KindReplay},
		Settings: domain.NewContinuousRestSettings(apiKey),
	}
}

// LoadProfile reads a yaml engine profile. An empty path yields
// DefaultProfile.
func LoadProfile(path, apiKey string) (Profile, error) {
	if path == "" {
		return DefaultProfile(apiKey), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read engine profile: %w", err)
	}
	return ParseProfile(data, apiKey)
}

func ParseProfile(data []byte, apiKey string) (Profile, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Profile{}, fmt.Errorf("failed to parse engine profile: %w", err)
	}

	kind, err := engine.ParseKind(f.Engine.Kind)
	if err != nil {
		return Profile{}, err
	}
	opMode, err := domain.ParseOperationMode(f.Settings.OperationMode)
	if err != nil {
		return Profile{}, err
	}
	intMode, err := domain.ParseIntegrationMode(f.Settings.IntegrationMode)
	if err != nil {
		return Profile{}, err
	}

	settings := domain.Settings{
		Operation:   domain.OperationSettings{Mode: opMode},
		Integration: domain.IntegrationSettings{Mode: intMode},
	}
	switch opMode {
	case domain.OperationSpot:
		settings.Operation.SpotDuration = seconds(f.Settings.SpotDurationS)
	case domain.OperationContinuous:
		settings.Operation.BufferDuration = domain.DefaultBufferDuration
		if f.Settings.BufferDurationS != nil {
			settings.Operation.BufferDuration = seconds(*f.Settings.BufferDurationS)
		}
	}
	switch intMode {
	case domain.IntegrationRest:
		settings.Integration.APIKey = apiKey
	case domain.IntegrationGrpc:
		settings.Integration.PortNumber = domain.DefaultGrpcPort
		if f.Settings.PortNumber != 0 {
			settings.Integration.PortNumber = f.Settings.PortNumber
		}
	}
	if err := settings.Validate(); err != nil {
		return Profile{}, fmt.Errorf("invalid engine profile: %w", err)
	}

	return Profile{
		Engine: engine.Config{
			Kind:       kind,
			Address:    f.Engine.Address,
			Command:    f.Engine.Command,
			Args:       f.Engine.Args,
			BatchEvery: f.Engine.BatchEvery,
		},
		Settings: settings,
	}, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

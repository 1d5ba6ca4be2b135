package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Environment keys.
const (
	APIKey         = "SMARTSPECTRA_API_KEY"
	ServerHost     = "API_SERVER_HOST"
	ServerPort     = "API_SERVER_PORT"
	PublicHost     = "API_PUBLIC_HOST"
	MaxSessions    = "API_MAX_SESSIONS"
	BufferCapacity = "API_BUFFER_CAPACITY"
	IdleTimeout    = "API_IDLE_TIMEOUT"
	SweepInterval  = "API_SWEEP_INTERVAL"
	MaxFrameBytes  = "API_MAX_FRAME_BYTES"
	EngineProfile  = "API_ENGINE_PROFILE"
	LedgerPath     = "API_LEDGER_PATH"
	Tombstones     = "API_TOMBSTONES"
	Telemetry      = "API_TELEMETRY"
	MQTTBroker     = "API_MQTT_BROKER"
	MQTTTopic      = "API_MQTT_TOPIC"
	LogLevel       = "API_LOG_LEVEL"
	LogFormat      = "API_LOG_FORMAT"
)

const envFile = ".env"

type ServerConfig struct {
	APIKey         string
	Host           string
	Port           int
	PublicHost     string
	MaxSessions    int
	BufferCapacity int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	MaxFrameBytes  int64
	EngineProfile  string
	LedgerPath     string
	Tombstones     int
	Telemetry      bool
	MQTTBroker     string
	MQTTTopic      string
	LogLevel       string
	LogFormat      string
}

// Load reads the server configuration from the environment. A .env file in
// the working directory is loaded first when present; variables already set
// in the environment win.
func Load() (ServerConfig, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ServerConfig{}, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetDefault(ServerHost, "0.0.0.0")
	v.SetDefault(ServerPort, 8080)
	v.SetDefault(PublicHost, "localhost")
	v.SetDefault(MaxSessions, 100)
	v.SetDefault(BufferCapacity, 30)
	v.SetDefault(IdleTimeout, 5*time.Minute)
	v.SetDefault(SweepInterval, time.Minute)
	v.SetDefault(MaxFrameBytes, 8<<20)
	v.SetDefault(LedgerPath, "./spectragate.db")
	v.SetDefault(Tombstones, 1024)
	v.SetDefault(Telemetry, false)
	v.SetDefault(MQTTTopic, "spectragate/metrics")
	v.SetDefault(LogLevel, "info")
	v.SetDefault(LogFormat, "json")
	v.AutomaticEnv()

	cfg := ServerConfig{
		APIKey:         v.GetString(APIKey),
		Host:           v.GetString(ServerHost),
		Port:           v.GetInt(ServerPort),
		PublicHost:     v.GetString(PublicHost),
		MaxSessions:    v.GetInt(MaxSessions),
		BufferCapacity: v.GetInt(BufferCapacity),
		IdleTimeout:    v.GetDuration(IdleTimeout),
		SweepInterval:  v.GetDuration(SweepInterval),
		MaxFrameBytes:  v.GetInt64(MaxFrameBytes),
		EngineProfile:  v.GetString(EngineProfile),
		LedgerPath:     v.GetString(LedgerPath),
		Tombstones:     v.GetInt(Tombstones),
		Telemetry:      v.GetBool(Telemetry),
		MQTTBroker:     v.GetString(MQTTBroker),
		MQTTTopic:      v.GetString(MQTTTopic),
		LogLevel:       v.GetString(LogLevel),
		LogFormat:      v.GetString(LogFormat),
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%s is required", APIKey)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%s must be a valid port, got %d", ServerPort, c.Port)
	}
	positive := []struct {
		key   string
		value int64
	}{
		{MaxSessions, int64(c.MaxSessions)},
		{BufferCapacity, int64(c.BufferCapacity)},
		{IdleTimeout, int64(c.IdleTimeout)},
		{SweepInterval, int64(c.SweepInterval)},
		{MaxFrameBytes, c.MaxFrameBytes},
		{Tombstones, int64(c.Tombstones)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.key)
		}
	}
	if c.LedgerPath == "" {
		return fmt.Errorf("%s must not be empty", LedgerPath)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%s must be json or console, got %q", LogFormat, c.LogFormat)
	}
	return nil
}

func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

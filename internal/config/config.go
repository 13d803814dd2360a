package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	TraceStdout    bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	Engine      EngineConfig      `yaml:"engine"`
	Voices      VoicesConfig      `yaml:"voices"`
	Preferences PreferencesConfig `yaml:"preferences"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Driver      DriverConfig      `yaml:"driver"`
}

type BusConfig struct {
	Embedded        bool     `yaml:"embedded"`
	Port            int      `yaml:"port"`
	StoreDir        string   `yaml:"store_dir"`
	Servers         []string `yaml:"servers"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	Token           string   `yaml:"token"`
	TLSInsecure     bool     `yaml:"tls_insecure"`
	ConnectTimeout  int      `yaml:"connect_timeout_ms"`
	DeliveryTimeout int      `yaml:"delivery_timeout_ms"`
	RequestTimeout  int      `yaml:"request_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ChunkerConfig struct {
	MaxLength int `yaml:"max_length"`
}

type EngineConfig struct {
	Mode               string  `yaml:"mode"` // mock, exec
	Command            string  `yaml:"command"`
	VoicesCommand      string  `yaml:"voices_command"`
	Volume             float64 `yaml:"volume"`
	UtteranceTimeoutMS int     `yaml:"utterance_timeout_ms"` // at rate 1.0; 0 disables
	MockDelayMS        int     `yaml:"mock_delay_ms"`
}

type VoicesConfig struct {
	DefaultVoice string `yaml:"default_voice"`
	DefaultLang  string `yaml:"default_lang"`
	LoadAttempts int    `yaml:"load_attempts"`
	RetryDelayMS int    `yaml:"retry_delay_ms"`
}

type PreferencesConfig struct {
	DefaultRate float64 `yaml:"default_rate"`
	MinRate     float64 `yaml:"min_rate"`
	MaxRate     float64 `yaml:"max_rate"`
}

type CoordinatorConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DriverConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-reader",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "127.0.0.1:9091",
		},
		Bus: BusConfig{
			Embedded:        true,
			Port:            4222,
			StoreDir:        "./data/nats",
			Servers:         []string{"nats://localhost:4222"},
			ConnectTimeout:  2000,
			DeliveryTimeout: 250,
			RequestTimeout:  2000,
		},
		Store: StoreConfig{
			Path:          "./data/loqa-reader.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Chunker: ChunkerConfig{
			MaxLength: 600,
		},
		Engine: EngineConfig{
			Mode:               "mock",
			Volume:             1.0,
			UtteranceTimeoutMS: 0,
			MockDelayMS:        50,
		},
		Voices: VoicesConfig{
			DefaultVoice: "Google UK English Male",
			DefaultLang:  "en-GB",
			LoadAttempts: 10,
			RetryDelayMS: 250,
		},
		Preferences: PreferencesConfig{
			DefaultRate: 1.0,
			MinRate:     0.5,
			MaxRate:     2.0,
		},
		Coordinator: CoordinatorConfig{
			Enabled: true,
		},
		Driver: DriverConfig{
			Enabled: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LogLevel parses telemetry.log_level, falling back to info.
func (c Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Telemetry.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.DeliveryTimeout, "LOQA_BUS_DELIVERY_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RequestTimeout, "LOQA_BUS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "LOQA_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "LOQA_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "LOQA_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "LOQA_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "LOQA_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Chunker.MaxLength, "LOQA_CHUNKER_MAX_LENGTH")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_ENGINE_COMMAND")
	overrideString(&cfg.Engine.VoicesCommand, "LOQA_ENGINE_VOICES_COMMAND")
	overrideFloat(&cfg.Engine.Volume, "LOQA_ENGINE_VOLUME")
	overrideInt(&cfg.Engine.UtteranceTimeoutMS, "LOQA_ENGINE_UTTERANCE_TIMEOUT_MS")
	overrideInt(&cfg.Engine.MockDelayMS, "LOQA_ENGINE_MOCK_DELAY_MS")
	overrideString(&cfg.Voices.DefaultVoice, "LOQA_VOICES_DEFAULT_VOICE")
	overrideString(&cfg.Voices.DefaultLang, "LOQA_VOICES_DEFAULT_LANG")
	overrideInt(&cfg.Voices.LoadAttempts, "LOQA_VOICES_LOAD_ATTEMPTS")
	overrideInt(&cfg.Voices.RetryDelayMS, "LOQA_VOICES_RETRY_DELAY_MS")
	overrideFloat(&cfg.Preferences.DefaultRate, "LOQA_PREFERENCES_DEFAULT_RATE")
	overrideFloat(&cfg.Preferences.MinRate, "LOQA_PREFERENCES_MIN_RATE")
	overrideFloat(&cfg.Preferences.MaxRate, "LOQA_PREFERENCES_MAX_RATE")
	overrideBool(&cfg.Coordinator.Enabled, "LOQA_COORDINATOR_ENABLED")
	overrideBool(&cfg.Driver.Enabled, "LOQA_DRIVER_ENABLED")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.DeliveryTimeout <= 0 {
		return errors.New("bus.delivery_timeout_ms must be positive")
	}
	if cfg.Bus.RequestTimeout <= 0 {
		return errors.New("bus.request_timeout_ms must be positive")
	}
	if cfg.Store.Path == "" && cfg.Store.RetentionMode != "ephemeral" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Chunker.MaxLength <= 0 {
		return errors.New("chunker.max_length must be positive")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Volume < 0 || cfg.Engine.Volume > 1 {
		return errors.New("engine.volume must be between 0 and 1")
	}
	if cfg.Voices.LoadAttempts <= 0 {
		return errors.New("voices.load_attempts must be >= 1")
	}
	if cfg.Engine.UtteranceTimeoutMS < 0 {
		return errors.New("engine.utterance_timeout_ms must be >= 0")
	}
	if cfg.Voices.RetryDelayMS < 0 {
		return errors.New("voices.retry_delay_ms must be >= 0")
	}
	if cfg.Preferences.MinRate <= 0 || cfg.Preferences.MaxRate < cfg.Preferences.MinRate {
		return errors.New("preferences.min_rate must be positive and not above preferences.max_rate")
	}
	if cfg.Preferences.DefaultRate < cfg.Preferences.MinRate || cfg.Preferences.DefaultRate > cfg.Preferences.MaxRate {
		return errors.New("preferences.default_rate must lie within [min_rate, max_rate]")
	}
	return nil
}

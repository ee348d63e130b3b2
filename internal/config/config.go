package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`     // text, json
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	AppName     string           `yaml:"app_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Audio       AudioConfig      `yaml:"audio"`
	Session     SessionConfig    `yaml:"session"`
	Results     ResultsConfig    `yaml:"results"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Bus         BusConfig        `yaml:"bus"`
	Booth       BoothConfig      `yaml:"booth"`
	Random      RandomConfig     `yaml:"random"`
}

type AudioConfig struct {
	Backend     string `yaml:"backend"` // portaudio, oto, null
	NullOutputs int    `yaml:"null_outputs"`
}

type SessionConfig struct {
	// Path of the session parameter file. Empty means <home>/<app_name>/session.yaml.
	Path string `yaml:"path"`
}

type ResultsConfig struct {
	DataDir string `yaml:"data_dir"`
	CSV     bool   `yaml:"csv"`
	SQLite  bool   `yaml:"sqlite"`
	Publish bool   `yaml:"publish"`

	// AfterRun is a command run once the task ends. Empty disables it.
	AfterRun        string `yaml:"after_run"`
	AfterRunTimeout int    `yaml:"after_run_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	EmbeddedHost   string   `yaml:"embedded_host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

// BoothConfig identifies this test station in presence heartbeats, sent
// while results are published on the bus.
type BoothConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type RandomConfig struct {
	// Seed for trial randomization. 0 seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

func Default() Config {
	return Config{
		AppName:     "yesno",
		Environment: "lab",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "text",
			TraceExporter: "none",
			OTLPEndpoint:  "",
			OTLPInsecure:  true,
		},
		Audio: AudioConfig{
			Backend:     "portaudio",
			NullOutputs: 2,
		},
		Results: ResultsConfig{
			DataDir:         "Data",
			CSV:             true,
			SQLite:          false,
			Publish:         false,
			AfterRunTimeout: 60000,
		},
		EventStore: EventStoreConfig{
			Path:          "./Data/yesno.db",
			RetentionDays: 0,
			MaxSessions:   0,
		},
		Bus: BusConfig{
			Embedded:       false,
			EmbeddedHost:   "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "yesno",
		},
		Booth: BoothConfig{
			ID:                "booth1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
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

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.AppName, "YESNO_APP_NAME")
	overrideString(&cfg.Environment, "YESNO_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "YESNO_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "YESNO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "YESNO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "YESNO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "YESNO_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.TraceExporter, "YESNO_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "YESNO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "YESNO_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Audio.Backend, "YESNO_AUDIO_BACKEND")
	overrideInt(&cfg.Audio.NullOutputs, "YESNO_AUDIO_NULL_OUTPUTS")
	overrideString(&cfg.Session.Path, "YESNO_SESSION_PATH")
	overrideString(&cfg.Results.DataDir, "YESNO_RESULTS_DATA_DIR")
	overrideBool(&cfg.Results.CSV, "YESNO_RESULTS_CSV")
	overrideBool(&cfg.Results.SQLite, "YESNO_RESULTS_SQLITE")
	overrideBool(&cfg.Results.Publish, "YESNO_RESULTS_PUBLISH")
	overrideString(&cfg.Results.AfterRun, "YESNO_RESULTS_AFTER_RUN")
	overrideInt(&cfg.Results.AfterRunTimeout, "YESNO_RESULTS_AFTER_RUN_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "YESNO_EVENT_STORE_PATH")
	overrideInt(&cfg.EventStore.RetentionDays, "YESNO_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "YESNO_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "YESNO_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Embedded, "YESNO_BUS_EMBEDDED")
	overrideString(&cfg.Bus.EmbeddedHost, "YESNO_BUS_EMBEDDED_HOST")
	overrideInt(&cfg.Bus.Port, "YESNO_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "YESNO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "YESNO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "YESNO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "YESNO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "YESNO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "YESNO_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "YESNO_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Booth.ID, "YESNO_BOOTH_ID")
	overrideInt(&cfg.Booth.HeartbeatInterval, "YESNO_BOOTH_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Booth.HeartbeatTimeout, "YESNO_BOOTH_HEARTBEAT_TIMEOUT_MS")
	overrideUint64(&cfg.Random.Seed, "YESNO_RANDOM_SEED")
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

func overrideUint64(target *uint64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
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

func validate(cfg Config) error {
	if cfg.AppName == "" {
		return errors.New("app_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.LogFormat {
	case "text", "json":
	default:
		return errors.New("telemetry.log_format must be one of text|json")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	switch cfg.Audio.Backend {
	case "portaudio", "oto":
	case "null":
		if cfg.Audio.NullOutputs <= 0 {
			return errors.New("audio.null_outputs must be positive when backend=null")
		}
	default:
		return errors.New("audio.backend must be one of portaudio|oto|null")
	}
	if cfg.Results.CSV && cfg.Results.DataDir == "" {
		return errors.New("results.data_dir must not be empty when csv results are enabled")
	}
	if cfg.Results.SQLite && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty when sqlite results are enabled")
	}
	if !cfg.Results.CSV && !cfg.Results.SQLite && !cfg.Results.Publish {
		return errors.New("results: at least one of csv|sqlite|publish must be enabled")
	}
	if cfg.Results.AfterRunTimeout < 0 {
		return errors.New("results.after_run_timeout_ms must be >= 0")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.MaxSessions < 0 {
		return errors.New("event_store.max_sessions must be >= 0")
	}
	if cfg.Bus.Embedded && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
		return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
	}
	if cfg.Results.Publish {
		if !cfg.Bus.Embedded && len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when publishing results")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty when publishing results")
		}
		if cfg.Booth.ID == "" {
			return errors.New("booth.id must not be empty when publishing results")
		}
		if cfg.Booth.HeartbeatInterval <= 0 {
			return errors.New("booth.heartbeat_interval_ms must be positive")
		}
		if cfg.Booth.HeartbeatTimeout <= cfg.Booth.HeartbeatInterval {
			return errors.New("booth.heartbeat_timeout_ms must exceed heartbeat_interval_ms")
		}
	}
	return nil
}

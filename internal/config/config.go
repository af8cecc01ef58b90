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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	// PrometheusBind optionally serves /metrics on its own listener as well.
	PrometheusBind string `yaml:"prometheus_bind"`
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
	Models      ModelsConfig      `yaml:"models"`
	Recognition RecognitionConfig `yaml:"recognition"`
	History     HistoryConfig     `yaml:"history"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// ModelsConfig controls where recognition model bundles live and how they are fetched.
type ModelsConfig struct {
	Root              string `yaml:"root"`
	DownloadTimeoutMS int    `yaml:"download_timeout_ms"`
	UserAgent         string `yaml:"user_agent"`
}

type RecognitionConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Mode                 string        `yaml:"mode"` // mock, exec, vosk
	Command              string        `yaml:"command"`
	ModelKey             string        `yaml:"model_key"`
	AutoInitialize       bool          `yaml:"auto_initialize"`
	SampleRate           int           `yaml:"sample_rate"`
	MaxAlternatives      int           `yaml:"max_alternatives"`
	EnablePartialResults bool          `yaml:"enable_partial_results"`
	StopTimeoutMS        int           `yaml:"stop_timeout_ms"`
	Capture              CaptureConfig `yaml:"capture"`
}

type CaptureConfig struct {
	Source          string `yaml:"source"` // bus, wav
	Subject         string `yaml:"subject"`
	Path            string `yaml:"path"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	Realtime        bool   `yaml:"realtime"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speech",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Models: ModelsConfig{
			Root:              "./data/vosk-models",
			DownloadTimeoutMS: 30 * 60 * 1000,
			UserAgent:         "loqa-speech/0.1",
		},
		Recognition: RecognitionConfig{
			Enabled:              true,
			Mode:                 "mock",
			ModelKey:             "en-US-small",
			SampleRate:           16000,
			MaxAlternatives:      1,
			EnablePartialResults: true,
			StopTimeoutMS:        5000,
			Capture: CaptureConfig{
				Source:          "bus",
				Subject:         "audio.frame.>",
				FrameDurationMS: 20,
			},
		},
		History: HistoryConfig{
			Path:          "./data/loqa-speech.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Models.Root, "LOQA_MODELS_ROOT")
	overrideInt(&cfg.Models.DownloadTimeoutMS, "LOQA_MODELS_DOWNLOAD_TIMEOUT_MS")
	overrideString(&cfg.Models.UserAgent, "LOQA_MODELS_USER_AGENT")
	overrideBool(&cfg.Recognition.Enabled, "LOQA_RECOGNITION_ENABLED")
	overrideString(&cfg.Recognition.Mode, "LOQA_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Command, "LOQA_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.ModelKey, "LOQA_RECOGNITION_MODEL_KEY")
	overrideBool(&cfg.Recognition.AutoInitialize, "LOQA_RECOGNITION_AUTO_INITIALIZE")
	overrideInt(&cfg.Recognition.SampleRate, "LOQA_RECOGNITION_SAMPLE_RATE")
	overrideInt(&cfg.Recognition.MaxAlternatives, "LOQA_RECOGNITION_MAX_ALTERNATIVES")
	overrideBool(&cfg.Recognition.EnablePartialResults, "LOQA_RECOGNITION_ENABLE_PARTIAL_RESULTS")
	overrideInt(&cfg.Recognition.StopTimeoutMS, "LOQA_RECOGNITION_STOP_TIMEOUT_MS")
	overrideString(&cfg.Recognition.Capture.Source, "LOQA_CAPTURE_SOURCE")
	overrideString(&cfg.Recognition.Capture.Subject, "LOQA_CAPTURE_SUBJECT")
	overrideString(&cfg.Recognition.Capture.Path, "LOQA_CAPTURE_PATH")
	overrideInt(&cfg.Recognition.Capture.FrameDurationMS, "LOQA_CAPTURE_FRAME_DURATION_MS")
	overrideBool(&cfg.Recognition.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideString(&cfg.History.Path, "LOQA_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LOQA_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "LOQA_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "LOQA_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "LOQA_HISTORY_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Models.Root == "" {
		return errors.New("models.root must not be empty")
	}
	if cfg.Models.DownloadTimeoutMS < 0 {
		return errors.New("models.download_timeout_ms must be >= 0")
	}
	if cfg.Recognition.Enabled {
		switch cfg.Recognition.Mode {
		case "mock", "exec", "vosk":
		default:
			return errors.New("recognition.mode must be one of mock|exec|vosk")
		}
		if cfg.Recognition.Mode == "exec" && cfg.Recognition.Command == "" {
			return errors.New("recognition.command must be set when mode=exec")
		}
		if cfg.Recognition.SampleRate <= 0 {
			return errors.New("recognition.sample_rate must be positive")
		}
		if cfg.Recognition.MaxAlternatives < 0 {
			return errors.New("recognition.max_alternatives must be >= 0")
		}
		if cfg.Recognition.StopTimeoutMS <= 0 {
			return errors.New("recognition.stop_timeout_ms must be positive")
		}
		if cfg.Recognition.Mode != "mock" {
			switch cfg.Recognition.Capture.Source {
			case "bus":
				if !cfg.Bus.Enabled {
					return errors.New("recognition.capture.source=bus requires bus.enabled")
				}
				if cfg.Recognition.Capture.Subject == "" {
					return errors.New("recognition.capture.subject must not be empty")
				}
			case "wav":
				if cfg.Recognition.Capture.Path == "" {
					return errors.New("recognition.capture.path must be set when source=wav")
				}
			default:
				return errors.New("recognition.capture.source must be one of bus|wav")
			}
		}
		if cfg.Recognition.AutoInitialize && cfg.Recognition.ModelKey == "" {
			return errors.New("recognition.model_key must be set when auto_initialize is enabled")
		}
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}

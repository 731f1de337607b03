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
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Library     LibraryConfig   `yaml:"library"`
	Ingest      IngestConfig    `yaml:"ingest"`
	Annotate    AnnotateConfig  `yaml:"annotate"`
	TTS         TTSConfig       `yaml:"tts"`
	Render      RenderConfig    `yaml:"render"`
	Timeline    TimelineConfig  `yaml:"timeline"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type LibraryConfig struct {
	Path       string `yaml:"path"`
	DataDir    string `yaml:"data_dir"`
	VoicesPath string `yaml:"voices_path"`
}

type IngestConfig struct {
	MaxUnitChars int `yaml:"max_unit_chars"`
}

type AnnotateConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, openai, exec
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Command     string  `yaml:"command"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Warmup     bool   `yaml:"warmup"`
}

type BatchConfig struct {
	MinSubBatchSize  int     `yaml:"min_sub_batch_size"`
	MaxLengthRatio   float64 `yaml:"max_length_ratio"`
	MaxCharsPerBatch int     `yaml:"max_chars_per_batch"`
	MaxItems         int     `yaml:"max_items"`
}

type RenderConfig struct {
	Parallelism int         `yaml:"parallelism"`
	Batch       BatchConfig `yaml:"batch"`
}

type TimelineConfig struct {
	SpeakerPauseMS     int    `yaml:"speaker_pause_ms"`
	SameSpeakerPauseMS int    `yaml:"same_speaker_pause_ms"`
	OutputDir          string `yaml:"output_dir"`
}

func Default() Config {
	return Config{
		RuntimeName: "verso-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Library: LibraryConfig{
			Path:       "./data/verso-library.db",
			DataDir:    "./data/voicelines",
			VoicesPath: "./data/voices.json",
		},
		Ingest: IngestConfig{
			MaxUnitChars: 500,
		},
		Annotate: AnnotateConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434/v1",
			Model:       "qwen3:latest",
			MaxTokens:   4096,
			Temperature: 0.3,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			SampleRate: 24000,
			Channels:   1,
		},
		Render: RenderConfig{
			Parallelism: 2,
			Batch: BatchConfig{
				MinSubBatchSize:  4,
				MaxLengthRatio:   5,
				MaxCharsPerBatch: 3000,
				MaxItems:         0,
			},
		},
		Timeline: TimelineConfig{
			SpeakerPauseMS:     500,
			SameSpeakerPauseMS: 250,
			OutputDir:          "./data/output",
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
	overrideString(&cfg.RuntimeName, "VERSO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VERSO_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VERSO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VERSO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VERSO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VERSO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VERSO_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VERSO_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VERSO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VERSO_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VERSO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VERSO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VERSO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VERSO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VERSO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VERSO_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Library.Path, "VERSO_LIBRARY_PATH")
	overrideString(&cfg.Library.DataDir, "VERSO_LIBRARY_DATA_DIR")
	overrideString(&cfg.Library.VoicesPath, "VERSO_LIBRARY_VOICES_PATH")
	overrideInt(&cfg.Ingest.MaxUnitChars, "VERSO_INGEST_MAX_UNIT_CHARS")
	overrideBool(&cfg.Annotate.Enabled, "VERSO_ANNOTATE_ENABLED")
	overrideString(&cfg.Annotate.Mode, "VERSO_ANNOTATE_MODE")
	overrideString(&cfg.Annotate.Endpoint, "VERSO_ANNOTATE_ENDPOINT")
	overrideString(&cfg.Annotate.APIKey, "VERSO_ANNOTATE_API_KEY")
	overrideString(&cfg.Annotate.Model, "VERSO_ANNOTATE_MODEL")
	overrideString(&cfg.Annotate.Command, "VERSO_ANNOTATE_COMMAND")
	overrideInt(&cfg.Annotate.MaxTokens, "VERSO_ANNOTATE_MAX_TOKENS")
	overrideFloat(&cfg.Annotate.Temperature, "VERSO_ANNOTATE_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "VERSO_TTS_MODE")
	overrideString(&cfg.TTS.Command, "VERSO_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "VERSO_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "VERSO_TTS_CHANNELS")
	overrideBool(&cfg.TTS.Warmup, "VERSO_TTS_WARMUP")
	overrideInt(&cfg.Render.Parallelism, "VERSO_RENDER_PARALLELISM")
	overrideInt(&cfg.Render.Batch.MinSubBatchSize, "VERSO_RENDER_BATCH_MIN_SUB_BATCH_SIZE")
	overrideFloat(&cfg.Render.Batch.MaxLengthRatio, "VERSO_RENDER_BATCH_MAX_LENGTH_RATIO")
	overrideInt(&cfg.Render.Batch.MaxCharsPerBatch, "VERSO_RENDER_BATCH_MAX_CHARS_PER_BATCH")
	overrideInt(&cfg.Render.Batch.MaxItems, "VERSO_RENDER_BATCH_MAX_ITEMS")
	overrideInt(&cfg.Timeline.SpeakerPauseMS, "VERSO_TIMELINE_SPEAKER_PAUSE_MS")
	overrideInt(&cfg.Timeline.SameSpeakerPauseMS, "VERSO_TIMELINE_SAME_SPEAKER_PAUSE_MS")
	overrideString(&cfg.Timeline.OutputDir, "VERSO_TIMELINE_OUTPUT_DIR")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Library.Path == "" {
		return errors.New("library.path must not be empty")
	}
	if cfg.Library.DataDir == "" {
		return errors.New("library.data_dir must not be empty")
	}
	if cfg.Library.VoicesPath == "" {
		return errors.New("library.voices_path must not be empty")
	}
	if cfg.Ingest.MaxUnitChars <= 0 {
		return errors.New("ingest.max_unit_chars must be positive")
	}
	if cfg.Annotate.Enabled {
		switch cfg.Annotate.Mode {
		case "mock", "openai", "exec":
		default:
			return errors.New("annotate.mode must be one of mock|openai|exec")
		}
		if cfg.Annotate.Mode == "openai" && cfg.Annotate.Endpoint == "" {
			return errors.New("annotate.endpoint must be set when mode=openai")
		}
		if cfg.Annotate.Mode == "exec" && cfg.Annotate.Command == "" {
			return errors.New("annotate.command must be set when mode=exec")
		}
		if cfg.Annotate.MaxTokens < 0 {
			return errors.New("annotate.max_tokens must be >= 0")
		}
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.Render.Parallelism <= 0 {
		return errors.New("render.parallelism must be >= 1")
	}
	if cfg.Render.Batch.MinSubBatchSize < 1 {
		return errors.New("render.batch.min_sub_batch_size must be >= 1")
	}
	if cfg.Render.Batch.MaxLengthRatio < 1 {
		return errors.New("render.batch.max_length_ratio must be >= 1")
	}
	if cfg.Render.Batch.MaxCharsPerBatch <= 0 {
		return errors.New("render.batch.max_chars_per_batch must be positive")
	}
	if cfg.Render.Batch.MaxItems < 0 {
		return errors.New("render.batch.max_items must be >= 0")
	}
	if cfg.Timeline.SpeakerPauseMS < 0 {
		return errors.New("timeline.speaker_pause_ms must be >= 0")
	}
	if cfg.Timeline.SameSpeakerPauseMS < 0 {
		return errors.New("timeline.same_speaker_pause_ms must be >= 0")
	}
	if cfg.Timeline.OutputDir == "" {
		return errors.New("timeline.output_dir must not be empty")
	}
	return nil
}

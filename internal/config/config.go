package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	EnvFile     string            `yaml:"env_file"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Audio       AudioConfig       `yaml:"audio"`
	STT         STTConfig         `yaml:"stt"`
	Translation TranslationConfig `yaml:"translation"`
	Display     DisplayConfig     `yaml:"display"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Bus         BusConfig         `yaml:"bus"`
	Journal     JournalConfig     `yaml:"journal"`
}

type AudioConfig struct {
	Backend    string  `yaml:"backend"` // malgo, wav, silence
	Device     string  `yaml:"device"`
	Loopback   bool    `yaml:"loopback"`
	SampleRate int     `yaml:"sample_rate"`
	FrameSize  int     `yaml:"frame_size"`
	Gain       float64 `yaml:"gain"`
	WAVPath    string  `yaml:"wav_path"`
	Realtime   bool    `yaml:"realtime"`
}

type STTConfig struct {
	Mode             string  `yaml:"mode"` // vosk, exec, whisper, mock
	ModelPath        string  `yaml:"model_path"`
	Command          string  `yaml:"command"`
	Language         string  `yaml:"language"`
	PartialEveryMS   int     `yaml:"partial_every_ms"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	SilenceMS        int     `yaml:"silence_ms"`
	MaxUtteranceMS   int     `yaml:"max_utterance_ms"`
}

type TranslationConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Mode              string `yaml:"mode"` // libretranslate, openai, ollama, exec, identity, mock
	Endpoint          string `yaml:"endpoint"`
	APIKey            string `yaml:"api_key"`
	Model             string `yaml:"model"`
	Command           string `yaml:"command"`
	SourceLanguage    string `yaml:"source_language"`
	TargetLanguage    string `yaml:"target_language"`
	TimeoutMS         int    `yaml:"timeout_ms"`
	CacheSize         int    `yaml:"cache_size"`
	SkipStalePartials bool   `yaml:"skip_stale_partials"`
}

type DisplayConfig struct {
	MaxBufferLength  int    `yaml:"max_buffer_length"`
	RenderIntervalMS int    `yaml:"render_interval_ms"`
	Separator        string `yaml:"separator"`
	PartialSeparator string `yaml:"partial_separator"`
	PartialMarker    string `yaml:"partial_marker"`
	Uppercase        bool   `yaml:"uppercase"`
	Renderer         string `yaml:"renderer"` // terminal, overlay, none
}

type PipelineConfig struct {
	ChannelCapacity int `yaml:"channel_capacity"`
	MaxFinalBacklog int `yaml:"max_final_backlog"`
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
	SubjectPrefix  string   `yaml:"subject_prefix"`
	PublishPartial bool     `yaml:"publish_partial"`
}

type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-captions",
		Environment: "development",
		EnvFile:     ".env",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8765,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Audio: AudioConfig{
			Backend:    "malgo",
			Loopback:   true,
			SampleRate: 16000,
			FrameSize:  1024,
			Gain:       1.0,
			Realtime:   true,
		},
		STT: STTConfig{
			Mode:             "vosk",
			ModelPath:        "model",
			Language:         "en",
			PartialEveryMS:   800,
			SilenceThreshold: 0.01,
			SilenceMS:        600,
			MaxUtteranceMS:   8000,
		},
		Translation: TranslationConfig{
			Enabled:           false,
			Mode:              "libretranslate",
			SourceLanguage:    "en",
			TargetLanguage:    "hi",
			TimeoutMS:         3000,
			CacheSize:         256,
			SkipStalePartials: true,
		},
		Display: DisplayConfig{
			MaxBufferLength:  200,
			RenderIntervalMS: 75,
			Separator:        " ",
			PartialSeparator: "\n",
			PartialMarker:    "...",
			Renderer:         "terminal",
		},
		Pipeline: PipelineConfig{
			ChannelCapacity: 32,
			MaxFinalBacklog: 16,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "captions",
		},
		Journal: JournalConfig{
			Enabled:       false,
			Path:          "./data/captions-journal.db",
			RetentionDays: 30,
			MaxSessions:   1000,
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

	if err := loadEnvFile(cfg.EnvFile); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadEnvFile exports variables from a dotenv file without overriding the
// process environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_CAPTIONS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_CAPTIONS_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_CAPTIONS_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_CAPTIONS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_CAPTIONS_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "LOQA_CAPTIONS_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_CAPTIONS_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_CAPTIONS_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_CAPTIONS_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_CAPTIONS_STDOUT_TRACES")
	overrideString(&cfg.Audio.Backend, "LOQA_CAPTIONS_AUDIO_BACKEND")
	overrideString(&cfg.Audio.Device, "LOQA_CAPTIONS_AUDIO_DEVICE")
	overrideBool(&cfg.Audio.Loopback, "LOQA_CAPTIONS_AUDIO_LOOPBACK")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_CAPTIONS_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameSize, "LOQA_CAPTIONS_AUDIO_FRAME_SIZE")
	overrideFloat(&cfg.Audio.Gain, "LOQA_CAPTIONS_AUDIO_GAIN")
	overrideString(&cfg.Audio.WAVPath, "LOQA_CAPTIONS_AUDIO_WAV_PATH")
	overrideBool(&cfg.Audio.Realtime, "LOQA_CAPTIONS_AUDIO_REALTIME")
	overrideString(&cfg.STT.Mode, "LOQA_CAPTIONS_STT_MODE")
	overrideString(&cfg.STT.ModelPath, "LOQA_CAPTIONS_STT_MODEL_PATH")
	overrideString(&cfg.STT.Command, "LOQA_CAPTIONS_STT_COMMAND")
	overrideString(&cfg.STT.Language, "LOQA_CAPTIONS_STT_LANGUAGE")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_CAPTIONS_STT_PARTIAL_EVERY_MS")
	overrideFloat(&cfg.STT.SilenceThreshold, "LOQA_CAPTIONS_STT_SILENCE_THRESHOLD")
	overrideInt(&cfg.STT.SilenceMS, "LOQA_CAPTIONS_STT_SILENCE_MS")
	overrideInt(&cfg.STT.MaxUtteranceMS, "LOQA_CAPTIONS_STT_MAX_UTTERANCE_MS")
	overrideBool(&cfg.Translation.Enabled, "LOQA_CAPTIONS_TRANSLATION_ENABLED")
	overrideString(&cfg.Translation.Mode, "LOQA_CAPTIONS_TRANSLATION_MODE")
	overrideString(&cfg.Translation.Endpoint, "LOQA_CAPTIONS_TRANSLATION_ENDPOINT")
	overrideString(&cfg.Translation.APIKey, "LOQA_CAPTIONS_TRANSLATION_API_KEY")
	overrideString(&cfg.Translation.Model, "LOQA_CAPTIONS_TRANSLATION_MODEL")
	overrideString(&cfg.Translation.Command, "LOQA_CAPTIONS_TRANSLATION_COMMAND")
	overrideString(&cfg.Translation.SourceLanguage, "LOQA_CAPTIONS_TRANSLATION_SOURCE_LANGUAGE")
	overrideString(&cfg.Translation.TargetLanguage, "LOQA_CAPTIONS_TRANSLATION_TARGET_LANGUAGE")
	overrideInt(&cfg.Translation.TimeoutMS, "LOQA_CAPTIONS_TRANSLATION_TIMEOUT_MS")
	overrideInt(&cfg.Translation.CacheSize, "LOQA_CAPTIONS_TRANSLATION_CACHE_SIZE")
	overrideBool(&cfg.Translation.SkipStalePartials, "LOQA_CAPTIONS_TRANSLATION_SKIP_STALE_PARTIALS")
	overrideInt(&cfg.Display.MaxBufferLength, "LOQA_CAPTIONS_DISPLAY_MAX_BUFFER_LENGTH")
	overrideInt(&cfg.Display.RenderIntervalMS, "LOQA_CAPTIONS_DISPLAY_RENDER_INTERVAL_MS")
	overrideBool(&cfg.Display.Uppercase, "LOQA_CAPTIONS_DISPLAY_UPPERCASE")
	overrideString(&cfg.Display.Renderer, "LOQA_CAPTIONS_DISPLAY_RENDERER")
	overrideInt(&cfg.Pipeline.ChannelCapacity, "LOQA_CAPTIONS_PIPELINE_CHANNEL_CAPACITY")
	overrideInt(&cfg.Pipeline.MaxFinalBacklog, "LOQA_CAPTIONS_PIPELINE_MAX_FINAL_BACKLOG")
	overrideBool(&cfg.Bus.Enabled, "LOQA_CAPTIONS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_CAPTIONS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_CAPTIONS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_CAPTIONS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_CAPTIONS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_CAPTIONS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_CAPTIONS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_CAPTIONS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_CAPTIONS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_CAPTIONS_BUS_SUBJECT_PREFIX")
	overrideBool(&cfg.Bus.PublishPartial, "LOQA_CAPTIONS_BUS_PUBLISH_PARTIAL")
	overrideBool(&cfg.Journal.Enabled, "LOQA_CAPTIONS_JOURNAL_ENABLED")
	overrideString(&cfg.Journal.Path, "LOQA_CAPTIONS_JOURNAL_PATH")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_CAPTIONS_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "LOQA_CAPTIONS_JOURNAL_MAX_SESSIONS")
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
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Audio.Backend {
	case "malgo", "silence":
	case "wav":
		if cfg.Audio.WAVPath == "" {
			return errors.New("audio.wav_path must be set when backend=wav")
		}
	default:
		return errors.New("audio.backend must be one of malgo|wav|silence")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.FrameSize <= 0 {
		return errors.New("audio.frame_size must be positive")
	}
	if cfg.Audio.Gain <= 0 {
		return errors.New("audio.gain must be positive")
	}
	switch cfg.STT.Mode {
	case "vosk", "whisper":
		if cfg.STT.ModelPath == "" {
			return fmt.Errorf("stt.model_path must be set when mode=%s", cfg.STT.Mode)
		}
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("stt.mode must be one of vosk|whisper|exec|mock")
	}
	if cfg.STT.Mode == "exec" || cfg.STT.Mode == "whisper" {
		if cfg.STT.SilenceMS <= 0 {
			return errors.New("stt.silence_ms must be positive")
		}
		if cfg.STT.MaxUtteranceMS <= cfg.STT.SilenceMS {
			return errors.New("stt.max_utterance_ms must be greater than stt.silence_ms")
		}
	}
	if cfg.Translation.Enabled {
		switch cfg.Translation.Mode {
		case "libretranslate", "ollama", "openai":
		case "exec":
			if cfg.Translation.Command == "" {
				return errors.New("translation.command must be set when mode=exec")
			}
		case "identity", "mock":
		default:
			return errors.New("translation.mode must be one of libretranslate|openai|ollama|exec|identity|mock")
		}
		if cfg.Translation.SourceLanguage == "" || cfg.Translation.TargetLanguage == "" {
			return errors.New("translation.source_language and translation.target_language must be set")
		}
		if cfg.Translation.TimeoutMS <= 0 {
			return errors.New("translation.timeout_ms must be positive")
		}
		if cfg.Translation.CacheSize < 0 {
			return errors.New("translation.cache_size must be >= 0")
		}
	}
	if cfg.Display.MaxBufferLength <= 0 {
		return errors.New("display.max_buffer_length must be positive")
	}
	if cfg.Display.RenderIntervalMS <= 0 {
		return errors.New("display.render_interval_ms must be positive")
	}
	switch cfg.Display.Renderer {
	case "terminal", "overlay", "none":
	default:
		return errors.New("display.renderer must be one of terminal|overlay|none")
	}
	if cfg.Display.Renderer == "overlay" && !cfg.HTTP.Enabled {
		return errors.New("display.renderer=overlay requires http.enabled")
	}
	if cfg.Pipeline.ChannelCapacity <= 0 {
		return errors.New("pipeline.channel_capacity must be positive")
	}
	if cfg.Pipeline.MaxFinalBacklog <= 0 {
		return errors.New("pipeline.max_final_backlog must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	if cfg.Journal.Enabled {
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty")
		}
		if cfg.Journal.RetentionDays < 0 {
			return errors.New("journal.retention_days must be >= 0")
		}
	}
	return nil
}

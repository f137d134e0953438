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
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Capture     CaptureConfig     `yaml:"capture"`
	Permissions PermissionsConfig `yaml:"permissions"`
	STT         STTConfig         `yaml:"stt"`
	Models      ModelsConfig      `yaml:"models"`
	Text        TextConfig        `yaml:"text"`
	Notes       NotesConfig       `yaml:"notes"`
	Preferences PreferencesConfig `yaml:"preferences"`
	LLM         LLMConfig         `yaml:"llm"`
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

// NodeConfig identifies this runtime when it announces itself on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig controls the microphone session and the recorded file.
type CaptureConfig struct {
	Device          string `yaml:"device"` // bus, push, none
	DeviceID        string `yaml:"device_id"`
	OutputDir       string `yaml:"output_dir"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	LiveQueueDepth  int    `yaml:"live_queue_depth"`
	FileQueueDepth  int    `yaml:"file_queue_depth"`
}

type PermissionsConfig struct {
	Microphone  bool `yaml:"microphone"`
	Recognition bool `yaml:"recognition"`
}

// EngineConfig describes one recognizer backend.
type EngineConfig struct {
	Mode      string `yaml:"mode"` // none, exec, mock (tests and demos only)
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
}

type STTConfig struct {
	Language       string       `yaml:"language"`
	Streaming      EngineConfig `yaml:"streaming"`
	Light          EngineConfig `yaml:"light"`
	HeavyCommand   string       `yaml:"heavy_command"`
	PartialEveryMS int          `yaml:"partial_every_ms"`
	MinPartialMS   int          `yaml:"min_partial_ms"`
	TimeoutMS      int          `yaml:"timeout_ms"`
}

type ModelFile struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	SHA256 string `yaml:"sha256"`
	Size   int64  `yaml:"size"`
}

type ModelVariant struct {
	ID    string      `yaml:"id"`
	Tier  string      `yaml:"tier"`
	Files []ModelFile `yaml:"files"`
}

type ModelsConfig struct {
	Directory         string         `yaml:"directory"`
	Selected          string         `yaml:"selected"`
	PayloadExtensions []string       `yaml:"payload_extensions"`
	Variants          []ModelVariant `yaml:"variants"`
}

// TextConfig holds the tuning values of the normalizer and the summarizer.
type TextConfig struct {
	Locale            string `yaml:"locale"`
	TerminalEvery     int    `yaml:"terminal_every_words"`
	CommaMinWords     int    `yaml:"comma_min_words"`
	CommaMaxWords     int    `yaml:"comma_max_words"`
	MinSentenceWords  int    `yaml:"min_sentence_words"`
	SummaryMinK       int    `yaml:"summary_min_sentences"`
	SummaryMaxK       int    `yaml:"summary_max_sentences"`
	SummaryBasicK     int    `yaml:"summary_basic_sentences"`
	SummaryMinWords   int    `yaml:"summary_min_words"`
	SummaryMaxWords   int    `yaml:"summary_max_words"`
	SummaryShortWords int    `yaml:"summary_short_words"`
}

type NotesConfig struct {
	Path string `yaml:"path"`
}

type PreferencesConfig struct {
	AutoEnhance      bool   `yaml:"auto_enhance"`
	UseAIEnhancement bool   `yaml:"use_ai_enhancement"`
	Summarize        bool   `yaml:"summarize"`
	SummaryMode      string `yaml:"summary_mode"` // basic, advanced
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "scribe-node-1",
			Role:              "scribe",
			HeartbeatInterval: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Device:          "bus",
			DeviceID:        "default",
			OutputDir:       "./data/recordings",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 100,
			LiveQueueDepth:  32,
			FileQueueDepth:  256,
		},
		Permissions: PermissionsConfig{
			Microphone:  true,
			Recognition: true,
		},
		STT: STTConfig{
			Language:       "en",
			Streaming:      EngineConfig{Mode: "none"},
			Light:          EngineConfig{Mode: "none"},
			PartialEveryMS: 800,
			MinPartialMS:   500,
			TimeoutMS:      120000,
		},
		Models: ModelsConfig{
			Directory:         "./data/models",
			Selected:          "base",
			PayloadExtensions: []string{".bin", ".gguf", ".ggml", ".onnx"},
		},
		Text: TextConfig{
			Locale:            "en",
			TerminalEvery:     10,
			CommaMinWords:     4,
			CommaMaxWords:     6,
			MinSentenceWords:  3,
			SummaryMinK:       2,
			SummaryMaxK:       5,
			SummaryBasicK:     3,
			SummaryMinWords:   5,
			SummaryMaxWords:   20,
			SummaryShortWords: 4,
		},
		Notes: NotesConfig{
			Path: "./data/scribe-notes.db",
		},
		Preferences: PreferencesConfig{
			AutoEnhance: true,
			Summarize:   true,
			SummaryMode: "advanced",
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.2,
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
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.DeviceID, "LOQA_CAPTURE_DEVICE_ID")
	overrideString(&cfg.Capture.OutputDir, "LOQA_CAPTURE_OUTPUT_DIR")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.FrameDurationMS, "LOQA_CAPTURE_FRAME_DURATION_MS")
	overrideInt(&cfg.Capture.LiveQueueDepth, "LOQA_CAPTURE_LIVE_QUEUE_DEPTH")
	overrideInt(&cfg.Capture.FileQueueDepth, "LOQA_CAPTURE_FILE_QUEUE_DEPTH")
	overrideBool(&cfg.Permissions.Microphone, "LOQA_PERMISSIONS_MICROPHONE")
	overrideBool(&cfg.Permissions.Recognition, "LOQA_PERMISSIONS_RECOGNITION")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Streaming.Mode, "LOQA_STT_STREAMING_MODE")
	overrideString(&cfg.STT.Streaming.Command, "LOQA_STT_STREAMING_COMMAND")
	overrideString(&cfg.STT.Streaming.ModelPath, "LOQA_STT_STREAMING_MODEL_PATH")
	overrideString(&cfg.STT.Light.Mode, "LOQA_STT_LIGHT_MODE")
	overrideString(&cfg.STT.Light.Command, "LOQA_STT_LIGHT_COMMAND")
	overrideString(&cfg.STT.Light.ModelPath, "LOQA_STT_LIGHT_MODEL_PATH")
	overrideString(&cfg.STT.HeavyCommand, "LOQA_STT_HEAVY_COMMAND")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.STT.MinPartialMS, "LOQA_STT_MIN_PARTIAL_MS")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideString(&cfg.Models.Directory, "LOQA_MODELS_DIRECTORY")
	overrideString(&cfg.Models.Selected, "LOQA_MODELS_SELECTED")
	overrideStringSlice(&cfg.Models.PayloadExtensions, "LOQA_MODELS_PAYLOAD_EXTENSIONS")
	overrideString(&cfg.Text.Locale, "LOQA_TEXT_LOCALE")
	overrideInt(&cfg.Text.TerminalEvery, "LOQA_TEXT_TERMINAL_EVERY_WORDS")
	overrideInt(&cfg.Text.CommaMinWords, "LOQA_TEXT_COMMA_MIN_WORDS")
	overrideInt(&cfg.Text.CommaMaxWords, "LOQA_TEXT_COMMA_MAX_WORDS")
	overrideInt(&cfg.Text.SummaryMinK, "LOQA_TEXT_SUMMARY_MIN_SENTENCES")
	overrideInt(&cfg.Text.SummaryMaxK, "LOQA_TEXT_SUMMARY_MAX_SENTENCES")
	overrideInt(&cfg.Text.SummaryBasicK, "LOQA_TEXT_SUMMARY_BASIC_SENTENCES")
	overrideString(&cfg.Notes.Path, "LOQA_NOTES_PATH")
	overrideBool(&cfg.Preferences.AutoEnhance, "LOQA_PREFERENCES_AUTO_ENHANCE")
	overrideBool(&cfg.Preferences.UseAIEnhancement, "LOQA_PREFERENCES_USE_AI_ENHANCEMENT")
	overrideBool(&cfg.Preferences.Summarize, "LOQA_PREFERENCES_SUMMARIZE")
	overrideString(&cfg.Preferences.SummaryMode, "LOQA_PREFERENCES_SUMMARY_MODE")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
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

// Variant returns the configured model variant with the given id.
func (c ModelsConfig) Variant(id string) (ModelVariant, bool) {
	for _, v := range c.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return ModelVariant{}, false
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
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Capture.Device {
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("capture.device=bus requires bus.enabled")
		}
		if cfg.Capture.DeviceID == "" {
			return errors.New("capture.device_id must be set when device=bus")
		}
	case "push", "none":
	default:
		return errors.New("capture.device must be one of bus|push|none")
	}
	if cfg.Capture.OutputDir == "" {
		return errors.New("capture.output_dir must not be empty")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels != 1 {
		return errors.New("capture.channels must be 1 (mono recordings)")
	}
	if cfg.Capture.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}
	if cfg.Capture.LiveQueueDepth <= 0 || cfg.Capture.FileQueueDepth <= 0 {
		return errors.New("capture queue depths must be positive")
	}
	for name, engine := range map[string]EngineConfig{"stt.streaming": cfg.STT.Streaming, "stt.light": cfg.STT.Light} {
		switch engine.Mode {
		case "none", "mock":
		case "exec":
			if engine.Command == "" {
				return fmt.Errorf("%s.command must be set when mode=exec", name)
			}
		default:
			return fmt.Errorf("%s.mode must be one of none|exec|mock", name)
		}
	}
	if cfg.STT.PartialEveryMS < 0 || cfg.STT.MinPartialMS < 0 {
		return errors.New("stt partial intervals must be >= 0")
	}
	if cfg.Models.Directory == "" {
		return errors.New("models.directory must not be empty")
	}
	if len(cfg.Models.PayloadExtensions) == 0 {
		return errors.New("models.payload_extensions must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Models.Variants))
	for _, v := range cfg.Models.Variants {
		if v.ID == "" {
			return errors.New("models.variants[].id must not be empty")
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("models.variants: duplicate id %q", v.ID)
		}
		seen[v.ID] = struct{}{}
		if len(v.Files) == 0 {
			return fmt.Errorf("models.variants[%s].files must not be empty", v.ID)
		}
		for _, f := range v.Files {
			if f.Name == "" || f.URL == "" {
				return fmt.Errorf("models.variants[%s].files need name and url", v.ID)
			}
		}
	}
	if len(cfg.Models.Variants) > 0 {
		if _, ok := cfg.Models.Variant(cfg.Models.Selected); !ok {
			return fmt.Errorf("models.selected %q is not a configured variant", cfg.Models.Selected)
		}
	}
	if cfg.Text.TerminalEvery <= 0 {
		return errors.New("text.terminal_every_words must be positive")
	}
	if cfg.Text.CommaMinWords <= 0 || cfg.Text.CommaMaxWords < cfg.Text.CommaMinWords {
		return errors.New("text.comma_min_words must be positive and <= comma_max_words")
	}
	if cfg.Text.SummaryMinK <= 0 || cfg.Text.SummaryMaxK < cfg.Text.SummaryMinK || cfg.Text.SummaryBasicK <= 0 {
		return errors.New("text summary sentence bounds are invalid")
	}
	if cfg.Notes.Path == "" {
		return errors.New("notes.path must not be empty")
	}
	switch cfg.Preferences.SummaryMode {
	case "basic", "advanced":
	default:
		return errors.New("preferences.summary_mode must be one of basic|advanced")
	}
	if cfg.Preferences.UseAIEnhancement {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	return nil
}

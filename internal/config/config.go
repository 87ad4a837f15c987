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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Node        NodeConfig       `yaml:"node"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	TTS         TTSConfig        `yaml:"tts"`
	Renderer    RendererConfig   `yaml:"renderer"`
	Splitter    SplitterConfig   `yaml:"splitter"`
	Batch       BatchConfig      `yaml:"batch"`
	Sink        SinkConfig       `yaml:"sink"`
	Intake      IntakeConfig     `yaml:"intake"`
}

// NodeConfig identifies this process to other narrator nodes on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxDocuments  int    `yaml:"max_documents"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// TTSConfig controls the local synthesizer service that answers render
// requests arriving on the bus.
type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

// RendererConfig selects the synthesizer the batch engine renders chunks with.
type RendererConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, bus
	Command    string `yaml:"command"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type SplitterConfig struct {
	MaxChars int `yaml:"max_chars"`
}

type BatchConfig struct {
	DocumentExtension string   `yaml:"document_extension"`
	AudioExtension    string   `yaml:"audio_extension"`
	Voices            []string `yaml:"voices"`
}

type SinkConfig struct {
	Mode        string            `yaml:"mode"` // dir, s3, objectstore
	Directory   string            `yaml:"directory"`
	S3          S3Config          `yaml:"s3"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	Secure    bool   `yaml:"secure"`
}

type ObjectStoreConfig struct {
	Bucket string `yaml:"bucket"`
}

type IntakeConfig struct {
	HTTP           bool   `yaml:"http"`
	Bus            bool   `yaml:"bus"`
	WatchDir       string `yaml:"watch_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Node: NodeConfig{
			ID:                "narrator-local",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxDocuments:  10000,
		},
		TTS: TTSConfig{
			Enabled:    false,
			Mode:       "mock",
			SampleRate: 22050,
			Channels:   1,
		},
		Renderer: RendererConfig{
			Mode:       "mock",
			TimeoutMS:  120000,
			SampleRate: 22050,
			Channels:   1,
		},
		Splitter: SplitterConfig{
			MaxChars: 2000,
		},
		Batch: BatchConfig{
			DocumentExtension: ".txt",
			AudioExtension:    "mp3",
		},
		Sink: SinkConfig{
			Mode:      "dir",
			Directory: "./out",
			S3: S3Config{
				Secure: true,
			},
			ObjectStore: ObjectStoreConfig{
				Bucket: "narrator-artifacts",
			},
		},
		Intake: IntakeConfig{
			HTTP:           true,
			MaxUploadBytes: 32 << 20,
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

// NeedsBus reports whether any configured component talks to NATS.
func (c Config) NeedsBus() bool {
	return c.Bus.Enabled ||
		c.Renderer.Mode == "bus" ||
		c.Sink.Mode == "objectstore" ||
		c.Intake.Bus ||
		c.TTS.Enabled
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Node.ID, "NARRATOR_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "NARRATOR_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "NARRATOR_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "NARRATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxDocuments, "NARRATOR_EVENT_STORE_MAX_DOCUMENTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NARRATOR_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.TTS.Enabled, "NARRATOR_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "NARRATOR_TTS_MODE")
	overrideString(&cfg.TTS.Command, "NARRATOR_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "NARRATOR_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "NARRATOR_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "NARRATOR_TTS_CHANNELS")
	overrideString(&cfg.Renderer.Mode, "NARRATOR_RENDERER_MODE")
	overrideString(&cfg.Renderer.Command, "NARRATOR_RENDERER_COMMAND")
	overrideInt(&cfg.Renderer.TimeoutMS, "NARRATOR_RENDERER_TIMEOUT_MS")
	overrideInt(&cfg.Renderer.SampleRate, "NARRATOR_RENDERER_SAMPLE_RATE")
	overrideInt(&cfg.Renderer.Channels, "NARRATOR_RENDERER_CHANNELS")
	overrideInt(&cfg.Splitter.MaxChars, "NARRATOR_SPLITTER_MAX_CHARS")
	overrideString(&cfg.Batch.DocumentExtension, "NARRATOR_BATCH_DOCUMENT_EXTENSION")
	overrideString(&cfg.Batch.AudioExtension, "NARRATOR_BATCH_AUDIO_EXTENSION")
	overrideStringSlice(&cfg.Batch.Voices, "NARRATOR_BATCH_VOICES")
	overrideString(&cfg.Sink.Mode, "NARRATOR_SINK_MODE")
	overrideString(&cfg.Sink.Directory, "NARRATOR_SINK_DIRECTORY")
	overrideString(&cfg.Sink.S3.Endpoint, "NARRATOR_SINK_S3_ENDPOINT")
	overrideString(&cfg.Sink.S3.AccessKey, "NARRATOR_SINK_S3_ACCESS_KEY")
	overrideString(&cfg.Sink.S3.SecretKey, "NARRATOR_SINK_S3_SECRET_KEY")
	overrideString(&cfg.Sink.S3.Bucket, "NARRATOR_SINK_S3_BUCKET")
	overrideString(&cfg.Sink.S3.Region, "NARRATOR_SINK_S3_REGION")
	overrideString(&cfg.Sink.S3.Prefix, "NARRATOR_SINK_S3_PREFIX")
	overrideBool(&cfg.Sink.S3.Secure, "NARRATOR_SINK_S3_SECURE")
	overrideString(&cfg.Sink.ObjectStore.Bucket, "NARRATOR_SINK_OBJECT_STORE_BUCKET")
	overrideBool(&cfg.Intake.HTTP, "NARRATOR_INTAKE_HTTP")
	overrideBool(&cfg.Intake.Bus, "NARRATOR_INTAKE_BUS")
	overrideString(&cfg.Intake.WatchDir, "NARRATOR_INTAKE_WATCH_DIR")
	overrideInt64(&cfg.Intake.MaxUploadBytes, "NARRATOR_INTAKE_MAX_UPLOAD_BYTES")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.NeedsBus() {
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is in use")
		}
		if strings.ContainsAny(cfg.Node.ID, ".*> ") {
			return errors.New("node.id must be a single NATS subject token")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must exceed the heartbeat interval")
		}
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.TTS.Enabled {
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
	}
	switch cfg.Renderer.Mode {
	case "mock", "exec", "bus":
	default:
		return errors.New("renderer.mode must be one of mock|exec|bus")
	}
	if cfg.Renderer.Mode == "exec" && cfg.Renderer.Command == "" {
		return errors.New("renderer.command must be set when mode=exec")
	}
	if cfg.Renderer.TimeoutMS < 0 {
		return errors.New("renderer.timeout_ms must be >= 0")
	}
	if cfg.Splitter.MaxChars <= 0 {
		return errors.New("splitter.max_chars must be positive")
	}
	if cfg.Batch.DocumentExtension == "" {
		return errors.New("batch.document_extension must not be empty")
	}
	if cfg.Batch.AudioExtension == "" || strings.HasPrefix(cfg.Batch.AudioExtension, ".") {
		return errors.New("batch.audio_extension must be set without a leading dot")
	}
	seen := make(map[string]struct{}, len(cfg.Batch.Voices))
	for _, voice := range cfg.Batch.Voices {
		if strings.TrimSpace(voice) == "" {
			return errors.New("batch.voices must not contain empty names")
		}
		if strings.ContainsAny(voice, `/\`) {
			return fmt.Errorf("batch.voices entry %q must not contain path separators", voice)
		}
		if _, dup := seen[voice]; dup {
			return fmt.Errorf("batch.voices contains duplicate voice %q", voice)
		}
		seen[voice] = struct{}{}
	}
	switch cfg.Sink.Mode {
	case "dir":
		if cfg.Sink.Directory == "" {
			return errors.New("sink.directory must be set when mode=dir")
		}
	case "s3":
		if cfg.Sink.S3.Endpoint == "" || cfg.Sink.S3.Bucket == "" {
			return errors.New("sink.s3.endpoint and sink.s3.bucket must be set when mode=s3")
		}
	case "objectstore":
		if cfg.Sink.ObjectStore.Bucket == "" {
			return errors.New("sink.object_store.bucket must be set when mode=objectstore")
		}
	default:
		return errors.New("sink.mode must be one of dir|s3|objectstore")
	}
	if cfg.Intake.HTTP && cfg.Intake.MaxUploadBytes <= 0 {
		return errors.New("intake.max_upload_bytes must be positive when http intake is enabled")
	}
	return nil
}

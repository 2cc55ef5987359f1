package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level" toml:"log_level"`
	LogFormat      string `yaml:"log_format" toml:"log_format"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPProtocol   string `yaml:"otlp_protocol" toml:"otlp_protocol"` // grpc, http
	OTLPInsecure   bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout" toml:"trace_stdout"`
	MetricsEnabled bool   `yaml:"metrics_enabled" toml:"metrics_enabled"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind" toml:"bind"`
	Port           int      `yaml:"port" toml:"port"`
	VoicePath      string   `yaml:"voice_path" toml:"voice_path"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name" toml:"runtime_name"`
	Environment string           `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig       `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Node        NodeConfig       `yaml:"node" toml:"node"`
	Bus         BusConfig        `yaml:"bus" toml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store" toml:"event_store"`
	Session     SessionConfig    `yaml:"session" toml:"session"`
	STT         STTConfig        `yaml:"stt" toml:"stt"`
	LLM         LLMConfig        `yaml:"llm" toml:"llm"`
	TTS         TTSConfig        `yaml:"tts" toml:"tts"`
	Tools       ToolsConfig      `yaml:"tools" toml:"tools"`
	Skills      SkillsConfig     `yaml:"skills" toml:"skills"`
}

// NodeConfig identifies this process to its peers on the bus.
type NodeConfig struct {
	ID                string `yaml:"id" toml:"id"`
	Role              string `yaml:"role" toml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms" toml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms" toml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	StoreDir       string   `yaml:"store_dir" toml:"store_dir"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix" toml:"subject_prefix"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions" toml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

// SessionConfig bounds the per-connection pipeline.
type SessionConfig struct {
	HistoryTurns     int  `yaml:"history_turns" toml:"history_turns"`
	SummarizeHistory bool `yaml:"summarize_history" toml:"summarize_history"`
	QueueSize        int  `yaml:"queue_size" toml:"queue_size"`
	StageBuffer      int  `yaml:"stage_buffer" toml:"stage_buffer"`
	FinalizeGraceMS  int  `yaml:"finalize_grace_ms" toml:"finalize_grace_ms"`
	CloseGraceMS     int  `yaml:"close_grace_ms" toml:"close_grace_ms"`
	MaxMalformed     int  `yaml:"max_malformed" toml:"max_malformed"`
}

type STTConfig struct {
	Mode             string   `yaml:"mode" toml:"mode"` // assemblyai, deepgram, exec, mock
	APIKey           string   `yaml:"api_key" toml:"api_key"`
	Endpoint         string   `yaml:"endpoint" toml:"endpoint"`
	Model            string   `yaml:"model" toml:"model"`
	Language         string   `yaml:"language" toml:"language"`
	Encoding         string   `yaml:"encoding" toml:"encoding"`
	SampleRate       int      `yaml:"sample_rate" toml:"sample_rate"`
	Channels         int      `yaml:"channels" toml:"channels"`
	FormatTurns      bool     `yaml:"format_turns" toml:"format_turns"`
	EndOfTurnConf    float64  `yaml:"end_of_turn_confidence" toml:"end_of_turn_confidence"`
	EndpointingMS    int      `yaml:"endpointing_ms" toml:"endpointing_ms"`
	UtteranceEndMS   int      `yaml:"utterance_end_ms" toml:"utterance_end_ms"`
	KeepAliveMS      int      `yaml:"keepalive_ms" toml:"keepalive_ms"`
	Command          string   `yaml:"command" toml:"command"`
	ModelPath        string   `yaml:"model_path" toml:"model_path"`
	SilenceThreshold float64  `yaml:"silence_threshold" toml:"silence_threshold"`
	MockTranscripts  []string `yaml:"mock_transcripts" toml:"mock_transcripts"`
}

type LLMConfig struct {
	Mode          string  `yaml:"mode" toml:"mode"` // openai, ollama, exec, mock
	Endpoint      string  `yaml:"endpoint" toml:"endpoint"`
	APIKey        string  `yaml:"api_key" toml:"api_key"`
	Model         string  `yaml:"model" toml:"model"`
	System        string  `yaml:"system_prompt" toml:"system_prompt"`
	Command       string  `yaml:"command" toml:"command"`
	MaxTokens     int     `yaml:"max_tokens" toml:"max_tokens"`
	Temperature   float64 `yaml:"temperature" toml:"temperature"`
	MaxToolRounds int     `yaml:"max_tool_rounds" toml:"max_tool_rounds"`
}

type TTSConfig struct {
	Mode            string `yaml:"mode" toml:"mode"` // deepgram, exec, mock
	APIKey          string `yaml:"api_key" toml:"api_key"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint"`
	Model           string `yaml:"model" toml:"model"`
	Command         string `yaml:"command" toml:"command"`
	Voice           string `yaml:"voice" toml:"voice"`
	Encoding        string `yaml:"encoding" toml:"encoding"`
	SampleRate      int    `yaml:"sample_rate" toml:"sample_rate"`
	Channels        int    `yaml:"channels" toml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms" toml:"chunk_duration_ms"`
	Chunking        string `yaml:"chunking" toml:"chunking"` // sentence, immediate
}

type ToolsConfig struct {
	Clock     bool            `yaml:"clock" toml:"clock"`
	WebSearch WebSearchConfig `yaml:"web_search" toml:"web_search"`
}

type WebSearchConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	APIKey  string `yaml:"api_key" toml:"api_key"`
	Count   int    `yaml:"count" toml:"count"`
}

type SkillsConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	Directory    string `yaml:"directory" toml:"directory"`
	Concurrency  int    `yaml:"max_concurrency" toml:"max_concurrency"`
	TimeoutMS    int    `yaml:"timeout_ms" toml:"timeout_ms"`
	AuditPrivacy string `yaml:"audit_privacy_scope" toml:"audit_privacy_scope"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:      "0.0.0.0",
			Port:      8080,
			VoicePath: "/v1/voice",
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			OTLPProtocol:   "grpc",
			OTLPInsecure:   true,
			MetricsEnabled: true,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			Role:              "voice",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "voice",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Session: SessionConfig{
			HistoryTurns:     12,
			SummarizeHistory: true,
			QueueSize:        8,
			StageBuffer:      64,
			FinalizeGraceMS:  100,
			CloseGraceMS:     5000,
			MaxMalformed:     5,
		},
		STT: STTConfig{
			Mode:             "mock",
			Model:            "nova-3",
			Language:         "en",
			Encoding:         "linear16",
			SampleRate:       16000,
			Channels:         1,
			FormatTurns:      true,
			EndpointingMS:    300,
			UtteranceEndMS:   1000,
			KeepAliveMS:      5000,
			SilenceThreshold: 200,
		},
		LLM: LLMConfig{
			Mode:          "mock",
			Model:         "gpt-4.1-mini",
			System:        "You are a helpful voice assistant. Answer in short, speakable sentences.",
			MaxTokens:     512,
			Temperature:   0.7,
			MaxToolRounds: 4,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			Model:           "aura-2-thalia-en",
			Encoding:        "linear16",
			SampleRate:      24000,
			Channels:        1,
			ChunkDurationMS: 100,
			Chunking:        "sentence",
		},
		Tools: ToolsConfig{
			Clock: true,
			WebSearch: WebSearchConfig{
				Count: 5,
			},
		},
		Skills: SkillsConfig{
			Enabled:      false,
			Directory:    "./skills",
			Concurrency:  4,
			TimeoutMS:    10000,
			AuditPrivacy: "internal",
		},
	}
}

// Load builds a Config from defaults, an optional YAML or TOML file and the
// environment. Secrets are resolved here and nowhere else.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnvOverrides(&cfg)
	resolveSecrets(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %w", err)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.HTTP.VoicePath, "LOQA_HTTP_VOICE_PATH")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "LOQA_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideString(&cfg.Telemetry.OTLPProtocol, "LOQA_TELEMETRY_OTLP_PROTOCOL")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Telemetry.MetricsEnabled, "LOQA_TELEMETRY_METRICS_ENABLED")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
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
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Session.HistoryTurns, "LOQA_SESSION_HISTORY_TURNS")
	overrideBool(&cfg.Session.SummarizeHistory, "LOQA_SESSION_SUMMARIZE_HISTORY")
	overrideInt(&cfg.Session.QueueSize, "LOQA_SESSION_QUEUE_SIZE")
	overrideInt(&cfg.Session.StageBuffer, "LOQA_SESSION_STAGE_BUFFER")
	overrideInt(&cfg.Session.FinalizeGraceMS, "LOQA_SESSION_FINALIZE_GRACE_MS")
	overrideInt(&cfg.Session.CloseGraceMS, "LOQA_SESSION_CLOSE_GRACE_MS")
	overrideInt(&cfg.Session.MaxMalformed, "LOQA_SESSION_MAX_MALFORMED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Encoding, "LOQA_STT_ENCODING")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideBool(&cfg.STT.FormatTurns, "LOQA_STT_FORMAT_TURNS")
	overrideFloat(&cfg.STT.EndOfTurnConf, "LOQA_STT_END_OF_TURN_CONFIDENCE")
	overrideInt(&cfg.STT.EndpointingMS, "LOQA_STT_ENDPOINTING_MS")
	overrideInt(&cfg.STT.UtteranceEndMS, "LOQA_STT_UTTERANCE_END_MS")
	overrideInt(&cfg.STT.KeepAliveMS, "LOQA_STT_KEEPALIVE_MS")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideFloat(&cfg.STT.SilenceThreshold, "LOQA_STT_SILENCE_THRESHOLD")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.System, "LOQA_LLM_SYSTEM_PROMPT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.MaxToolRounds, "LOQA_LLM_MAX_TOOL_ROUNDS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.Encoding, "LOQA_TTS_ENCODING")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideString(&cfg.TTS.Chunking, "LOQA_TTS_CHUNKING")
	overrideBool(&cfg.Tools.Clock, "LOQA_TOOLS_CLOCK")
	overrideBool(&cfg.Tools.WebSearch.Enabled, "LOQA_TOOLS_WEB_SEARCH_ENABLED")
	overrideString(&cfg.Tools.WebSearch.APIKey, "LOQA_TOOLS_WEB_SEARCH_API_KEY")
	overrideInt(&cfg.Tools.WebSearch.Count, "LOQA_TOOLS_WEB_SEARCH_COUNT")
	overrideBool(&cfg.Skills.Enabled, "LOQA_SKILLS_ENABLED")
	overrideString(&cfg.Skills.Directory, "LOQA_SKILLS_DIRECTORY")
	overrideInt(&cfg.Skills.Concurrency, "LOQA_SKILLS_MAX_CONCURRENCY")
	overrideInt(&cfg.Skills.TimeoutMS, "LOQA_SKILLS_TIMEOUT_MS")
}

// resolveSecrets falls back to the variables each vendor documents.
func resolveSecrets(cfg *Config) {
	switch cfg.STT.Mode {
	case "assemblyai":
		fallbackString(&cfg.STT.APIKey, "ASSEMBLYAI_API_KEY")
	case "deepgram":
		fallbackString(&cfg.STT.APIKey, "DEEPGRAM_API_KEY")
	}
	if cfg.LLM.Mode == "openai" {
		fallbackString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	}
	if cfg.TTS.Mode == "deepgram" {
		fallbackString(&cfg.TTS.APIKey, "DEEPGRAM_API_KEY")
	}
	if cfg.Tools.WebSearch.Enabled {
		fallbackString(&cfg.Tools.WebSearch.APIKey, "BRAVE_API_KEY")
	}
}

func fallbackString(target *string, envKey string) {
	if strings.TrimSpace(*target) != "" {
		return
	}
	overrideString(target, envKey)
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
	if !strings.HasPrefix(cfg.HTTP.VoicePath, "/") {
		return errors.New("http.voice_path must start with /")
	}
	switch strings.ToLower(cfg.Telemetry.LogFormat) {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	switch cfg.Telemetry.OTLPProtocol {
	case "grpc", "http":
	default:
		return errors.New("telemetry.otlp_protocol must be one of grpc|http")
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
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if err := validateSession(cfg.Session); err != nil {
		return err
	}
	if err := validateSTT(cfg.STT); err != nil {
		return err
	}
	if err := validateLLM(cfg.LLM); err != nil {
		return err
	}
	if err := validateTTS(cfg.TTS); err != nil {
		return err
	}
	if cfg.Tools.WebSearch.Enabled && cfg.Tools.WebSearch.APIKey == "" {
		return errors.New("tools.web_search.api_key must be set when web search is enabled")
	}
	if cfg.Skills.Enabled {
		if cfg.Skills.Directory == "" {
			return errors.New("skills.directory must not be empty when skills are enabled")
		}
		if cfg.Skills.Concurrency <= 0 {
			return errors.New("skills.max_concurrency must be >= 1")
		}
		if cfg.Skills.AuditPrivacy == "" {
			return errors.New("skills.audit_privacy_scope must not be empty")
		}
	}
	return nil
}

func validateSession(cfg SessionConfig) error {
	if cfg.HistoryTurns <= 0 {
		return errors.New("session.history_turns must be positive")
	}
	if cfg.QueueSize <= 0 {
		return errors.New("session.queue_size must be positive")
	}
	if cfg.StageBuffer < 0 {
		return errors.New("session.stage_buffer must be >= 0")
	}
	if cfg.FinalizeGraceMS <= 0 {
		return errors.New("session.finalize_grace_ms must be positive")
	}
	if cfg.CloseGraceMS < cfg.FinalizeGraceMS {
		return errors.New("session.close_grace_ms must be at least finalize_grace_ms")
	}
	if cfg.MaxMalformed <= 0 {
		return errors.New("session.max_malformed must be positive")
	}
	return nil
}

func validateSTT(cfg STTConfig) error {
	switch cfg.Mode {
	case "assemblyai", "deepgram":
		if cfg.APIKey == "" {
			return fmt.Errorf("stt.api_key must be set when mode=%s", cfg.Mode)
		}
	case "exec":
		if cfg.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("stt.mode must be one of assemblyai|deepgram|exec|mock")
	}
	if cfg.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	return nil
}

func validateLLM(cfg LLMConfig) error {
	switch cfg.Mode {
	case "openai":
		if cfg.APIKey == "" && cfg.Endpoint == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
	case "ollama":
		if cfg.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("llm.mode must be one of openai|ollama|exec|mock")
	}
	if cfg.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.MaxToolRounds <= 0 {
		return errors.New("llm.max_tool_rounds must be positive")
	}
	return nil
}

func validateTTS(cfg TTSConfig) error {
	switch cfg.Mode {
	case "deepgram":
		if cfg.APIKey == "" {
			return errors.New("tts.api_key must be set when mode=deepgram")
		}
	case "exec":
		if cfg.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("tts.mode must be one of deepgram|exec|mock")
	}
	switch cfg.Chunking {
	case "sentence", "immediate":
	default:
		return errors.New("tts.chunking must be one of sentence|immediate")
	}
	if cfg.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	return nil
}

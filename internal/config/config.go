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
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	LLM          LLMConfig          `yaml:"llm"`
	TTS          TTSConfig          `yaml:"tts"`
	Audio        AudioConfig        `yaml:"audio"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Router       RouterConfig       `yaml:"router"`
}

type BusConfig struct {
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

type SessionStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, session, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RetrievalConfig struct {
	Enabled                bool    `yaml:"enabled"`
	SearchEndpoint         string  `yaml:"search_endpoint"`
	EmbedEndpoint          string  `yaml:"embed_endpoint"`
	EmbedModel             string  `yaml:"embed_model"`
	EmbedRequestsPerMinute int     `yaml:"embed_requests_per_minute"`
	MaxPassages            int     `yaml:"max_passages"`
	MaxCandidates          int     `yaml:"max_candidates"`
	MinQueryWords          int     `yaml:"min_query_words"`
	SimilarityWeight       float64 `yaml:"similarity_weight"`
	FetchContent           bool    `yaml:"fetch_content"`
	FetchTimeoutMS         int     `yaml:"fetch_timeout_ms"`
	MaxSnippetChars        int     `yaml:"max_snippet_chars"`
	TimeoutMS              int     `yaml:"timeout_ms"`
	FetchConcurrency       int     `yaml:"fetch_concurrency"`
	EmbeddingConcurrency   int     `yaml:"embedding_concurrency"`
}

type LLMConfig struct {
	Mode              string  `yaml:"mode"` // mock, ollama, exec
	Endpoint          string  `yaml:"endpoint"`
	Command           string  `yaml:"command"`
	Model             string  `yaml:"model"`
	SystemPrompt      string  `yaml:"system_prompt"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	HistoryTurns      int     `yaml:"history_turns"`
	IdleTimeoutMS     int     `yaml:"idle_timeout_ms"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
}

type TTSConfig struct {
	Mode             string `yaml:"mode"` // mock, exec
	Command          string `yaml:"command"`
	TranscodeCommand string `yaml:"transcode_command"`
	Voice            string `yaml:"voice"`
	EngineSampleRate int    `yaml:"engine_sample_rate"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	ChunkDurationMS  int    `yaml:"chunk_duration_ms"`
	TimeoutMS        int    `yaml:"timeout_ms"`
}

type AudioConfig struct {
	Device        string `yaml:"device"` // null, exec, bus
	Command       string `yaml:"command"`
	QueueCapacity int    `yaml:"queue_capacity"`
	Realtime      bool   `yaml:"realtime"`
}

type OrchestratorConfig struct {
	SentenceMaxChars     int    `yaml:"sentence_max_chars"`
	SynthesisParallelism int    `yaml:"synthesis_parallelism"`
	SentenceQueue        int    `yaml:"sentence_queue"`
	OverlapPolicy        string `yaml:"overlap_policy"` // interrupt, queue
}

type RouterConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxSessions int  `yaml:"max_sessions"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		SessionStore: SessionStoreConfig{
			Path:          "./data/loqa-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Retrieval: RetrievalConfig{
			Enabled:                false,
			SearchEndpoint:         "http://localhost:8888",
			EmbedEndpoint:          "http://localhost:11434",
			EmbedModel:             "nomic-embed-text",
			EmbedRequestsPerMinute: 0,
			MaxPassages:            3,
			MaxCandidates:          8,
			MinQueryWords:          3,
			SimilarityWeight:       0.6,
			FetchContent:           false,
			FetchTimeoutMS:         2500,
			MaxSnippetChars:        1200,
			TimeoutMS:              4000,
			FetchConcurrency:       4,
			EmbeddingConcurrency:   4,
		},
		LLM: LLMConfig{
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			Model:         "llama3.2:latest",
			SystemPrompt:  "You are a helpful voice assistant. Answer in short, spoken sentences.",
			MaxTokens:     512,
			Temperature:   0.7,
			HistoryTurns:  12,
			IdleTimeoutMS: 15000,
		},
		TTS: TTSConfig{
			Mode:             "mock",
			Voice:            "af_sky",
			EngineSampleRate: 24000,
			SampleRate:       24000,
			Channels:         1,
			ChunkDurationMS:  100,
			TimeoutMS:        10000,
		},
		Audio: AudioConfig{
			Device:        "null",
			QueueCapacity: 4,
			Realtime:      true,
		},
		Orchestrator: OrchestratorConfig{
			SentenceMaxChars:     200,
			SynthesisParallelism: 2,
			SentenceQueue:        3,
			OverlapPolicy:        "interrupt",
		},
		Router: RouterConfig{
			Enabled:     true,
			MaxSessions: 64,
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
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.SessionStore.Path, "LOQA_SESSION_STORE_PATH")
	overrideString(&cfg.SessionStore.RetentionMode, "LOQA_SESSION_STORE_RETENTION_MODE")
	overrideInt(&cfg.SessionStore.RetentionDays, "LOQA_SESSION_STORE_RETENTION_DAYS")
	overrideInt(&cfg.SessionStore.MaxSessions, "LOQA_SESSION_STORE_MAX_SESSIONS")
	overrideBool(&cfg.SessionStore.VacuumOnStart, "LOQA_SESSION_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Retrieval.Enabled, "LOQA_RETRIEVAL_ENABLED")
	overrideString(&cfg.Retrieval.SearchEndpoint, "LOQA_RETRIEVAL_SEARCH_ENDPOINT")
	overrideString(&cfg.Retrieval.EmbedEndpoint, "LOQA_RETRIEVAL_EMBED_ENDPOINT")
	overrideString(&cfg.Retrieval.EmbedModel, "LOQA_RETRIEVAL_EMBED_MODEL")
	overrideInt(&cfg.Retrieval.EmbedRequestsPerMinute, "LOQA_RETRIEVAL_EMBED_REQUESTS_PER_MINUTE")
	overrideInt(&cfg.Retrieval.MaxPassages, "LOQA_RETRIEVAL_MAX_PASSAGES")
	overrideInt(&cfg.Retrieval.MaxCandidates, "LOQA_RETRIEVAL_MAX_CANDIDATES")
	overrideInt(&cfg.Retrieval.MinQueryWords, "LOQA_RETRIEVAL_MIN_QUERY_WORDS")
	overrideFloat(&cfg.Retrieval.SimilarityWeight, "LOQA_RETRIEVAL_SIMILARITY_WEIGHT")
	overrideBool(&cfg.Retrieval.FetchContent, "LOQA_RETRIEVAL_FETCH_CONTENT")
	overrideInt(&cfg.Retrieval.FetchTimeoutMS, "LOQA_RETRIEVAL_FETCH_TIMEOUT_MS")
	overrideInt(&cfg.Retrieval.MaxSnippetChars, "LOQA_RETRIEVAL_MAX_SNIPPET_CHARS")
	overrideInt(&cfg.Retrieval.TimeoutMS, "LOQA_RETRIEVAL_TIMEOUT_MS")
	overrideInt(&cfg.Retrieval.FetchConcurrency, "LOQA_RETRIEVAL_FETCH_CONCURRENCY")
	overrideInt(&cfg.Retrieval.EmbeddingConcurrency, "LOQA_RETRIEVAL_EMBEDDING_CONCURRENCY")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.SystemPrompt, "LOQA_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.HistoryTurns, "LOQA_LLM_HISTORY_TURNS")
	overrideInt(&cfg.LLM.IdleTimeoutMS, "LOQA_LLM_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.LLM.RequestsPerMinute, "LOQA_LLM_REQUESTS_PER_MINUTE")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.TranscodeCommand, "LOQA_TTS_TRANSCODE_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.EngineSampleRate, "LOQA_TTS_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideString(&cfg.Audio.Command, "LOQA_AUDIO_COMMAND")
	overrideInt(&cfg.Audio.QueueCapacity, "LOQA_AUDIO_QUEUE_CAPACITY")
	overrideBool(&cfg.Audio.Realtime, "LOQA_AUDIO_REALTIME")
	overrideInt(&cfg.Orchestrator.SentenceMaxChars, "LOQA_ORCHESTRATOR_SENTENCE_MAX_CHARS")
	overrideInt(&cfg.Orchestrator.SynthesisParallelism, "LOQA_ORCHESTRATOR_SYNTHESIS_PARALLELISM")
	overrideInt(&cfg.Orchestrator.SentenceQueue, "LOQA_ORCHESTRATOR_SENTENCE_QUEUE")
	overrideString(&cfg.Orchestrator.OverlapPolicy, "LOQA_ORCHESTRATOR_OVERLAP_POLICY")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
	overrideInt(&cfg.Router.MaxSessions, "LOQA_ROUTER_MAX_SESSIONS")
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
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}

	switch cfg.SessionStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("session_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.SessionStore.RetentionMode != "ephemeral" && cfg.SessionStore.Path == "" {
		return errors.New("session_store.path must not be empty")
	}
	if cfg.SessionStore.RetentionDays < 0 {
		return errors.New("session_store.retention_days must be >= 0")
	}

	if cfg.Retrieval.Enabled {
		if cfg.Retrieval.SearchEndpoint == "" {
			return errors.New("retrieval.search_endpoint must be set when retrieval is enabled")
		}
		if cfg.Retrieval.MaxPassages <= 0 {
			return errors.New("retrieval.max_passages must be positive")
		}
		if cfg.Retrieval.TimeoutMS <= 0 {
			return errors.New("retrieval.timeout_ms must be positive")
		}
	}
	if cfg.Retrieval.SimilarityWeight < 0 || cfg.Retrieval.SimilarityWeight > 1 {
		return errors.New("retrieval.similarity_weight must be within [0,1]")
	}

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
	if cfg.LLM.IdleTimeoutMS <= 0 {
		return errors.New("llm.idle_timeout_ms must be positive")
	}

	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 || cfg.TTS.EngineSampleRate <= 0 {
		return errors.New("tts.sample_rate and tts.engine_sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.ChunkDurationMS <= 0 {
		return errors.New("tts.chunk_duration_ms must be positive")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}

	switch cfg.Audio.Device {
	case "null", "bus":
	case "exec":
		if cfg.Audio.Command == "" {
			return errors.New("audio.command must be set when device=exec")
		}
	default:
		return errors.New("audio.device must be one of null|exec|bus")
	}
	if cfg.Audio.QueueCapacity <= 0 {
		return errors.New("audio.queue_capacity must be >= 1")
	}

	if cfg.Orchestrator.SentenceMaxChars < 16 {
		return errors.New("orchestrator.sentence_max_chars must be >= 16")
	}
	if cfg.Orchestrator.SynthesisParallelism <= 0 {
		return errors.New("orchestrator.synthesis_parallelism must be >= 1")
	}
	if cfg.Orchestrator.SentenceQueue <= 0 {
		return errors.New("orchestrator.sentence_queue must be >= 1")
	}
	switch cfg.Orchestrator.OverlapPolicy {
	case "interrupt", "queue":
	default:
		return errors.New("orchestrator.overlap_policy must be one of interrupt|queue")
	}
	if cfg.Router.Enabled && cfg.Router.MaxSessions <= 0 {
		return errors.New("router.max_sessions must be >= 1")
	}
	return nil
}

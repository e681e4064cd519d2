package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Supabase-issued JWTs are verified locally with this shared secret.
	JWTSecret string

	// Postgres DSN for the session/document store. Empty selects the
	// in-memory store (local development only).
	DatabaseURL    string
	MigrateOnStart bool

	// Collaborator endpoints.
	EmbedBaseURL      string
	GenerateBaseURL   string
	TranscribeBaseURL string
	GenerationBackend string // "txagent" or "openai"
	OpenAIAPIKey      string
	OpenAIModel       string
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string

	// Per-stage timeouts. A timeout is a stage failure, not a crash.
	TranscribeTimeout time.Duration
	EmbedTimeout      time.Duration
	RetrieveTimeout   time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration

	// Retrieval shape.
	TopK           int
	MatchThreshold float64
	HistoryWindow  int

	// Live connection limits.
	MaxAudioBytes       int64
	MaxJSONMessageBytes int64
	TurnQueueDepth      int
	OutboundQueueSize   int
	WSWriteTimeout      time.Duration
	WSPingInterval      time.Duration
	WSReadTimeout       time.Duration
	HandshakeTimeout    time.Duration

	// Idle connection sweeping (explicit background task, cancelled on
	// shutdown).
	IdleSweepInterval time.Duration
	IdleTimeout       time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Optional override of the emergency phrase list (CSV).
	EmergencyKeywords []string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("CONSULT_ADDR", ":8085"),
		JWTSecret:           strings.TrimSpace(os.Getenv("CONSULT_JWT_SECRET")),
		DatabaseURL:         strings.TrimSpace(os.Getenv("CONSULT_DATABASE_URL")),
		MigrateOnStart:      envBoolOr("CONSULT_DB_MIGRATE", false),
		EmbedBaseURL:        envOr("CONSULT_EMBED_BASE_URL", "http://localhost:8000"),
		GenerateBaseURL:     envOr("CONSULT_GENERATE_BASE_URL", "http://localhost:8000"),
		TranscribeBaseURL:   envOr("CONSULT_TRANSCRIBE_BASE_URL", "http://localhost:8000"),
		GenerationBackend:   envOr("CONSULT_GENERATION_BACKEND", "txagent"),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("CONSULT_OPENAI_API_KEY")),
		OpenAIModel:         envOr("CONSULT_OPENAI_MODEL", "gpt-4"),
		ElevenLabsAPIKey:    strings.TrimSpace(os.Getenv("CONSULT_ELEVENLABS_API_KEY")),
		ElevenLabsVoiceID:   envOr("CONSULT_ELEVENLABS_VOICE_ID", "default"),
		TranscribeTimeout:   envDurationOr("CONSULT_TRANSCRIBE_TIMEOUT", 30*time.Second),
		EmbedTimeout:        envDurationOr("CONSULT_EMBED_TIMEOUT", 30*time.Second),
		RetrieveTimeout:     envDurationOr("CONSULT_RETRIEVE_TIMEOUT", 30*time.Second),
		GenerateTimeout:     envDurationOr("CONSULT_GENERATE_TIMEOUT", 60*time.Second),
		SynthesizeTimeout:   envDurationOr("CONSULT_SYNTHESIZE_TIMEOUT", 30*time.Second),
		TopK:                envIntOr("CONSULT_RAG_TOP_K", 5),
		MatchThreshold:      envFloat64Or("CONSULT_RAG_MATCH_THRESHOLD", 0.5),
		HistoryWindow:       envIntOr("CONSULT_HISTORY_WINDOW", 10),
		MaxAudioBytes:       envInt64Or("CONSULT_MAX_AUDIO_BYTES", 10<<20), // 10 MiB
		MaxJSONMessageBytes: envInt64Or("CONSULT_MAX_JSON_MESSAGE_BYTES", 1<<20),
		TurnQueueDepth:      envIntOr("CONSULT_TURN_QUEUE_DEPTH", 4),
		OutboundQueueSize:   envIntOr("CONSULT_OUTBOUND_QUEUE_SIZE", 64),
		WSWriteTimeout:      envDurationOr("CONSULT_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:      envDurationOr("CONSULT_WS_PING_INTERVAL", 20*time.Second),
		WSReadTimeout:       envDurationOr("CONSULT_WS_READ_TIMEOUT", 0),
		HandshakeTimeout:    envDurationOr("CONSULT_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		IdleSweepInterval:   envDurationOr("CONSULT_IDLE_SWEEP_INTERVAL", time.Minute),
		IdleTimeout:         envDurationOr("CONSULT_IDLE_TIMEOUT", 10*time.Minute),
		ReadHeaderTimeout:   envDurationOr("CONSULT_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("CONSULT_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		EmergencyKeywords:   splitCSV(os.Getenv("CONSULT_EMERGENCY_KEYWORDS")),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("CONSULT_JWT_SECRET must be set")
	}
	switch cfg.GenerationBackend {
	case "txagent":
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("CONSULT_OPENAI_API_KEY must be set when CONSULT_GENERATION_BACKEND=openai")
		}
	default:
		return Config{}, fmt.Errorf("CONSULT_GENERATION_BACKEND must be one of txagent|openai")
	}
	if cfg.TranscribeTimeout <= 0 {
		return Config{}, fmt.Errorf("CONSULT_TRANSCRIBE_TIMEOUT must be > 0")
	}
	if cfg.EmbedTimeout <= 0 {
		return Config{}, fmt.Errorf("CONSULT_EMBED_TIMEOUT must be > 0")
	}
	if cfg.RetrieveTimeout <= 0 {
		return Config{}, fmt.Errorf("CONSULT_RETRIEVE_TIMEOUT must be > 0")
	}
	if cfg.GenerateTimeout <= 0 {
		return Config{}, fmt.Errorf("CONSULT_GENERATE_TIMEOUT must be > 0")
	}
	if cfg.SynthesizeTimeout <= 0 {
		return Config{}, fmt.Errorf("CONSULT_SYNTHESIZE_TIMEOUT must be > 0")
	}
	if cfg.TopK <= 0 {
		return Config{}, fmt.Errorf("CONSULT_RAG_TOP_K must be > 0")
	}
	if cfg.MatchThreshold < 0 || cfg.MatchThreshold > 1 {
		return Config{}, fmt.Errorf("CONSULT_RAG_MATCH_THRESHOLD must be in [0, 1]")
	}
	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("CONSULT_HISTORY_WINDOW must be > 0")
	}
	if cfg.MaxAudioBytes <= 0 {
		return Config{}, fmt.Errorf("CONSULT_MAX_AUDIO_BYTES must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CONSULT_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.TurnQueueDepth <= 0 {
		return Config{}, fmt.Errorf("CONSULT_TURN_QUEUE_DEPTH must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("CONSULT_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CONSULT_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("CONSULT_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("CONSULT_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("CONSULT_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.IdleSweepInterval <= 0 {
		return Config{}, fmt.Errorf("CONSULT_IDLE_SWEEP_INTERVAL must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return Config{}, fmt.Errorf("CONSULT_IDLE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CONSULT_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CONSULT_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

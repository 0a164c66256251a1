// Package config loads worker configuration the way the rest of this
// codebase's lineage does it: sensible defaults, an optional YAML
// overlay, then environment variable overrides, then a final
// applyDefaults() pass for anything still zero-valued.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is the full worker configuration (spec §6, plus the
// "must be configurable" numeric knobs named throughout §4).
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Supabase   SupabaseConfig   `yaml:"supabase"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Providers  ProvidersConfig  `yaml:"providers"`
	RingBuffer RingBufferConfig `yaml:"ring_buffer"`
	Facts      FactsConfig      `yaml:"facts"`
	Budgeter   BudgeterConfig   `yaml:"budgeter"`
	Session    SessionConfig    `yaml:"session"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	SSE        SSEConfig        `yaml:"sse"`
	Audio      AudioConfig      `yaml:"audio"`
}

type ServerConfig struct {
	Port            int `yaml:"worker_port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

type SupabaseConfig struct {
	URL            string `yaml:"url"`
	ServiceRoleKey string `yaml:"service_role_key"`
}

// PostgresConfig is the direct database/sql + lib/pq connection used
// only by internal/checkpoint for crash-safe monotonic upserts (spec
// §4.3); Supabase's PostgREST path cannot express ON CONFLICT.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type ProvidersConfig struct {
	OpenAIAPIKey      string `yaml:"openai_api_key"`
	EmbedModel        string `yaml:"embed_model"`
	ChunksPolishModel string `yaml:"chunks_polish_model"`
	ContextGenModel   string `yaml:"context_gen_model"`
	GlossaryModel     string `yaml:"glossary_model"`
	CardsModel        string `yaml:"cards_model"`
	ExaAPIKey         string `yaml:"exa_api_key"`
}

type RingBufferConfig struct {
	Capacity int `yaml:"capacity"`
	WindowMs int `yaml:"window_ms"`
}

type FactsConfig struct {
	MaxItems           int     `yaml:"max_items"`
	DormantMissStreak  uint32  `yaml:"dormant_miss_streak"`
	DormantIdleMs      int64   `yaml:"dormant_idle_ms"`
	DormantConfDrop    float32 `yaml:"dormant_confidence_drop"`
	ReviveDelta        float32 `yaml:"revive_delta"`
	PruneIdleMs        int64   `yaml:"prune_idle_ms"`
	AgreementIncrement float32 `yaml:"agreement_increment"`
	MismatchDecrement  float32 `yaml:"mismatch_decrement"`
	SourceCap          int     `yaml:"source_cap"`
}

type BudgeterConfig struct {
	TopKPreCap            int     `yaml:"top_k_pre_cap"`
	HeadroomTokens        int     `yaml:"headroom_tokens"`
	ClusterJaccard        float64 `yaml:"cluster_jaccard_threshold"`
	SummaryMinUnadmitted  int     `yaml:"summary_min_unadmitted"`
	SelectedConfBonus     float32 `yaml:"selected_confidence_bonus"`
	UnadmittedConfPenalty float32 `yaml:"unadmitted_confidence_penalty"`
}

type SessionConfig struct {
	ConnectTimeoutMs  int     `yaml:"connect_timeout_ms"`
	CloseTimeoutMs    int     `yaml:"close_timeout_ms"`
	SendDeadlineMs    int     `yaml:"send_deadline_ms"`
	PingIntervalMs    int     `yaml:"ping_interval_ms"`
	MaxMissedPongs    int     `yaml:"max_missed_pongs"`
	BackoffInitialMs  int     `yaml:"backoff_initial_ms"`
	BackoffFactor     float64 `yaml:"backoff_factor"`
	BackoffCapMs      int     `yaml:"backoff_cap_ms"`
	BackoffJitter     float64 `yaml:"backoff_jitter"`
	MaxConsecutiveErr int     `yaml:"max_consecutive_errors"`
	SendBufferSize    int     `yaml:"send_buffer_size"`
	MaxSendsPerSec    int     `yaml:"max_sends_per_sec"`
}

type RuntimeConfig struct {
	CardsTokenBudget     int    `yaml:"cards_token_budget"`
	FactsDebounceMs      int64  `yaml:"facts_debounce_ms"`
	InboundQueueDepth    int    `yaml:"inbound_queue_depth"`
	FinalChunkBlockMs    int    `yaml:"final_chunk_block_ms"`
	StartEventDeadlineMs int    `yaml:"start_event_deadline_ms"`
	ShutdownDrainMs      int    `yaml:"shutdown_drain_ms"`
	ReplayMaxChunks      int    `yaml:"replay_max_chunks"`
	ReplayGapWarnSeq     uint64 `yaml:"replay_gap_warn_seq"`
	StatusEmitIntervalMs int    `yaml:"status_emit_interval_ms"`
	SummaryLogIntervalMs int    `yaml:"summary_log_interval_ms"`
	CheckpointFlushMs    int    `yaml:"checkpoint_flush_interval_ms"`
	ResumeYoungWindowMs  int64  `yaml:"resume_young_window_ms"`
}

type SSEConfig struct {
	Endpoint string `yaml:"sse_endpoint"`
}

// AudioConfig governs the /audio/stream boundary (spec §6): per-connection
// frame-rate limiting and the binary frame-size ceiling.
type AudioConfig struct {
	MaxFramesPerSec int `yaml:"max_frames_per_sec"`
	MaxFrameBytes   int `yaml:"max_frame_bytes"`
	WriteDeadlineMs int `yaml:"write_deadline_ms"`
	LogEveryNChunks int `yaml:"log_every_n_chunks"`
}

// Load reads an optional YAML file, then applies environment overrides,
// then fills defaults. path == "" skips the YAML step.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		}
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Supabase.URL = getEnv("SUPABASE_URL", c.Supabase.URL)
	c.Supabase.ServiceRoleKey = getEnv("SERVICE_ROLE_KEY", c.Supabase.ServiceRoleKey)
	c.Postgres.DSN = getEnv("POSTGRES_DSN", c.Postgres.DSN)

	c.Providers.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.Providers.OpenAIAPIKey)
	c.Providers.EmbedModel = getEnv("EMBED_MODEL", c.Providers.EmbedModel)
	c.Providers.ChunksPolishModel = getEnv("CHUNKS_POLISH_MODEL", c.Providers.ChunksPolishModel)
	c.Providers.ContextGenModel = getEnv("CONTEXT_GEN_MODEL", c.Providers.ContextGenModel)
	c.Providers.GlossaryModel = getEnv("GLOSSARY_MODEL", c.Providers.GlossaryModel)
	c.Providers.CardsModel = getEnv("CARDS_MODEL", c.Providers.CardsModel)
	c.Providers.ExaAPIKey = getEnv("EXA_API_KEY", c.Providers.ExaAPIKey)

	c.SSE.Endpoint = getEnv("SSE_ENDPOINT", c.SSE.Endpoint)
	if v := getEnvInt("WORKER_PORT", 0); v > 0 {
		c.Server.Port = v
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)

	if v := getEnvInt("RING_BUFFER_CAPACITY", 0); v > 0 {
		c.RingBuffer.Capacity = v
	}
	if v := getEnvInt("RING_BUFFER_WINDOW_MS", 0); v > 0 {
		c.RingBuffer.WindowMs = v
	}
	if v := getEnvInt("FACTS_MAX_ITEMS", 0); v > 0 {
		c.Facts.MaxItems = v
	}
	if v := getEnvInt("FACTS_DEBOUNCE_MS", 0); v > 0 {
		c.Runtime.FactsDebounceMs = int64(v)
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3001
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.ShutdownSec == 0 {
		c.Server.ShutdownSec = 10
	}
	if c.RingBuffer.Capacity == 0 {
		c.RingBuffer.Capacity = 1000
	}
	if c.RingBuffer.WindowMs == 0 {
		c.RingBuffer.WindowMs = 5 * 60 * 1000
	}
	if c.Facts.MaxItems == 0 {
		c.Facts.MaxItems = 50
	}
	if c.Facts.DormantMissStreak == 0 {
		c.Facts.DormantMissStreak = 5
	}
	if c.Facts.DormantIdleMs == 0 {
		c.Facts.DormantIdleMs = 15 * 60 * 1000
	}
	if c.Facts.DormantConfDrop == 0 {
		c.Facts.DormantConfDrop = 0.05
	}
	if c.Facts.ReviveDelta == 0 {
		c.Facts.ReviveDelta = 0.05
	}
	if c.Facts.PruneIdleMs == 0 {
		c.Facts.PruneIdleMs = 60 * 60 * 1000
	}
	if c.Facts.AgreementIncrement == 0 {
		c.Facts.AgreementIncrement = 0.1
	}
	if c.Facts.MismatchDecrement == 0 {
		c.Facts.MismatchDecrement = 0.2
	}
	if c.Facts.SourceCap == 0 {
		c.Facts.SourceCap = 10
	}
	if c.Budgeter.TopKPreCap == 0 {
		c.Budgeter.TopKPreCap = 50
	}
	if c.Budgeter.HeadroomTokens == 0 {
		c.Budgeter.HeadroomTokens = 64
	}
	if c.Budgeter.ClusterJaccard == 0 {
		c.Budgeter.ClusterJaccard = 0.85
	}
	if c.Budgeter.SummaryMinUnadmitted == 0 {
		c.Budgeter.SummaryMinUnadmitted = 3
	}
	if c.Budgeter.SelectedConfBonus == 0 {
		c.Budgeter.SelectedConfBonus = 0.02
	}
	if c.Budgeter.UnadmittedConfPenalty == 0 {
		c.Budgeter.UnadmittedConfPenalty = 0.01
	}
	if c.Session.ConnectTimeoutMs == 0 {
		c.Session.ConnectTimeoutMs = 10_000
	}
	if c.Session.CloseTimeoutMs == 0 {
		c.Session.CloseTimeoutMs = 2_000
	}
	if c.Session.SendDeadlineMs == 0 {
		c.Session.SendDeadlineMs = 5_000
	}
	if c.Session.PingIntervalMs == 0 {
		c.Session.PingIntervalMs = 20_000
	}
	if c.Session.MaxMissedPongs == 0 {
		c.Session.MaxMissedPongs = 3
	}
	if c.Session.BackoffInitialMs == 0 {
		c.Session.BackoffInitialMs = 500
	}
	if c.Session.BackoffFactor == 0 {
		c.Session.BackoffFactor = 2
	}
	if c.Session.BackoffCapMs == 0 {
		c.Session.BackoffCapMs = 30_000
	}
	if c.Session.BackoffJitter == 0 {
		c.Session.BackoffJitter = 0.2
	}
	if c.Session.MaxConsecutiveErr == 0 {
		c.Session.MaxConsecutiveErr = 5
	}
	if c.Session.SendBufferSize == 0 {
		c.Session.SendBufferSize = 64
	}
	if c.Session.MaxSendsPerSec == 0 {
		c.Session.MaxSendsPerSec = 20
	}
	if c.Runtime.CardsTokenBudget == 0 {
		c.Runtime.CardsTokenBudget = 2048
	}
	if c.Runtime.FactsDebounceMs == 0 {
		c.Runtime.FactsDebounceMs = 25_000
	}
	if c.Runtime.InboundQueueDepth == 0 {
		c.Runtime.InboundQueueDepth = 1024
	}
	if c.Runtime.FinalChunkBlockMs == 0 {
		c.Runtime.FinalChunkBlockMs = 200
	}
	if c.Runtime.StartEventDeadlineMs == 0 {
		c.Runtime.StartEventDeadlineMs = 15_000
	}
	if c.Runtime.ShutdownDrainMs == 0 {
		c.Runtime.ShutdownDrainMs = 10_000
	}
	if c.Runtime.ReplayMaxChunks == 0 {
		c.Runtime.ReplayMaxChunks = 1000
	}
	if c.Runtime.ReplayGapWarnSeq == 0 {
		c.Runtime.ReplayGapWarnSeq = 10_000
	}
	if c.Runtime.StatusEmitIntervalMs == 0 {
		c.Runtime.StatusEmitIntervalMs = 5_000
	}
	if c.Runtime.SummaryLogIntervalMs == 0 {
		c.Runtime.SummaryLogIntervalMs = 5 * 60 * 1000
	}
	if c.Runtime.CheckpointFlushMs == 0 {
		c.Runtime.CheckpointFlushMs = 30_000
	}
	if c.Runtime.ResumeYoungWindowMs == 0 {
		c.Runtime.ResumeYoungWindowMs = 60_000
	}
	if c.Audio.MaxFramesPerSec == 0 {
		c.Audio.MaxFramesPerSec = 50
	}
	if c.Audio.MaxFrameBytes == 0 {
		c.Audio.MaxFrameBytes = 64 * 1024
	}
	if c.Audio.WriteDeadlineMs == 0 {
		c.Audio.WriteDeadlineMs = 5_000
	}
	if c.Audio.LogEveryNChunks == 0 {
		c.Audio.LogEveryNChunks = 10
	}
}

// Validate enforces spec §6: sse_endpoint must be a valid URL,
// worker_port a positive integer.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return &ValidationError{Field: "worker_port", Reason: "must be a positive integer"}
	}
	if c.SSE.Endpoint != "" && !strings.Contains(c.SSE.Endpoint, "://") {
		return &ValidationError{Field: "sse_endpoint", Reason: "must be a valid URL"}
	}
	return nil
}

// ValidationError reports a single malformed config field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "config: " + e.Field + ": " + e.Reason
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// LogSummary writes a redacted one-line summary of the resolved config,
// matching the teacher's habit of logging effective config at startup.
func (c *Config) LogSummary() {
	slog.Info("config resolved",
		"worker_port", c.Server.Port,
		"supabase_url", c.Supabase.URL,
		"redis_enabled", c.Redis.Enabled,
		"ring_buffer_capacity", c.RingBuffer.Capacity,
		"facts_max_items", c.Facts.MaxItems,
		"facts_debounce_ms", c.Runtime.FactsDebounceMs,
	)
}

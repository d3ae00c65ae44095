package config

import "time"

// Config is the umbrella object returned by Load: gateway transport
// settings, scheduler tuning, and the LLM provider registry.
type Config struct {
	Gateway   GatewayConfig   `koanf:"gateway"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	LLM       LLMConfig       `koanf:"llm"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format"` // "text" or "json"
	MetricsAddr string `koanf:"metrics_addr"`
}

// GatewayConfig tunes the Gateway's connection handling and auth.
type GatewayConfig struct {
	ListenAddr         string        `koanf:"listen_addr"`
	MaxConnsPerIP      int           `koanf:"max_conns_per_ip"`
	AuthTimeout        time.Duration `koanf:"auth_timeout"`
	HeartbeatInterval  time.Duration `koanf:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `koanf:"heartbeat_timeout"`
	PairingTokenTTL    time.Duration `koanf:"pairing_token_ttl"`
	LocalLoopbackAuto  bool          `koanf:"local_loopback_auto"`
	BroadcastQueueSize int           `koanf:"broadcast_queue_size"`
}

// LaneConfig overrides a Lane's default concurrency.
type LaneConfig struct {
	MaxConcurrency int `koanf:"max_concurrency"`
}

// SchedulerConfig tunes SchedulerCore's tick loop and its subsystems.
type SchedulerConfig struct {
	TickInterval            time.Duration         `koanf:"tick_interval"`
	MaxConcurrentGoals      int                   `koanf:"max_concurrent_goals"`
	AutoStart               bool                  `koanf:"auto_start"`
	StuckSweepEveryNTicks   int                   `koanf:"stuck_sweep_every_n_ticks"`
	MaxRunDuration          time.Duration         `koanf:"max_run_duration"`
	Lanes                   map[string]LaneConfig `koanf:"lanes"`
	MaxSameErrorRetries     int                   `koanf:"max_same_error_retries"`
	MaxInProgressDuration   time.Duration         `koanf:"max_in_progress_duration"`
	MaxReadyDuration        time.Duration         `koanf:"max_ready_duration"`
	RetryBaseDelay          time.Duration         `koanf:"retry_base_delay"`
	RetryMaxDelay           time.Duration         `koanf:"retry_max_delay"`
	QualityGateCommandTO    time.Duration         `koanf:"quality_gate_command_timeout"`
	QualityGateLLMTO        time.Duration         `koanf:"quality_gate_llm_timeout"`
	ShutdownDrainTimeout    time.Duration         `koanf:"shutdown_drain_timeout"`
	CronGoals               []CronGoalConfig      `koanf:"cron_goals"`
}

// CronGoalConfig declares a Goal re-submitted on a recurring schedule.
type CronGoalConfig struct {
	Schedule    string   `koanf:"schedule"` // five-field cron or @every syntax
	Title       string   `koanf:"title"`
	Description string   `koanf:"description"`
	Priority    int      `koanf:"priority"`
	Tags        []string `koanf:"tags"`
}

// PostgresConfig configures the optional durable repository. When DSN is
// empty the server falls back to the in-memory repository.
type PostgresConfig struct {
	DSN            string `koanf:"dsn"`
	MaxConns       int32  `koanf:"max_conns"`
	MinConns       int32  `koanf:"min_conns"`
	SkipMigrations bool   `koanf:"skip_migrations"`
}

// EndpointConfig is one configured LLM endpoint: a network address plus
// protocol plus credentials realizing one or more models.
type EndpointConfig struct {
	Enabled        bool    `koanf:"enabled"`
	Protocol       string  `koanf:"protocol"` // anthropic|openai|gemini|bedrock
	BaseURL        string  `koanf:"base_url"`
	APIKeyEnv      string  `koanf:"api_key_env"`
	Priority       int     `koanf:"priority"` // lower is tried first
	Region         string  `koanf:"region"`   // bedrock
	CostMultiplier float64 `koanf:"cost_multiplier"`
	RateLimitRPM   int     `koanf:"rate_limit_rpm"`
}

// ModelCost is the per-1k-token pricing of a model.
type ModelCost struct {
	Input  float64 `koanf:"input"`
	Output float64 `koanf:"output"`
}

// ModelConfig describes one model id and the endpoints that can serve it.
type ModelConfig struct {
	DisplayName      string    `koanf:"display_name"`
	Endpoints        []string  `koanf:"endpoints"`
	CostPer1kTokens  ModelCost `koanf:"cost_per_1k_tokens"`
	MaxContextTokens int       `koanf:"max_context_tokens"`
	Capabilities     []string  `koanf:"capabilities"`
}

// TierConfig maps a complexity tier (simple|medium|complex) to its primary
// model and ordered fallback chain.
type TierConfig struct {
	Primary  string   `koanf:"primary"`
	Fallback []string `koanf:"fallback"`
}

// AgentConfig overrides model selection for a named agent type. Primary
// wins over Tier when both are set.
type AgentConfig struct {
	Tier     string   `koanf:"tier"`
	Primary  string   `koanf:"primary"`
	Fallback []string `koanf:"fallback"`
}

// LLMDefaults are the request parameters applied when a caller leaves them
// unset.
type LLMDefaults struct {
	Timeout     time.Duration `koanf:"timeout"`
	MaxTokens   int           `koanf:"max_tokens"`
	MaxRetries  int           `koanf:"max_retries"`
	RetryDelay  time.Duration `koanf:"retry_delay"`
	Temperature float64       `koanf:"temperature"`
}

// LLMConfig is the endpoint/model/tier registry consumed by the provider
// manager and its ModelRouter.
type LLMConfig struct {
	Endpoints map[string]EndpointConfig `koanf:"endpoints"`
	Models    map[string]ModelConfig    `koanf:"models"`
	Tiers     map[string]TierConfig     `koanf:"tiers"`
	Agents    map[string]AgentConfig    `koanf:"agents"`
	Defaults  LLMDefaults               `koanf:"defaults"`
	// EndpointCoolOff is how long a failed endpoint is kept out of
	// rotation before it is retried lazily.
	EndpointCoolOff time.Duration `koanf:"endpoint_cool_off"`
}

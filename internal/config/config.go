package config

// Config is the root runtime configuration for the agent daemon.
type Config struct {
	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`

	SystemPrompt string `yaml:"system_prompt"`
	SafetyPrompt string `yaml:"safety_prompt"`
	PolicyPrompt string `yaml:"policy_prompt"`

	// WindowMaxTurns bounds how many full (user, assistant) turns the context
	// window retains before the oldest pairs are drained for summarization.
	// 0 means unbounded.
	WindowMaxTurns int `yaml:"window_max_turns"`

	// ContextBudgetTokens is the hard token cap for a session's prompt
	// context. ContextBudgetReserveTokens is held back for the reply.
	ContextBudgetTokens        int `yaml:"context_budget_tokens"`
	ContextBudgetReserveTokens int `yaml:"context_budget_reserve_tokens"`

	// TurnTimeoutSeconds is the per-turn deadline for foreground turns.
	TurnTimeoutSeconds int `yaml:"turn_timeout_seconds"`

	LLM        LLMConfig       `yaml:"llm"`
	Embeddings EmbeddingConfig `yaml:"embeddings"`
	Memory     *MemoryConfig   `yaml:"memory"`
	Session    SessionConfig   `yaml:"session"`
	Jobs       JobsConfig      `yaml:"job_manager"`
	Injection  InjectionConfig `yaml:"prompt_injection"`
	Qdrant     QdrantConfig    `yaml:"qdrant"`
}

// LLMConfig selects the chat-completions endpoint used for turns.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// EmbeddingConfig configures the OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	BaseURL        string `yaml:"base_url"`
	Path           string `yaml:"path"`
	APIKey         string `yaml:"api_key"`
	APIHeader      string `yaml:"api_header"`
	Model          string `yaml:"model"`
	Dim            int    `yaml:"dim"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// MemoryConfig enables the episodic memory subsystem. A nil MemoryConfig
// disables memory recall entirely.
type MemoryConfig struct {
	Path         string `yaml:"path"`
	EmbeddingDim int    `yaml:"embedding_dim"`
	TableName    string `yaml:"table_name"`

	// PersistenceBackend is one of auto|local|valkey.
	PersistenceBackend       string `yaml:"persistence_backend"`
	PersistenceValkeyURL     string `yaml:"persistence_valkey_url"`
	PersistenceKeyPrefix     string `yaml:"persistence_key_prefix"`
	PersistenceStrictStartup *bool  `yaml:"persistence_strict_startup"`

	GatePromoteThreshold          float32 `yaml:"gate_promote_threshold"`
	GateObsoleteThreshold         float32 `yaml:"gate_obsolete_threshold"`
	GatePromoteMinUsage           uint32  `yaml:"gate_promote_min_usage"`
	GateObsoleteMinUsage          uint32  `yaml:"gate_obsolete_min_usage"`
	GatePromoteFailureRateCeiling float32 `yaml:"gate_promote_failure_rate_ceiling"`
	GateObsoleteFailureRateFloor  float32 `yaml:"gate_obsolete_failure_rate_floor"`
	GatePromoteMinTTLScore        float32 `yaml:"gate_promote_min_ttl_score"`
	GateObsoleteMaxTTLScore       float32 `yaml:"gate_obsolete_max_ttl_score"`

	RecallBaseK1     int     `yaml:"recall_base_k1"`
	RecallBaseK2     int     `yaml:"recall_base_k2"`
	RecallBaseLambda float32 `yaml:"recall_base_lambda"`
}

// SessionConfig selects the session store backend.
type SessionConfig struct {
	// Backend is one of memory|valkey. Empty means memory unless
	// DistributedURL is set.
	Backend        string `yaml:"backend"`
	KeyPrefix      string `yaml:"key_prefix"`
	TTLSecs        int    `yaml:"ttl_secs"`
	DistributedURL string `yaml:"distributed_url"`

	// GateLeaseTTLSecs is the distributed session-gate lease TTL.
	GateLeaseTTLSecs int `yaml:"gate_lease_ttl_secs"`
}

// JobsConfig configures the background job manager.
type JobsConfig struct {
	QueueCapacity             int `yaml:"queue_capacity"`
	MaxInFlight               int `yaml:"max_in_flight"`
	JobTimeoutSecs            int `yaml:"job_timeout_secs"`
	HeartbeatIntervalSecs     int `yaml:"heartbeat_interval_secs"`
	HeartbeatProbeTimeoutSecs int `yaml:"heartbeat_probe_timeout_secs"`
	MaxQueuedAgeSecs          int `yaml:"max_queued_age_secs"`
	MaxRunningAgeSecs         int `yaml:"max_running_age_secs"`
}

// InjectionConfig configures the prompt context assembler policy.
type InjectionConfig struct {
	EnabledCategories []string `yaml:"enabled_categories"`
	AnchorCategories  []string `yaml:"anchor_categories"`
	MaxBlocks         int      `yaml:"max_blocks"`
	MaxChars          int      `yaml:"max_chars"`
	Ordering          string   `yaml:"ordering"` // priority_desc|category_then_priority
	Mode              string   `yaml:"mode"`     // standard|hybrid
}

// QdrantConfig points the episode store at a qdrant instance. Empty URL keeps
// episode search in-process.
type QdrantConfig struct {
	URL        string `yaml:"url"`
	Collection string `yaml:"collection"`
}

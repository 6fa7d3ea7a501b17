package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Load reads configuration from environment variables (optionally .env) and,
// when CORTEX_CONFIG points at a YAML file, merges that file underneath the
// environment. Defaults are applied last. Invalid configuration is returned
// as an error; callers treat it as fatal at startup.
func Load() (Config, error) {
	// Use Overload so .env values override existing OS environment variables.
	// Repository-local configuration deterministically controls development
	// runs unless explicitly changed.
	_ = godotenv.Overload()

	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("CORTEX_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.LogPath, "LOG_PATH")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.SystemPrompt, "SYSTEM_PROMPT")
	setString(&cfg.SafetyPrompt, "SAFETY_PROMPT")
	setString(&cfg.PolicyPrompt, "POLICY_PROMPT")

	setInt(&cfg.WindowMaxTurns, "WINDOW_MAX_TURNS")
	setInt(&cfg.ContextBudgetTokens, "CONTEXT_BUDGET_TOKENS")
	setInt(&cfg.ContextBudgetReserveTokens, "CONTEXT_BUDGET_RESERVE_TOKENS")
	setInt(&cfg.TurnTimeoutSeconds, "TURN_TIMEOUT_SECONDS")

	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.APIKey, "LLM_API_KEY")
	setString(&cfg.LLM.Model, "LLM_MODEL")

	setString(&cfg.Embeddings.BaseURL, "EMBEDDINGS_BASE_URL")
	setString(&cfg.Embeddings.APIKey, "EMBEDDINGS_API_KEY")
	setString(&cfg.Embeddings.Model, "EMBEDDINGS_MODEL")
	setInt(&cfg.Embeddings.Dim, "EMBEDDINGS_DIM")

	setString(&cfg.Session.Backend, "SESSION_BACKEND")
	setString(&cfg.Session.KeyPrefix, "SESSION_KEY_PREFIX")
	setInt(&cfg.Session.TTLSecs, "SESSION_TTL_SECS")
	setString(&cfg.Session.DistributedURL, "VALKEY_URL")
	setInt(&cfg.Session.GateLeaseTTLSecs, "SESSION_GATE_LEASE_TTL_SECS")

	setInt(&cfg.Jobs.QueueCapacity, "JOB_QUEUE_CAPACITY")
	setInt(&cfg.Jobs.MaxInFlight, "JOB_MAX_IN_FLIGHT")
	setInt(&cfg.Jobs.JobTimeoutSecs, "JOB_TIMEOUT_SECS")
	setInt(&cfg.Jobs.HeartbeatIntervalSecs, "JOB_HEARTBEAT_INTERVAL_SECS")
	setInt(&cfg.Jobs.HeartbeatProbeTimeoutSecs, "JOB_HEARTBEAT_PROBE_TIMEOUT_SECS")
	setInt(&cfg.Jobs.MaxQueuedAgeSecs, "JOB_MAX_QUEUED_AGE_SECS")
	setInt(&cfg.Jobs.MaxRunningAgeSecs, "JOB_MAX_RUNNING_AGE_SECS")

	setString(&cfg.Qdrant.URL, "QDRANT_URL")
	setString(&cfg.Qdrant.Collection, "QDRANT_COLLECTION")

	if cfg.Memory != nil {
		setString(&cfg.Memory.PersistenceBackend, "MEMORY_PERSISTENCE_BACKEND")
		setString(&cfg.Memory.PersistenceValkeyURL, "MEMORY_PERSISTENCE_VALKEY_URL")
		setString(&cfg.Memory.PersistenceKeyPrefix, "MEMORY_VALKEY_KEY_PREFIX")
		if v, ok := boolEnv("MEMORY_PERSISTENCE_STRICT_STARTUP"); ok {
			cfg.Memory.PersistenceStrictStartup = &v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ContextBudgetTokens == 0 {
		cfg.ContextBudgetTokens = 32_000
	}
	if cfg.ContextBudgetReserveTokens == 0 {
		cfg.ContextBudgetReserveTokens = 2_000
	}
	if cfg.TurnTimeoutSeconds == 0 {
		cfg.TurnTimeoutSeconds = 120
	}

	if cfg.Embeddings.Path == "" {
		cfg.Embeddings.Path = "/v1/embeddings"
	}
	if cfg.Embeddings.TimeoutSeconds == 0 {
		cfg.Embeddings.TimeoutSeconds = 30
	}

	if cfg.Session.KeyPrefix == "" {
		cfg.Session.KeyPrefix = "cortex:session"
	}
	if cfg.Session.GateLeaseTTLSecs == 0 {
		cfg.Session.GateLeaseTTLSecs = 30
	}

	if cfg.Jobs.QueueCapacity == 0 {
		cfg.Jobs.QueueCapacity = 32
	}
	if cfg.Jobs.MaxInFlight == 0 {
		cfg.Jobs.MaxInFlight = 2
	}
	if cfg.Jobs.JobTimeoutSecs == 0 {
		cfg.Jobs.JobTimeoutSecs = 600
	}
	if cfg.Jobs.HeartbeatIntervalSecs == 0 {
		cfg.Jobs.HeartbeatIntervalSecs = 30
	}
	if cfg.Jobs.HeartbeatProbeTimeoutSecs == 0 {
		cfg.Jobs.HeartbeatProbeTimeoutSecs = 5
	}
	if cfg.Jobs.MaxQueuedAgeSecs == 0 {
		cfg.Jobs.MaxQueuedAgeSecs = 300
	}
	if cfg.Jobs.MaxRunningAgeSecs == 0 {
		cfg.Jobs.MaxRunningAgeSecs = 900
	}

	if len(cfg.Injection.EnabledCategories) == 0 {
		cfg.Injection.EnabledCategories = []string{
			"system_prompt", "safety", "policy", "memory_recall",
			"window_summary", "session_xml", "knowledge", "reflection",
			"runtime_hint",
		}
	}
	if cfg.Injection.MaxBlocks == 0 {
		cfg.Injection.MaxBlocks = 12
	}
	if cfg.Injection.MaxChars == 0 {
		cfg.Injection.MaxChars = 8_000
	}
	if cfg.Injection.Ordering == "" {
		cfg.Injection.Ordering = "priority_desc"
	}
	if cfg.Injection.Mode == "" {
		cfg.Injection.Mode = "standard"
	}

	if cfg.Memory != nil {
		m := cfg.Memory
		if m.PersistenceBackend == "" {
			m.PersistenceBackend = "auto"
		}
		if m.PersistenceKeyPrefix == "" {
			m.PersistenceKeyPrefix = "cortex:memory"
		}
		if m.TableName == "" {
			m.TableName = "episodes"
		}
		if m.RecallBaseK1 == 0 {
			m.RecallBaseK1 = 12
		}
		if m.RecallBaseK2 == 0 {
			m.RecallBaseK2 = 4
		}
		if m.RecallBaseLambda == 0 {
			m.RecallBaseLambda = 0.3
		}
		if m.GatePromoteThreshold == 0 {
			m.GatePromoteThreshold = 0.75
		}
		if m.GateObsoleteThreshold == 0 {
			m.GateObsoleteThreshold = 0.25
		}
		if m.GatePromoteMinUsage == 0 {
			m.GatePromoteMinUsage = 3
		}
		if m.GateObsoleteMinUsage == 0 {
			m.GateObsoleteMinUsage = 5
		}
		if m.GatePromoteFailureRateCeiling == 0 {
			m.GatePromoteFailureRateCeiling = 0.2
		}
		if m.GateObsoleteFailureRateFloor == 0 {
			m.GateObsoleteFailureRateFloor = 0.6
		}
		if m.GatePromoteMinTTLScore == 0 {
			m.GatePromoteMinTTLScore = 0.5
		}
		if m.GateObsoleteMaxTTLScore == 0 {
			m.GateObsoleteMaxTTLScore = 0.2
		}
	}
}

func validate(cfg *Config) error {
	if cfg.ContextBudgetReserveTokens >= cfg.ContextBudgetTokens {
		return fmt.Errorf("context_budget_reserve_tokens (%d) must be below context_budget_tokens (%d)",
			cfg.ContextBudgetReserveTokens, cfg.ContextBudgetTokens)
	}
	switch cfg.Session.Backend {
	case "", "memory", "valkey":
	default:
		return fmt.Errorf("invalid session backend %q; expected memory|valkey", cfg.Session.Backend)
	}
	if cfg.Session.Backend == "valkey" && cfg.Session.DistributedURL == "" {
		return fmt.Errorf("session backend valkey requires session.distributed_url or VALKEY_URL")
	}
	switch cfg.Injection.Ordering {
	case "priority_desc", "category_then_priority":
	default:
		return fmt.Errorf("invalid prompt_injection ordering %q", cfg.Injection.Ordering)
	}
	switch cfg.Injection.Mode {
	case "standard", "hybrid":
	default:
		return fmt.Errorf("invalid prompt_injection mode %q", cfg.Injection.Mode)
	}
	if cfg.Memory != nil {
		switch cfg.Memory.PersistenceBackend {
		case "auto", "local", "valkey":
		default:
			return fmt.Errorf("invalid memory persistence backend %q; expected auto|local|valkey",
				cfg.Memory.PersistenceBackend)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func boolEnv(key string) (bool, bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

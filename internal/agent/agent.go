// Package agent implements the turn executor: it orchestrates one agent
// turn across the session gate, session store, context window, memory
// recall, prompt-context assembly, and the LLM provider.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cortex/internal/config"
	"cortex/internal/embedding"
	"cortex/internal/llm"
	"cortex/internal/memory"
	"cortex/internal/observability"
	"cortex/internal/session"
)

const memoryStreamName = "memory.events"

// Deps are the collaborators injected into an Agent. Nil fields fall back to
// config-derived defaults where one exists.
type Deps struct {
	Sessions    *session.Store
	Gate        session.SessionGate
	LLM         llm.Provider
	Embed       embedding.EmbedFunc
	MemoryIndex memory.VectorIndex
	MemoryState memory.StateStore
}

// Agent executes turns for sessions. It borrows every subsystem read-only
// except the session store, to which it appends.
type Agent struct {
	cfg      config.Config
	sessions *session.Store
	window   *session.BoundedStore
	gate     session.SessionGate
	llm      llm.Provider
	embedFn  embedding.EmbedFunc

	memoryStore      *memory.EpisodeStore
	memoryState      memory.StateStore
	memoryLoadStatus string

	promptInjection *systemPromptInjectionState

	recallMu        sync.RWMutex
	recallSnapshots map[string]RecallSnapshot

	turnMu   sync.Mutex
	turnSeqs map[string]uint64

	now func() time.Time
}

// RecallSnapshot records what memory recall did for a session's latest turn.
type RecallSnapshot struct {
	SessionID       string
	TurnID          uint64
	Plan            RecallPlan
	EpisodeIDs      []string
	FusedScores     []float32
	ContextChars    int
	CreatedAtUnixMS int64
}

// MemoryRuntimeStatus reports the memory subsystem's configuration and load
// state for status surfaces.
type MemoryRuntimeStatus struct {
	Enabled           bool
	ConfiguredBackend string
	ActiveBackend     string
	StrictStartup     bool
	StartupLoadStatus string
	EpisodesTotal     int
	QValuesTotal      int
}

// New wires an Agent from configuration and injected collaborators.
func New(cfg config.Config, deps Deps) (*Agent, error) {
	sessions := deps.Sessions
	if sessions == nil {
		var err error
		sessions, err = newSessionStore(cfg.Session)
		if err != nil {
			return nil, err
		}
	}

	gate := deps.Gate
	if gate == nil {
		var err error
		gate, err = newSessionGate(cfg.Session)
		if err != nil {
			return nil, err
		}
	}

	embedFn := deps.Embed
	if embedFn == nil {
		embedFn = embedding.EmbedBatch
	}

	a := &Agent{
		cfg:             cfg,
		sessions:        sessions,
		window:          session.NewBoundedStore(cfg.WindowMaxTurns, sessions),
		gate:            gate,
		llm:             deps.LLM,
		embedFn:         embedFn,
		promptInjection: newSystemPromptInjectionState(),
		recallSnapshots: make(map[string]RecallSnapshot),
		turnSeqs:        make(map[string]uint64),
		now:             time.Now,
	}

	if cfg.Memory != nil {
		storeCfg := memory.StoreConfig{
			Path:         cfg.Memory.Path,
			EmbeddingDim: cfg.Memory.EmbeddingDim,
			TableName:    cfg.Memory.TableName,
		}
		a.memoryStore = memory.NewEpisodeStoreWithIndex(storeCfg, deps.MemoryIndex)

		state := deps.MemoryState
		if state == nil {
			var err error
			state, err = newMemoryStateBackend(cfg.Memory, cfg.Session.DistributedURL, storeCfg)
			if err != nil {
				return nil, err
			}
		}
		a.memoryState = state
		a.memoryLoadStatus = "not_configured"
		if state != nil {
			if err := state.Load(context.Background(), a.memoryStore); err != nil {
				if state.StrictStartup() {
					return nil, fmt.Errorf("memory state load failed with strict startup: %w", err)
				}
				a.memoryLoadStatus = "load_failed_continue"
				observability.LoggerWithTrace(context.Background()).Warn().Err(err).
					Msg("memory_state_load_failed_continue")
			} else {
				a.memoryLoadStatus = "loaded"
			}
		}
	}

	return a, nil
}

func newSessionStore(cfg config.SessionConfig) (*session.Store, error) {
	useRedis := cfg.Backend == "valkey" || (cfg.Backend == "" && cfg.DistributedURL != "")
	if !useRedis {
		return session.NewStore(), nil
	}
	store, err := session.NewStoreWithRedis(cfg.DistributedURL, cfg.KeyPrefix, cfg.TTLSecs)
	if err != nil {
		return nil, fmt.Errorf("initialize valkey session store: %w", err)
	}
	observability.LoggerWithTrace(context.Background()).Info().
		Str("key_prefix", cfg.KeyPrefix).
		Int("ttl_secs", cfg.TTLSecs).
		Msg("session_backend_enabled")
	return store, nil
}

func newSessionGate(cfg config.SessionConfig) (session.SessionGate, error) {
	useRedis := cfg.Backend == "valkey" || (cfg.Backend == "" && cfg.DistributedURL != "")
	if !useRedis {
		return session.NewGate(), nil
	}
	gate, err := session.NewRedisGate(cfg.DistributedURL, cfg.KeyPrefix, cfg.GateLeaseTTLSecs)
	if err != nil {
		return nil, fmt.Errorf("initialize valkey session gate: %w", err)
	}
	return gate, nil
}

// newMemoryStateBackend resolves the persistence backend per configuration:
// local, valkey, or auto (valkey when a URL is available, local otherwise).
func newMemoryStateBackend(memCfg *config.MemoryConfig, sessionValkeyURL string, storeCfg memory.StoreConfig) (memory.StateStore, error) {
	valkeyURL := memCfg.PersistenceValkeyURL
	if valkeyURL == "" {
		valkeyURL = sessionValkeyURL
	}
	strict := true
	if memCfg.PersistenceStrictStartup != nil {
		strict = *memCfg.PersistenceStrictStartup
	}
	key := memory.DefaultValkeyStateKey(memCfg.PersistenceKeyPrefix, storeCfg)

	switch memCfg.PersistenceBackend {
	case "local":
		return memory.NewLocalStateStore(memCfg.Path), nil
	case "valkey":
		if valkeyURL == "" {
			return nil, fmt.Errorf("memory persistence backend=valkey requires a valkey url (MEMORY_PERSISTENCE_VALKEY_URL or VALKEY_URL)")
		}
		return memory.NewValkeyStateStore(valkeyURL, key, strict)
	case "auto", "":
		if valkeyURL != "" {
			return memory.NewValkeyStateStore(valkeyURL, key, strict)
		}
		return memory.NewLocalStateStore(memCfg.Path), nil
	default:
		return nil, fmt.Errorf("invalid memory persistence backend %q; expected auto|local|valkey", memCfg.PersistenceBackend)
	}
}

// Sessions exposes the session store.
func (a *Agent) Sessions() *session.Store { return a.sessions }

// Window exposes the bounded context window.
func (a *Agent) Window() *session.BoundedStore { return a.window }

// Gate exposes the session gate.
func (a *Agent) Gate() session.SessionGate { return a.gate }

// MemoryStore exposes the episode store, nil when memory is disabled.
func (a *Agent) MemoryStore() *memory.EpisodeStore { return a.memoryStore }

// SaveMemoryState persists episode-store contents through the configured
// state backend, if any.
func (a *Agent) SaveMemoryState(ctx context.Context) error {
	if a.memoryState == nil || a.memoryStore == nil {
		return nil
	}
	return a.memoryState.Save(ctx, a.memoryStore)
}

// MemoryRuntimeStatus reports the memory subsystem's runtime state.
func (a *Agent) MemoryRuntimeStatus() MemoryRuntimeStatus {
	status := MemoryRuntimeStatus{
		Enabled:           a.cfg.Memory != nil,
		StartupLoadStatus: a.memoryLoadStatus,
	}
	if status.StartupLoadStatus == "" {
		status.StartupLoadStatus = "not_configured"
	}
	if a.cfg.Memory != nil {
		status.ConfiguredBackend = a.cfg.Memory.PersistenceBackend
	}
	if a.memoryState != nil {
		status.ActiveBackend = a.memoryState.BackendName()
		status.StrictStartup = a.memoryState.StrictStartup()
	}
	if a.memoryStore != nil {
		stats := a.memoryStore.Stats()
		status.EpisodesTotal = stats.TotalEpisodes
		status.QValuesTotal = stats.QTableSize
	}
	return status
}

// InspectRecallSnapshot returns the latest recall snapshot for a session.
func (a *Agent) InspectRecallSnapshot(sessionID string) (RecallSnapshot, bool) {
	a.recallMu.RLock()
	defer a.recallMu.RUnlock()
	snap, ok := a.recallSnapshots[sessionID]
	return snap, ok
}

func (a *Agent) storeRecallSnapshot(snap RecallSnapshot) {
	a.recallMu.Lock()
	a.recallSnapshots[snap.SessionID] = snap
	a.recallMu.Unlock()
}

func (a *Agent) nextTurnID(sessionID string) uint64 {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()
	a.turnSeqs[sessionID]++
	return a.turnSeqs[sessionID]
}

// publishMemoryEvent emits a fire-and-forget event on the memory stream.
// Failures surface as structured warnings and never block the turn.
func (a *Agent) publishMemoryEvent(ctx context.Context, fields map[string]string) {
	if _, _, err := a.sessions.PublishStreamEvent(ctx, memoryStreamName, fields); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).
			Str("stream", memoryStreamName).
			Msg("memory_stream_publish_failed")
	}
}

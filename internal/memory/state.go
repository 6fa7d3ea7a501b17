package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"

	"cortex/internal/observability"
)

// StateStore persists episode-store contents across restarts. Saves
// serialize internally so concurrent callers produce a total order.
type StateStore interface {
	BackendName() string
	StrictStartup() bool
	Load(ctx context.Context, store *EpisodeStore) error
	Save(ctx context.Context, store *EpisodeStore) error
}

// stateSnapshot is the persisted wire format.
type stateSnapshot struct {
	Episodes []Episode          `json:"episodes"`
	QValues  map[string]float32 `json:"q_values"`
}

func snapshotStore(store *EpisodeStore) stateSnapshot {
	return stateSnapshot{
		Episodes: store.Episodes(),
		QValues:  store.QTable().SnapshotMap(),
	}
}

// DefaultValkeyStateKey derives the redis key for a store's persisted state.
func DefaultValkeyStateKey(prefix string, cfg StoreConfig) string {
	return fmt.Sprintf("%s:state:%s:%d", prefix, cfg.TableName, cfg.EmbeddingDim)
}

// LocalStateStore persists state as a JSON file with atomic writes.
type LocalStateStore struct {
	mu     sync.Mutex
	path   string
	strict bool
}

// NewLocalStateStore creates a file-backed state store. Load failure is
// never fatal for the local backend.
func NewLocalStateStore(path string) *LocalStateStore {
	return &LocalStateStore{path: path}
}

// BackendName implements StateStore.
func (l *LocalStateStore) BackendName() string { return "local" }

// StrictStartup implements StateStore.
func (l *LocalStateStore) StrictStartup() bool { return l.strict }

// Load restores episodes and Q-values from disk; a missing file is a clean
// empty start.
func (l *LocalStateStore) Load(ctx context.Context, store *EpisodeStore) error {
	l.mu.Lock()
	raw, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read memory state: %w", err)
	}
	var snap stateSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("parse memory state: %w", err)
	}
	if err := store.restore(ctx, snap.Episodes, snap.QValues); err != nil {
		return err
	}
	observability.LoggerWithTrace(ctx).Info().
		Int("episodes", len(snap.Episodes)).
		Int("q_values", len(snap.QValues)).
		Str("path", l.path).
		Msg("memory_state_loaded")
	return nil
}

// Save writes the current state atomically (temp file + rename).
func (l *LocalStateStore) Save(ctx context.Context, store *EpisodeStore) error {
	snap := snapshotStore(store)
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal memory state: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".memory-state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	observability.LoggerWithTrace(ctx).Debug().
		Int("episodes", len(snap.Episodes)).
		Str("path", l.path).
		Msg("memory_state_saved")
	return nil
}

// ValkeyStateStore persists state under a single redis/valkey key.
type ValkeyStateStore struct {
	mu     sync.Mutex
	client redis.UniversalClient
	key    string
	strict bool
}

// NewValkeyStateStore connects and verifies connectivity. strictStartup
// gates whether a failed Load at startup is fatal.
func NewValkeyStateStore(url, key string, strictStartup bool) (*ValkeyStateStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse memory state backend url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("memory state backend ping: %w", err)
	}
	return &ValkeyStateStore{client: client, key: key, strict: strictStartup}, nil
}

// BackendName implements StateStore.
func (v *ValkeyStateStore) BackendName() string { return "valkey" }

// StrictStartup implements StateStore.
func (v *ValkeyStateStore) StrictStartup() bool { return v.strict }

// Load restores state from the backing key; an absent key is a clean empty
// start.
func (v *ValkeyStateStore) Load(ctx context.Context, store *EpisodeStore) error {
	raw, err := v.client.Get(ctx, v.key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read memory state key: %w", err)
	}
	var snap stateSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return fmt.Errorf("parse memory state: %w", err)
	}
	if err := store.restore(ctx, snap.Episodes, snap.QValues); err != nil {
		return err
	}
	observability.LoggerWithTrace(ctx).Info().
		Int("episodes", len(snap.Episodes)).
		Str("key", v.key).
		Msg("memory_state_loaded")
	return nil
}

// Save writes the full state under the backing key. The internal mutex
// serializes concurrent saves into a total order.
func (v *ValkeyStateStore) Save(ctx context.Context, store *EpisodeStore) error {
	snap := snapshotStore(store)
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal memory state: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.client.Set(ctx, v.key, string(raw), 0).Err(); err != nil {
		return fmt.Errorf("write memory state key: %w", err)
	}
	observability.LoggerWithTrace(ctx).Debug().
		Int("episodes", len(snap.Episodes)).
		Str("key", v.key).
		Msg("memory_state_saved")
	return nil
}

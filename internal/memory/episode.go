// Package memory implements the episodic memory subsystem: an episode store
// with vector recall, a Q-value table tracking episode utility, a
// promotion/obsoletion gate, and pluggable state persistence.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex/internal/observability"
)

// Episode is one stored task experience.
type Episode struct {
	ID           string    `json:"id"`
	Intent       string    `json:"intent"`
	Outcome      string    `json:"outcome"`
	Experience   string    `json:"experience"`
	Embedding    []float32 `json:"embedding,omitempty"`
	CreatedAtMS  int64     `json:"created_at_ms"`
	UsageCount   uint32    `json:"usage_count"`
	FailureCount uint32    `json:"failure_count"`
	TTLScore     float32   `json:"ttl_score"`
}

// ScoredEpisode pairs an episode with its similarity to a query.
type ScoredEpisode struct {
	Episode Episode
	Score   float32
}

// Stats summarizes the store for status surfaces.
type Stats struct {
	TotalEpisodes int
	QTableSize    int
}

// VectorIndex is the similarity-search backend: an in-process cosine index
// by default, qdrant when configured. Both return results ordered by
// descending similarity.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query []float32, k int) ([]IndexHit, error)
}

// IndexHit is one vector search result.
type IndexHit struct {
	ID    string
	Score float32
}

// StoreConfig identifies a store for state-backend key derivation.
type StoreConfig struct {
	Path         string
	EmbeddingDim int
	TableName    string
}

// EpisodeStore owns episodes and their Q-values. All mutation happens under
// a write lock held only for the update's duration; state persistence is a
// separate operation (see StateStore).
type EpisodeStore struct {
	mu       sync.RWMutex
	episodes map[string]*Episode
	order    []string

	qtable *QTable
	index  VectorIndex
	dim    int
	cfg    StoreConfig
}

// NewEpisodeStore creates a store with an in-process cosine index.
func NewEpisodeStore(cfg StoreConfig) *EpisodeStore {
	store := &EpisodeStore{
		episodes: make(map[string]*Episode),
		qtable:   NewQTable(),
		dim:      cfg.EmbeddingDim,
		cfg:      cfg,
	}
	store.index = newCosineIndex(store)
	return store
}

// NewEpisodeStoreWithIndex creates a store over an external vector index.
func NewEpisodeStoreWithIndex(cfg StoreConfig, index VectorIndex) *EpisodeStore {
	store := NewEpisodeStore(cfg)
	if index != nil {
		store.index = index
	}
	return store
}

// Config returns the identifying configuration.
func (s *EpisodeStore) Config() StoreConfig { return s.cfg }

// QTable exposes the Q-value table.
func (s *EpisodeStore) QTable() *QTable { return s.qtable }

// AddEpisode stores a new episode. A missing ID is generated; a present
// embedding must match the store dimension.
func (s *EpisodeStore) AddEpisode(ctx context.Context, ep Episode) (string, error) {
	if strings.TrimSpace(ep.ID) == "" {
		ep.ID = uuid.NewString()
	}
	if len(ep.Embedding) > 0 && s.dim > 0 && len(ep.Embedding) != s.dim {
		return "", fmt.Errorf("episode embedding dimension %d does not match store dimension %d",
			len(ep.Embedding), s.dim)
	}
	if ep.CreatedAtMS == 0 {
		ep.CreatedAtMS = time.Now().UnixMilli()
	}
	if ep.TTLScore < 0 || ep.TTLScore > 1 {
		return "", fmt.Errorf("episode ttl_score %f outside [0,1]", ep.TTLScore)
	}

	s.mu.Lock()
	if _, exists := s.episodes[ep.ID]; !exists {
		s.order = append(s.order, ep.ID)
	}
	stored := ep
	s.episodes[ep.ID] = &stored
	s.mu.Unlock()

	s.qtable.InitEpisode(ep.ID)
	if len(ep.Embedding) > 0 {
		if err := s.index.Upsert(ctx, ep.ID, ep.Embedding); err != nil {
			return "", fmt.Errorf("index episode: %w", err)
		}
	}
	observability.LoggerWithTrace(ctx).Debug().Str("episode_id", ep.ID).Msg("memory_episode_added")
	return ep.ID, nil
}

// Search returns up to k episodes ordered by descending similarity and bumps
// their usage counters.
func (s *EpisodeStore) Search(ctx context.Context, query []float32, k int) ([]ScoredEpisode, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	hits, err := s.index.Search(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScoredEpisode, 0, len(hits))
	for _, hit := range hits {
		ep, ok := s.episodes[hit.ID]
		if !ok {
			continue
		}
		ep.UsageCount++
		out = append(out, ScoredEpisode{Episode: *ep, Score: hit.Score})
	}
	return out, nil
}

// Get returns an episode snapshot by id.
func (s *EpisodeStore) Get(id string) (Episode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[id]
	if !ok {
		return Episode{}, false
	}
	return *ep, true
}

// QUpdate applies one Q-learning update for an episode and returns the new
// value.
func (s *EpisodeStore) QUpdate(episodeID string, reward float32) float32 {
	return s.qtable.Update(episodeID, reward)
}

// RecordFailure increments the failure counter for an episode.
func (s *EpisodeStore) RecordFailure(episodeID string) {
	s.mu.Lock()
	if ep, ok := s.episodes[episodeID]; ok {
		ep.FailureCount++
	}
	s.mu.Unlock()
}

// Remove deletes an episode, its Q-value, and its index entry.
func (s *EpisodeStore) Remove(ctx context.Context, episodeID string) error {
	s.mu.Lock()
	if _, ok := s.episodes[episodeID]; ok {
		delete(s.episodes, episodeID)
		for i, id := range s.order {
			if id == episodeID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	s.qtable.Remove(episodeID)
	return s.index.Remove(ctx, episodeID)
}

// Episodes returns snapshots of all episodes in insertion order.
func (s *EpisodeStore) Episodes() []Episode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Episode, 0, len(s.order))
	for _, id := range s.order {
		if ep, ok := s.episodes[id]; ok {
			out = append(out, *ep)
		}
	}
	return out
}

// Stats reports store totals.
func (s *EpisodeStore) Stats() Stats {
	s.mu.RLock()
	total := len(s.episodes)
	s.mu.RUnlock()
	return Stats{TotalEpisodes: total, QTableSize: s.qtable.Len()}
}

// restore replaces store contents from a persisted snapshot.
func (s *EpisodeStore) restore(ctx context.Context, episodes []Episode, qvalues map[string]float32) error {
	s.mu.Lock()
	s.episodes = make(map[string]*Episode, len(episodes))
	s.order = s.order[:0]
	for i := range episodes {
		ep := episodes[i]
		s.episodes[ep.ID] = &ep
		s.order = append(s.order, ep.ID)
	}
	s.mu.Unlock()
	s.qtable.ReplaceMap(qvalues)

	for _, ep := range episodes {
		if len(ep.Embedding) > 0 {
			if err := s.index.Upsert(ctx, ep.ID, ep.Embedding); err != nil {
				return fmt.Errorf("reindex episode %s: %w", ep.ID, err)
			}
		}
	}
	return nil
}

// cosineIndex is the in-process similarity backend: brute-force cosine over
// stored embeddings. Behavior matches the external index ordering.
type cosineIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
	store   *EpisodeStore
}

func newCosineIndex(store *EpisodeStore) *cosineIndex {
	return &cosineIndex{vectors: make(map[string][]float32), store: store}
}

func (c *cosineIndex) Upsert(_ context.Context, id string, vector []float32) error {
	vec := make([]float32, len(vector))
	copy(vec, vector)
	c.mu.Lock()
	c.vectors[id] = vec
	c.mu.Unlock()
	return nil
}

func (c *cosineIndex) Remove(_ context.Context, id string) error {
	c.mu.Lock()
	delete(c.vectors, id)
	c.mu.Unlock()
	return nil
}

func (c *cosineIndex) Search(_ context.Context, query []float32, k int) ([]IndexHit, error) {
	c.mu.RLock()
	hits := make([]IndexHit, 0, len(c.vectors))
	for id, vec := range c.vectors {
		hits = append(hits, IndexHit{ID: id, Score: float32(cosineSimilarity(query, vec))})
	}
	c.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

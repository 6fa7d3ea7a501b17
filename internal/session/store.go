package session

import (
	"context"
	"sync"

	"cortex/internal/observability"
)

// Store maps session_id → ordered chat messages. It runs either fully
// in-process or against a distributed redis backend; the two modes are
// behaviorally indistinguishable for Append/Get/Replace/Len/Clear.
type Store struct {
	mu    sync.RWMutex
	inner map[string][]ChatMessage
	redis *RedisBackend
}

// NewStore creates an in-process store.
func NewStore() *Store {
	return &Store{inner: make(map[string][]ChatMessage)}
}

// NewStoreWithRedis creates a store backed by a shared redis/valkey server.
func NewStoreWithRedis(url, keyPrefix string, ttlSecs int) (*Store, error) {
	backend, err := NewRedisBackend(url, keyPrefix, ttlSecs)
	if err != nil {
		return nil, err
	}
	return &Store{inner: make(map[string][]ChatMessage), redis: backend}, nil
}

// NewStoreWithBackend wraps an existing backend; nil backend means in-process.
func NewStoreWithBackend(backend *RedisBackend) *Store {
	return &Store{inner: make(map[string][]ChatMessage), redis: backend}
}

// Backend exposes the distributed backend, nil when running in-process.
func (s *Store) Backend() *RedisBackend { return s.redis }

// Append adds messages to a session preserving insertion order. Empty input
// is a no-op success.
func (s *Store) Append(ctx context.Context, sessionID string, messages []ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}
	log := observability.LoggerWithTrace(ctx)
	if s.redis != nil {
		if err := s.redis.AppendMessages(ctx, sessionID, messages); err != nil {
			return err
		}
		log.Debug().Str("session_id", sessionID).Int("appended_messages", len(messages)).
			Str("backend", "valkey").Msg("session_messages_appended")
		return nil
	}
	s.mu.Lock()
	s.inner[sessionID] = append(s.inner[sessionID], messages...)
	total := len(s.inner[sessionID])
	s.mu.Unlock()
	log.Debug().Str("session_id", sessionID).Int("total_messages", total).
		Str("backend", "memory").Msg("session_messages_appended")
	return nil
}

// Get returns a snapshot of the session history; callers may mutate the
// returned slice freely.
func (s *Store) Get(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	if s.redis != nil {
		return s.redis.GetMessages(ctx, sessionID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := make([]ChatMessage, len(s.inner[sessionID]))
	copy(messages, s.inner[sessionID])
	return messages, nil
}

// Replace swaps the full history atomically: readers observe either the
// prior list or the new one, never an interleaving.
func (s *Store) Replace(ctx context.Context, sessionID string, messages []ChatMessage) error {
	log := observability.LoggerWithTrace(ctx)
	if s.redis != nil {
		replaced, err := s.redis.ReplaceMessages(ctx, sessionID, messages)
		if err != nil {
			return err
		}
		log.Debug().Str("session_id", sessionID).Int("replaced_messages", replaced).
			Str("backend", "valkey").Msg("session_messages_replaced")
		return nil
	}
	s.mu.Lock()
	if len(messages) == 0 {
		delete(s.inner, sessionID)
	} else {
		replacement := make([]ChatMessage, len(messages))
		copy(replacement, messages)
		s.inner[sessionID] = replacement
	}
	s.mu.Unlock()
	log.Debug().Str("session_id", sessionID).Int("replaced_messages", len(messages)).
		Str("backend", "memory").Msg("session_messages_replaced")
	return nil
}

// Len returns the message count without loading the full payload.
func (s *Store) Len(ctx context.Context, sessionID string) (int, error) {
	if s.redis != nil {
		return s.redis.MessagesLen(ctx, sessionID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.inner[sessionID]), nil
}

// Clear removes the session history.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	log := observability.LoggerWithTrace(ctx)
	if s.redis != nil {
		if err := s.redis.ClearMessages(ctx, sessionID); err != nil {
			return err
		}
		log.Debug().Str("session_id", sessionID).Str("backend", "valkey").Msg("session_messages_cleared")
		return nil
	}
	s.mu.Lock()
	delete(s.inner, sessionID)
	s.mu.Unlock()
	log.Debug().Str("session_id", sessionID).Str("backend", "memory").Msg("session_messages_cleared")
	return nil
}

// PublishStreamEvent appends to an auxiliary append-only stream when a
// distributed backend is active; otherwise it is a no-op returning an absent
// event id. Stream publication never blocks a turn: failures surface as
// structured warnings at call sites.
func (s *Store) PublishStreamEvent(ctx context.Context, stream string, fields map[string]string) (string, bool, error) {
	if s.redis == nil {
		return "", false, nil
	}
	id, err := s.redis.PublishStreamEvent(ctx, stream, fields)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// RuntimeSnapshot reports distributed-backend parameters, nil when running
// in-process.
func (s *Store) RuntimeSnapshot() *RuntimeSnapshot {
	if s.redis == nil {
		return nil
	}
	info := s.redis.RuntimeInfo()
	return &info
}

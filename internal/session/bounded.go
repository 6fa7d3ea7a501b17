package session

import (
	"context"
	"fmt"
	"sync"

	"cortex/internal/observability"
)

// WindowStats is the per-session context-window bookkeeping. AuxTokens
// accumulates the token counts passed to AppendTurn (the turn executor passes
// the LLM call's reported total usage) and is monotone non-decreasing within
// a turn's bookkeeping.
type WindowStats struct {
	Turns           int
	AuxTokens       int
	SummarySegments int
}

// DrainedMessage is one message handed off for summarization. TurnIndex is
// the 0-based index of the (user, assistant) pair within the drained batch.
type DrainedMessage struct {
	TurnIndex int
	Role      string
	Content   string
}

// BoundedStore enforces the context window over a Store: a turn budget (max
// turns retained fully) and the token bookkeeping feeding the hard token cap.
// A (user, assistant) pair is the atomic unit; drains always move whole
// pairs.
type BoundedStore struct {
	store    *Store
	maxTurns int

	mu    sync.Mutex
	stats map[string]*WindowStats
}

// NewBoundedStore wraps a Store with window bookkeeping. maxTurns 0 means
// unbounded.
func NewBoundedStore(maxTurns int, store *Store) *BoundedStore {
	return &BoundedStore{store: store, maxTurns: maxTurns, stats: make(map[string]*WindowStats)}
}

// NewBoundedStoreWithRedis builds a bounded store over a fresh redis-backed
// Store.
func NewBoundedStoreWithRedis(maxTurns int, url, keyPrefix string, ttlSecs int) (*BoundedStore, error) {
	store, err := NewStoreWithRedis(url, keyPrefix, ttlSecs)
	if err != nil {
		return nil, err
	}
	return NewBoundedStore(maxTurns, store), nil
}

// Store exposes the underlying session store.
func (b *BoundedStore) Store() *Store { return b.store }

// MaxTurns returns the configured turn budget, 0 when unbounded.
func (b *BoundedStore) MaxTurns() int { return b.maxTurns }

func summarySessionID(sessionID string) string {
	return "__session_summary__:" + sessionID
}

// AppendTurn records one completed (user, assistant) pair and adds auxTokens
// to the session's AuxTokens counter.
func (b *BoundedStore) AppendTurn(ctx context.Context, sessionID, user, assistant string, auxTokens int) error {
	if err := b.store.Append(ctx, sessionID, []ChatMessage{
		UserMessage(user),
		AssistantMessage(assistant),
	}); err != nil {
		return err
	}
	return b.incrStats(ctx, sessionID, 1, auxTokens, 0)
}

// GetRecent returns the tail window of up to maxTurns pairs.
func (b *BoundedStore) GetRecent(ctx context.Context, sessionID string, maxTurns int) ([]ChatMessage, error) {
	messages, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if maxTurns <= 0 {
		return messages, nil
	}
	limit := maxTurns * 2
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// Stats returns the current window bookkeeping for a session.
func (b *BoundedStore) Stats(ctx context.Context, sessionID string) (WindowStats, error) {
	if backend := b.store.Backend(); backend != nil {
		return backend.GetStats(ctx, sessionID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.stats[sessionID]; ok {
		return *s, nil
	}
	return WindowStats{}, nil
}

// DrainOldestTurns removes the oldest n (user, assistant) pairs and returns
// them for summarization handoff.
func (b *BoundedStore) DrainOldestTurns(ctx context.Context, sessionID string, n int) ([]DrainedMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	count := n * 2

	var drained []ChatMessage
	if backend := b.store.Backend(); backend != nil {
		var err error
		drained, err = backend.DrainOldestMessages(ctx, sessionID, count, n)
		if err != nil {
			return nil, err
		}
	} else {
		b.mu.Lock()
		messages, err := b.store.Get(ctx, sessionID)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if count > len(messages) {
			count = len(messages) - len(messages)%2
		}
		drained = messages[:count]
		if err := b.store.Replace(ctx, sessionID, messages[count:]); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if s, ok := b.stats[sessionID]; ok {
			s.Turns -= count / 2
			if s.Turns < 0 {
				s.Turns = 0
			}
		}
		b.mu.Unlock()
	}

	out := make([]DrainedMessage, 0, len(drained))
	for i, msg := range drained {
		out = append(out, DrainedMessage{TurnIndex: i / 2, Role: msg.Role, Content: msg.Content})
	}
	observability.LoggerWithTrace(ctx).Debug().
		Str("session_id", sessionID).
		Int("drained_turns", len(out)/2).
		Msg("session_window_drained")
	return out, nil
}

// AddSummarySegment stores one summarization result and bumps the segment
// counter. Segments live outside the turn window so drains stay pair-aligned.
func (b *BoundedStore) AddSummarySegment(ctx context.Context, sessionID, summary string) error {
	if err := b.store.Append(ctx, summarySessionID(sessionID), []ChatMessage{
		SystemMessage(summary, SummaryMessageName),
	}); err != nil {
		return err
	}
	return b.incrStats(ctx, sessionID, 0, 0, 1)
}

// SummarySegments returns the stored summary segments in order.
func (b *BoundedStore) SummarySegments(ctx context.Context, sessionID string) ([]string, error) {
	messages, err := b.store.Get(ctx, summarySessionID(sessionID))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		out = append(out, msg.Content)
	}
	return out, nil
}

// AtomicResetSnapshot atomically copies the live session to backupSID,
// writes a metadata marker to metaSID, and clears the live session. It
// returns the counts captured in the marker.
func (b *BoundedStore) AtomicResetSnapshot(ctx context.Context, sessionID, backupSID, metaSID string, savedAtUnixMS int64) (int, int, error) {
	stats, err := b.Stats(ctx, sessionID)
	if err != nil {
		return 0, 0, err
	}

	if backend := b.store.Backend(); backend != nil {
		live, err := backend.GetMessages(ctx, sessionID)
		if err != nil {
			return 0, 0, err
		}
		meta := BackupMetadata{
			Messages:        len(live),
			SummarySegments: stats.SummarySegments,
			SavedAtUnixMS:   savedAtUnixMS,
		}
		if err := backend.AtomicResetSnapshot(ctx, sessionID, backupSID, metaSID, meta, live); err != nil {
			return 0, 0, err
		}
		return meta.Messages, meta.SummarySegments, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	live, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return 0, 0, err
	}
	meta := BackupMetadata{
		Messages:        len(live),
		SummarySegments: stats.SummarySegments,
		SavedAtUnixMS:   savedAtUnixMS,
	}
	metaMsg, err := NewBackupMetaMessage(meta)
	if err != nil {
		return 0, 0, err
	}
	if err := b.store.Replace(ctx, backupSID, live); err != nil {
		return 0, 0, err
	}
	if err := b.store.Replace(ctx, metaSID, []ChatMessage{metaMsg}); err != nil {
		return 0, 0, err
	}
	if err := b.store.Clear(ctx, sessionID); err != nil {
		return 0, 0, err
	}
	delete(b.stats, sessionID)
	return meta.Messages, meta.SummarySegments, nil
}

// PeekBackup returns the last metadata marker written for metaSID, if any.
func (b *BoundedStore) PeekBackup(ctx context.Context, metaSID string) (BackupMetadata, bool, error) {
	messages, err := b.store.Get(ctx, metaSID)
	if err != nil {
		return BackupMetadata{}, false, err
	}
	if len(messages) == 0 {
		return BackupMetadata{}, false, nil
	}
	last := messages[len(messages)-1]
	meta, err := ParseBackupMetadata(last.Content)
	if err != nil {
		return BackupMetadata{}, false, fmt.Errorf("parse backup metadata: %w", err)
	}
	return meta, true, nil
}

// Clear removes the session history, its summary segments, and bookkeeping.
func (b *BoundedStore) Clear(ctx context.Context, sessionID string) error {
	if err := b.store.Clear(ctx, sessionID); err != nil {
		return err
	}
	if err := b.store.Clear(ctx, summarySessionID(sessionID)); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.stats, sessionID)
	b.mu.Unlock()
	return nil
}

func (b *BoundedStore) incrStats(ctx context.Context, sessionID string, turns, auxTokens, summarySegments int) error {
	if backend := b.store.Backend(); backend != nil {
		return backend.IncrStats(ctx, sessionID, turns, auxTokens, summarySegments)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stats[sessionID]
	if !ok {
		s = &WindowStats{}
		b.stats[sessionID] = s
	}
	s.Turns += turns
	s.AuxTokens += auxTokens
	s.SummarySegments += summarySegments
	return nil
}

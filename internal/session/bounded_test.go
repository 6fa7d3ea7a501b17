package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBounded(t *testing.T, maxTurns int) *BoundedStore {
	t.Helper()
	return NewBoundedStore(maxTurns, NewStore())
}

func TestBoundedAppendTurnTracksStats(t *testing.T) {
	ctx := context.Background()
	bounded := newBounded(t, 8)

	require.NoError(t, bounded.AppendTurn(ctx, "w1", "u1", "a1", 1))
	require.NoError(t, bounded.AppendTurn(ctx, "w1", "u2", "a2", 2))

	stats, err := bounded.Stats(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Turns)
	assert.Equal(t, 3, stats.AuxTokens)

	recent, err := bounded.GetRecent(ctx, "w1", 8)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Equal(t, "u1", recent[0].Content)
	assert.Equal(t, "a2", recent[3].Content)
}

func TestBoundedGetRecentReturnsTailPairs(t *testing.T) {
	ctx := context.Background()
	bounded := newBounded(t, 8)
	for i := 0; i < 4; i++ {
		require.NoError(t, bounded.AppendTurn(ctx, "w1", "u", "a", 0))
	}

	recent, err := bounded.GetRecent(ctx, "w1", 2)
	require.NoError(t, err)
	assert.Len(t, recent, 4)
}

func TestBoundedDrainMovesWholePairs(t *testing.T) {
	ctx := context.Background()
	bounded := newBounded(t, 8)
	require.NoError(t, bounded.AppendTurn(ctx, "w1", "u1", "a1", 0))
	require.NoError(t, bounded.AppendTurn(ctx, "w1", "u2", "a2", 0))
	require.NoError(t, bounded.AppendTurn(ctx, "w1", "u3", "a3", 0))

	drained, err := bounded.DrainOldestTurns(ctx, "w1", 2)
	require.NoError(t, err)
	require.Len(t, drained, 4)
	assert.Equal(t, DrainedMessage{TurnIndex: 0, Role: "user", Content: "u1"}, drained[0])
	assert.Equal(t, DrainedMessage{TurnIndex: 0, Role: "assistant", Content: "a1"}, drained[1])
	assert.Equal(t, DrainedMessage{TurnIndex: 1, Role: "user", Content: "u2"}, drained[2])
	assert.Equal(t, DrainedMessage{TurnIndex: 1, Role: "assistant", Content: "a2"}, drained[3])

	stats, err := bounded.Stats(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Turns)

	remaining, err := bounded.GetRecent(ctx, "w1", 8)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "u3", remaining[0].Content)
}

func TestBoundedDrainMoreThanAvailable(t *testing.T) {
	ctx := context.Background()
	bounded := newBounded(t, 8)
	require.NoError(t, bounded.AppendTurn(ctx, "w1", "u1", "a1", 0))

	drained, err := bounded.DrainOldestTurns(ctx, "w1", 5)
	require.NoError(t, err)
	assert.Len(t, drained, 2)

	stats, err := bounded.Stats(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Turns)
}

func TestBoundedSummarySegments(t *testing.T) {
	ctx := context.Background()
	bounded := newBounded(t, 8)
	require.NoError(t, bounded.AddSummarySegment(ctx, "w1", "first summary"))
	require.NoError(t, bounded.AddSummarySegment(ctx, "w1", "second summary"))

	segments, err := bounded.SummarySegments(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"first summary", "second summary"}, segments)

	stats, err := bounded.Stats(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SummarySegments)
}

func TestBoundedAtomicResetSnapshotRoundtrip(t *testing.T) {
	ctx := context.Background()
	bounded := newBounded(t, 8)
	require.NoError(t, bounded.AppendTurn(ctx, "w1", "u1", "a1", 0))
	savedAt := time.Now().UnixMilli()

	messages, summaries, err := bounded.AtomicResetSnapshot(ctx, "w1",
		"__session_context_backup__:w1", "__session_context_backup_meta__:w1", savedAt)
	require.NoError(t, err)
	assert.Equal(t, 2, messages)
	assert.Equal(t, 0, summaries)

	// Live session is cleared; the backup holds the prior history.
	n, err := bounded.Store().Len(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	backup, err := bounded.Store().Get(ctx, "__session_context_backup__:w1")
	require.NoError(t, err)
	require.Len(t, backup, 2)
	assert.Equal(t, "u1", backup[0].Content)

	meta, ok, err := bounded.PeekBackup(ctx, "__session_context_backup_meta__:w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, BackupMetadata{Messages: 2, SummarySegments: 0, SavedAtUnixMS: savedAt}, meta)

	stats, err := bounded.Stats(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, WindowStats{}, stats)
}

func TestBackupMetadataMarkerIsSystemMessage(t *testing.T) {
	ctx := context.Background()
	bounded := newBounded(t, 8)
	require.NoError(t, bounded.AppendTurn(ctx, "w1", "u1", "a1", 0))

	_, _, err := bounded.AtomicResetSnapshot(ctx, "w1", "b:w1", "m:w1", 1_771_623_456_789)
	require.NoError(t, err)

	metaMessages, err := bounded.Store().Get(ctx, "m:w1")
	require.NoError(t, err)
	require.Len(t, metaMessages, 1)
	assert.Equal(t, "system", metaMessages[0].Role)
	assert.Equal(t, BackupMetaMessageName, metaMessages[0].Name)
	assert.Contains(t, metaMessages[0].Content, `"saved_at_unix_ms":1771623456789`)
}

func TestParseBackupMetadataForwardCompatible(t *testing.T) {
	legacy := `{"messages":4,"summary_segments":1,"saved_at_unix_ms":1771623456789}`
	fromLegacy, err := ParseBackupMetadata(legacy)
	require.NoError(t, err)

	wrapped, err := NewBackupMetaMessage(BackupMetadata{
		Messages: 4, SummarySegments: 1, SavedAtUnixMS: 1_771_623_456_789,
	})
	require.NoError(t, err)
	fromWrapped, err := ParseBackupMetadata(wrapped.Content)
	require.NoError(t, err)

	assert.Equal(t, fromLegacy, fromWrapped)
	assert.Equal(t, 4, fromLegacy.Messages)
	assert.Equal(t, 1, fromLegacy.SummarySegments)
	assert.Equal(t, int64(1_771_623_456_789), fromLegacy.SavedAtUnixMS)
}

func TestPeekBackupParsesLegacyRawPayload(t *testing.T) {
	ctx := context.Background()
	bounded := newBounded(t, 8)
	legacy := `{"messages":4,"summary_segments":1,"saved_at_unix_ms":1771623456789}`
	require.NoError(t, bounded.Store().Append(ctx, "m:w1", []ChatMessage{
		{Role: "system", Content: legacy},
	}))

	meta, ok, err := bounded.PeekBackup(ctx, "m:w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, BackupMetadata{Messages: 4, SummarySegments: 1, SavedAtUnixMS: 1_771_623_456_789}, meta)
}

func TestPeekBackupAbsent(t *testing.T) {
	ctx := context.Background()
	bounded := newBounded(t, 8)
	_, ok, err := bounded.PeekBackup(ctx, "m:none")
	require.NoError(t, err)
	assert.False(t, ok)
}

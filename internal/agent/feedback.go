package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"cortex/internal/observability"
	"cortex/internal/session"
)

const (
	recallFeedbackSessionPrefix = "__session_memory_recall_feedback__:"
	recallFeedbackMessageName   = "agent.memory.recall.feedback"
)

type storedRecallFeedback struct {
	Bias            float32 `json:"bias"`
	UpdatedAtUnixMS int64   `json:"updated_at_unix_ms"`
}

func recallFeedbackSessionID(sessionID string) string {
	return recallFeedbackSessionPrefix + sessionID
}

// PersistRecallFeedbackBias stores explicit user feedback on recall quality
// for a session. The bias is clamped to [-1, 1] and shifts recall ranking on
// subsequent turns. Persistence failures are logged, not fatal.
func (a *Agent) PersistRecallFeedbackBias(ctx context.Context, sessionID string, bias float32) {
	log := observability.LoggerWithTrace(ctx)
	bias = clamp32(bias, -1, 1)
	payload, err := json.Marshal(storedRecallFeedback{
		Bias:            bias,
		UpdatedAtUnixMS: a.now().UnixMilli(),
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("recall_feedback_marshal_failed")
		return
	}

	storageID := recallFeedbackSessionID(sessionID)
	msg := session.SystemMessage(string(payload), recallFeedbackMessageName)
	if err := a.sessions.Replace(ctx, storageID, []session.ChatMessage{msg}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("recall_feedback_persist_failed")
		return
	}

	a.publishMemoryEvent(ctx, map[string]string{
		"kind":       "recall_feedback_bias_updated",
		"session_id": sessionID,
		"bias":       fmt.Sprintf("%.2f", bias),
	})
}

// LoadRecallFeedbackBias returns the persisted bias for a session, clamped
// to [-1, 1]. The second return is false when nothing valid is stored.
func (a *Agent) LoadRecallFeedbackBias(ctx context.Context, sessionID string) (float32, bool) {
	log := observability.LoggerWithTrace(ctx)
	messages, err := a.sessions.Get(ctx, recallFeedbackSessionID(sessionID))
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("recall_feedback_load_failed")
		return 0, false
	}
	// Newest valid payload wins.
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Name != "" && msg.Name != recallFeedbackMessageName {
			continue
		}
		var stored storedRecallFeedback
		if err := json.Unmarshal([]byte(msg.Content), &stored); err != nil {
			continue
		}
		return clamp32(stored.Bias, -1, 1), true
	}
	return 0, false
}

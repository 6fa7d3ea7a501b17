package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cortex/internal/observability"
	"cortex/internal/session"
)

const (
	systemPromptInjectionSessionPrefix = "__session_system_prompt_injection__:"
	systemPromptInjectionMessageName   = "agent.system_prompt.injection"
)

// SystemPromptInjectionSnapshot is the validated per-session injection XML.
type SystemPromptInjectionSnapshot struct {
	UpdatedAtUnixMS int64  `json:"updated_at_unix_ms"`
	QACount         int    `json:"qa_count"`
	XML             string `json:"xml"`
}

type systemPromptInjectionState struct {
	mu    sync.RWMutex
	cache map[string]SystemPromptInjectionSnapshot
}

func newSystemPromptInjectionState() *systemPromptInjectionState {
	return &systemPromptInjectionState{cache: make(map[string]SystemPromptInjectionSnapshot)}
}

func systemPromptInjectionSessionID(sessionID string) string {
	return systemPromptInjectionSessionPrefix + sessionID
}

// UpsertSystemPromptInjectionXML validates, normalizes, and persists the
// injection XML for a session, returning the stored snapshot.
func (a *Agent) UpsertSystemPromptInjectionXML(ctx context.Context, sessionID, rawXML string) (SystemPromptInjectionSnapshot, error) {
	snapshot, err := validateInjectionXML(rawXML, a.now().UnixMilli())
	if err != nil {
		return SystemPromptInjectionSnapshot{}, err
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return SystemPromptInjectionSnapshot{}, fmt.Errorf("serialize system prompt injection payload: %w", err)
	}
	storageID := systemPromptInjectionSessionID(sessionID)
	msg := session.SystemMessage(string(payload), systemPromptInjectionMessageName)
	if err := a.sessions.Replace(ctx, storageID, []session.ChatMessage{msg}); err != nil {
		return SystemPromptInjectionSnapshot{}, fmt.Errorf("persist system prompt injection payload: %w", err)
	}

	a.promptInjection.mu.Lock()
	a.promptInjection.cache[sessionID] = snapshot
	a.promptInjection.mu.Unlock()

	a.publishMemoryEvent(ctx, map[string]string{
		"kind":               "system_prompt_injection_updated",
		"session_id":         sessionID,
		"storage_session_id": storageID,
		"qa_count":           fmt.Sprintf("%d", snapshot.QACount),
	})
	return snapshot, nil
}

// InspectSystemPromptInjection returns the current snapshot for a session,
// loading from the session store when the cache is cold.
func (a *Agent) InspectSystemPromptInjection(ctx context.Context, sessionID string) (SystemPromptInjectionSnapshot, bool) {
	a.promptInjection.mu.RLock()
	if snapshot, ok := a.promptInjection.cache[sessionID]; ok {
		a.promptInjection.mu.RUnlock()
		return snapshot, true
	}
	a.promptInjection.mu.RUnlock()

	log := observability.LoggerWithTrace(ctx)
	storageID := systemPromptInjectionSessionID(sessionID)
	messages, err := a.sessions.Get(ctx, storageID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("system_prompt_injection_load_failed")
		return SystemPromptInjectionSnapshot{}, false
	}
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Name != "" && msg.Name != systemPromptInjectionMessageName {
			continue
		}
		var snapshot SystemPromptInjectionSnapshot
		if err := json.Unmarshal([]byte(msg.Content), &snapshot); err != nil {
			continue
		}
		a.promptInjection.mu.Lock()
		a.promptInjection.cache[sessionID] = snapshot
		a.promptInjection.mu.Unlock()
		return snapshot, true
	}
	if len(messages) > 0 {
		log.Warn().Str("session_id", sessionID).Int("persisted_messages", len(messages)).
			Msg("system_prompt_injection_parse_failed")
	}
	return SystemPromptInjectionSnapshot{}, false
}

// ClearSystemPromptInjection removes the stored injection for a session and
// reports whether anything existed.
func (a *Agent) ClearSystemPromptInjection(ctx context.Context, sessionID string) (bool, error) {
	a.promptInjection.mu.Lock()
	_, removedCache := a.promptInjection.cache[sessionID]
	delete(a.promptInjection.cache, sessionID)
	a.promptInjection.mu.Unlock()

	storageID := systemPromptInjectionSessionID(sessionID)
	existed := false
	if messages, err := a.sessions.Get(ctx, storageID); err == nil {
		existed = len(messages) > 0
	}
	if err := a.sessions.Clear(ctx, storageID); err != nil {
		return false, fmt.Errorf("clear system prompt injection payload: %w", err)
	}
	a.publishMemoryEvent(ctx, map[string]string{
		"kind":               "system_prompt_injection_cleared",
		"session_id":         sessionID,
		"storage_session_id": storageID,
	})
	return removedCache || existed, nil
}

// validateInjectionXML checks the payload is a well-formed injection window:
// a <qa_injections> root whose <qa> children each carry question and answer
// content. The normalized form strips surrounding whitespace.
func validateInjectionXML(rawXML string, nowUnixMS int64) (SystemPromptInjectionSnapshot, error) {
	xml := strings.TrimSpace(rawXML)
	if xml == "" {
		return SystemPromptInjectionSnapshot{}, fmt.Errorf("invalid system prompt injection xml payload: empty")
	}
	if !strings.HasPrefix(xml, "<qa_injections") || !strings.HasSuffix(xml, "</qa_injections>") {
		return SystemPromptInjectionSnapshot{}, fmt.Errorf("invalid system prompt injection xml payload: missing qa_injections root")
	}
	qaCount := strings.Count(xml, "<qa>")
	if qaCount != strings.Count(xml, "</qa>") {
		return SystemPromptInjectionSnapshot{}, fmt.Errorf("invalid system prompt injection xml payload: unbalanced qa elements")
	}
	return SystemPromptInjectionSnapshot{
		UpdatedAtUnixMS: nowUnixMS,
		QACount:         qaCount,
		XML:             xml,
	}, nil
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/config"
	"cortex/internal/llm"
	"cortex/internal/memory"
	"cortex/internal/session"
)

type stubLLM struct {
	mu       sync.Mutex
	response string
	err      error
	delay    time.Duration
	lastMsgs []llm.Message
	calls    atomic.Int32

	running atomic.Int32
	overlap atomic.Bool
}

func (s *stubLLM) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Response, error) {
	s.calls.Add(1)
	if s.running.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.running.Add(-1)

	s.mu.Lock()
	s.lastMsgs = append([]llm.Message(nil), msgs...)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	if s.err != nil {
		return llm.Response{}, s.err
	}
	return llm.Response{
		Message: llm.Message{Role: "assistant", Content: s.response},
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func stubEmbed(vec []float32, err error) func(ctx context.Context, cfg config.EmbeddingConfig, texts []string) ([][]float32, error) {
	return func(ctx context.Context, cfg config.EmbeddingConfig, texts []string) ([][]float32, error) {
		if err != nil {
			return nil, err
		}
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = vec
		}
		return out, nil
	}
}

func baseConfig() config.Config {
	return config.Config{
		ContextBudgetTokens:        32_000,
		ContextBudgetReserveTokens: 2_000,
		TurnTimeoutSeconds:         30,
		SystemPrompt:               "You are a helpful assistant.",
		Injection: config.InjectionConfig{
			EnabledCategories: []string{
				"system_prompt", "safety", "policy", "memory_recall",
				"window_summary", "session_xml", "knowledge", "reflection",
				"runtime_hint",
			},
			MaxBlocks: 12,
			MaxChars:  8_000,
			Ordering:  "priority_desc",
			Mode:      "standard",
		},
	}
}

func newTestAgent(t *testing.T, cfg config.Config, provider llm.Provider) *Agent {
	t.Helper()
	a, err := New(cfg, Deps{
		Sessions: session.NewStore(),
		Gate:     session.NewGate(),
		LLM:      provider,
		Embed:    stubEmbed([]float32{1, 0, 0}, nil),
	})
	require.NoError(t, err)
	return a
}

func TestRunTurnPersistsUserAndAssistant(t *testing.T) {
	provider := &stubLLM{response: "hi there"}
	a := newTestAgent(t, baseConfig(), provider)

	outcome := a.RunTurn(context.Background(), "s1", "hello")
	require.Equal(t, OutcomeSucceeded, outcome.Kind)
	assert.Equal(t, "hi there", outcome.Text)

	n, err := a.Sessions().Len(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	messages, err := a.Sessions().Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
}

func TestRunTurnSendsSystemBlocksBeforeHistory(t *testing.T) {
	provider := &stubLLM{response: "ok"}
	a := newTestAgent(t, baseConfig(), provider)

	outcome := a.RunTurn(context.Background(), "s1", "first question")
	require.Equal(t, OutcomeSucceeded, outcome.Kind)

	require.NotEmpty(t, provider.lastMsgs)
	assert.Equal(t, "system", provider.lastMsgs[0].Role)
	assert.Equal(t, "You are a helpful assistant.", provider.lastMsgs[0].Content)
	assert.Equal(t, "user", provider.lastMsgs[len(provider.lastMsgs)-1].Role)
	assert.Equal(t, "first question", provider.lastMsgs[len(provider.lastMsgs)-1].Content)
}

func TestRunTurnSingleFlightSameSession(t *testing.T) {
	provider := &stubLLM{response: "done", delay: 50 * time.Millisecond}
	a := newTestAgent(t, baseConfig(), provider)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			outcomes[idx] = a.RunTurn(context.Background(), "s1", fmt.Sprintf("prompt-%d", idx))
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, OutcomeSucceeded, outcomes[0].Kind)
	assert.Equal(t, OutcomeSucceeded, outcomes[1].Kind)
	assert.False(t, provider.overlap.Load(), "turns on the same session must not overlap")

	n, err := a.Sessions().Len(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, n, "two turns append two user and two assistant messages")
}

func TestRunTurnParallelAcrossSessions(t *testing.T) {
	provider := &stubLLM{response: "done", delay: 100 * time.Millisecond}
	a := newTestAgent(t, baseConfig(), provider)

	start := time.Now()
	var wg sync.WaitGroup
	for _, sid := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			outcome := a.RunTurn(context.Background(), id, "go")
			assert.Equal(t, OutcomeSucceeded, outcome.Kind)
		}(sid)
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 190*time.Millisecond,
		"distinct sessions should execute in parallel")
}

func TestRunTurnTimeoutOutcome(t *testing.T) {
	cfg := baseConfig()
	cfg.TurnTimeoutSeconds = 1
	provider := &stubLLM{response: "late", delay: 3 * time.Second}
	a := newTestAgent(t, cfg, provider)

	outcome := a.RunTurn(context.Background(), "s1", "slow request")
	assert.Equal(t, OutcomeTimedOut, outcome.Kind)
	assert.Equal(t, 1, outcome.TimeoutSecs)
	assert.Equal(t, "Request timed out after 1s. Use /bg <prompt> for long-running tasks.", outcome.Text)

	// No partial state: nothing was persisted.
	n, err := a.Sessions().Len(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunTurnLLMFailureIsClassified(t *testing.T) {
	provider := &stubLLM{err: errors.New("upstream 500")}
	a := newTestAgent(t, baseConfig(), provider)

	outcome := a.RunTurn(context.Background(), "s1", "hello")
	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Equal(t, ErrLLM, outcome.ErrorKind)
	assert.NotContains(t, outcome.Text, "upstream 500", "internal error detail must not leak")

	n, err := a.Sessions().Len(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunTurnWindowOverflowProducesSummary(t *testing.T) {
	cfg := baseConfig()
	cfg.WindowMaxTurns = 2
	provider := &stubLLM{response: "reply"}
	a := newTestAgent(t, cfg, provider)

	for i := 0; i < 3; i++ {
		outcome := a.RunTurn(context.Background(), "s1", fmt.Sprintf("question %d", i))
		require.Equal(t, OutcomeSucceeded, outcome.Kind)
	}

	stats, err := a.Window().Stats(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Turns)
	assert.Equal(t, 1, stats.SummarySegments)

	segments, err := a.Window().SummarySegments(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.NotEmpty(t, segments[0])
}

func memoryConfig() config.Config {
	cfg := baseConfig()
	cfg.Memory = &config.MemoryConfig{
		EmbeddingDim:       3,
		TableName:          "episodes",
		PersistenceBackend: "local",
		Path:               "",
		RecallBaseK1:       12,
		RecallBaseK2:       4,
		RecallBaseLambda:   0.3,
	}
	return cfg
}

func newMemoryAgent(t *testing.T, provider llm.Provider) *Agent {
	t.Helper()
	cfg := memoryConfig()
	cfg.Memory.Path = t.TempDir() + "/memory-state.json"
	a, err := New(cfg, Deps{
		Sessions: session.NewStore(),
		Gate:     session.NewGate(),
		LLM:      provider,
		Embed:    stubEmbed([]float32{1, 0, 0}, nil),
	})
	require.NoError(t, err)
	return a
}

func TestRunTurnInjectsRecalledMemory(t *testing.T) {
	provider := &stubLLM{response: "answer"}
	a := newMemoryAgent(t, provider)

	_, err := a.MemoryStore().AddEpisode(context.Background(), memory.Episode{
		ID:         "ep1",
		Intent:     "deploy the api",
		Outcome:    "success",
		Experience: "roll out with the canary first",
		Embedding:  []float32{1, 0, 0},
	})
	require.NoError(t, err)

	outcome := a.RunTurn(context.Background(), "s1", "how do I deploy?")
	require.Equal(t, OutcomeSucceeded, outcome.Kind)

	var sawRecall bool
	for _, msg := range provider.lastMsgs {
		if msg.Role == "system" && len(msg.Content) > 0 &&
			containsAll(msg.Content, "Relevant past experiences", "deploy the api") {
			sawRecall = true
		}
	}
	assert.True(t, sawRecall, "memory recall block should be injected as a system message")

	snap, ok := a.InspectRecallSnapshot("s1")
	require.True(t, ok)
	assert.Equal(t, []string{"ep1"}, snap.EpisodeIDs)
	assert.Equal(t, uint64(1), snap.TurnID)
}

func TestRunTurnEmbeddingFailureDowngradesToNoRecall(t *testing.T) {
	provider := &stubLLM{response: "answer"}
	cfg := memoryConfig()
	cfg.Memory.Path = t.TempDir() + "/memory-state.json"
	a, err := New(cfg, Deps{
		Sessions: session.NewStore(),
		Gate:     session.NewGate(),
		LLM:      provider,
		Embed:    stubEmbed(nil, errors.New("embedding endpoint down")),
	})
	require.NoError(t, err)

	_, err = a.MemoryStore().AddEpisode(context.Background(), memory.Episode{
		ID: "ep1", Intent: "x", Embedding: []float32{1, 0, 0},
	})
	require.NoError(t, err)

	outcome := a.RunTurn(context.Background(), "s1", "hello")
	require.Equal(t, OutcomeSucceeded, outcome.Kind)
	for _, msg := range provider.lastMsgs {
		assert.NotContains(t, msg.Content, "Relevant past experiences")
	}
}

func TestRunTurnSuccessRewardsRecalledEpisodes(t *testing.T) {
	provider := &stubLLM{response: "answer"}
	a := newMemoryAgent(t, provider)

	_, err := a.MemoryStore().AddEpisode(context.Background(), memory.Episode{
		ID: "ep1", Intent: "x", Experience: "y", Embedding: []float32{1, 0, 0},
	})
	require.NoError(t, err)

	before := a.MemoryStore().QTable().Get("ep1")
	outcome := a.RunTurn(context.Background(), "s1", "question")
	require.Equal(t, OutcomeSucceeded, outcome.Kind)
	assert.Greater(t, a.MemoryStore().QTable().Get("ep1"), before)
}

func TestRecallFeedbackBiasRoundtrip(t *testing.T) {
	a := newTestAgent(t, baseConfig(), &stubLLM{response: "ok"})
	ctx := context.Background()

	a.PersistRecallFeedbackBias(ctx, "s1", -0.45)
	bias, ok := a.LoadRecallFeedbackBias(ctx, "s1")
	require.True(t, ok)
	assert.InDelta(t, -0.45, bias, 1e-6)

	a.PersistRecallFeedbackBias(ctx, "s1", 0.72)
	bias, ok = a.LoadRecallFeedbackBias(ctx, "s1")
	require.True(t, ok)
	assert.InDelta(t, 0.72, bias, 1e-6)
}

func TestRecallFeedbackBiasClampsOutOfRangePayload(t *testing.T) {
	a := newTestAgent(t, baseConfig(), &stubLLM{response: "ok"})
	ctx := context.Background()

	payload := `{"bias":9.9,"updated_at_unix_ms":1739900000000}`
	require.NoError(t, a.Sessions().Append(ctx, "__session_memory_recall_feedback__:s1",
		[]session.ChatMessage{session.SystemMessage(payload, "agent.memory.recall.feedback")}))

	bias, ok := a.LoadRecallFeedbackBias(ctx, "s1")
	require.True(t, ok)
	assert.InDelta(t, 1.0, bias, 1e-6)
}

func TestRecallFeedbackBiasIgnoresInvalidPayload(t *testing.T) {
	a := newTestAgent(t, baseConfig(), &stubLLM{response: "ok"})
	ctx := context.Background()

	require.NoError(t, a.Sessions().Append(ctx, "__session_memory_recall_feedback__:s1",
		[]session.ChatMessage{session.SystemMessage("not-json", "agent.memory.recall.feedback")}))

	_, ok := a.LoadRecallFeedbackBias(ctx, "s1")
	assert.False(t, ok)
}

func TestSystemPromptInjectionLifecycle(t *testing.T) {
	a := newTestAgent(t, baseConfig(), &stubLLM{response: "ok"})
	ctx := context.Background()

	xml := "<qa_injections><qa><q>How?</q><a>Like this.</a></qa></qa_injections>"
	snapshot, err := a.UpsertSystemPromptInjectionXML(ctx, "s1", xml)
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.QACount)
	assert.Equal(t, xml, snapshot.XML)

	loaded, ok := a.InspectSystemPromptInjection(ctx, "s1")
	require.True(t, ok)
	assert.Equal(t, snapshot.XML, loaded.XML)

	removed, err := a.ClearSystemPromptInjection(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok = a.InspectSystemPromptInjection(ctx, "s1")
	assert.False(t, ok)
}

func TestSystemPromptInjectionRejectsInvalidXML(t *testing.T) {
	a := newTestAgent(t, baseConfig(), &stubLLM{response: "ok"})
	_, err := a.UpsertSystemPromptInjectionXML(context.Background(), "s1", "<not-qa/>")
	require.Error(t, err)
}

func TestResetSessionWithBackupRoundtrip(t *testing.T) {
	provider := &stubLLM{response: "reply"}
	a := newTestAgent(t, baseConfig(), provider)
	ctx := context.Background()

	outcome := a.RunTurn(ctx, "s1", "remember this")
	require.Equal(t, OutcomeSucceeded, outcome.Kind)

	meta, err := a.ResetSessionWithBackup(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Messages)

	n, err := a.Sessions().Len(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	peeked, ok, err := a.PeekSessionBackup(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meta, peeked)

	restored, err := a.ResumeSessionFromBackup(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, meta, restored)
	n, err = a.Sessions().Len(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryRuntimeStatus(t *testing.T) {
	a := newMemoryAgent(t, &stubLLM{response: "ok"})
	status := a.MemoryRuntimeStatus()
	assert.True(t, status.Enabled)
	assert.Equal(t, "local", status.ConfiguredBackend)
	assert.Equal(t, "local", status.ActiveBackend)
	assert.Equal(t, "loaded", status.StartupLoadStatus)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		found := false
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

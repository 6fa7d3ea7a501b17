package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cortex/internal/injection"
	"cortex/internal/llm"
	"cortex/internal/memory"
	"cortex/internal/observability"
	"cortex/internal/session"
	"cortex/internal/tokenizer"
)

const (
	backupSessionPrefix     = "__session_context_backup__:"
	backupMetaSessionPrefix = "__session_context_backup_meta__:"
)

// BackupSessionID derives the backup session id for a live session.
func BackupSessionID(sessionID string) string {
	return backupSessionPrefix + sessionID
}

// BackupMetaSessionID derives the metadata session id for a live session.
func BackupMetaSessionID(sessionID string) string {
	return backupMetaSessionPrefix + sessionID
}

// RunTurn executes one agent turn for (sessionID, userMessage) under the
// per-turn deadline. The session gate is held for the whole turn, so
// read-then-write of the history cannot lose updates.
func (a *Agent) RunTurn(ctx context.Context, sessionID, userMessage string) Outcome {
	timeoutSecs := a.cfg.TurnTimeoutSeconds
	if timeoutSecs <= 0 {
		timeoutSecs = 120
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
	defer cancel()
	log := observability.LoggerWithTrace(ctx)

	guard, err := a.gate.Acquire(ctx, sessionID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return TimedOut(timeoutSecs)
		}
		log.Error().Err(err).Str("session_id", sessionID).Msg("session_lease_acquire_failed")
		return Failed(ErrLease, err)
	}
	defer guard.Release()

	turnID := a.nextTurnID(sessionID)

	history, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return Failed(ErrBackend, err)
	}
	stats, err := a.window.Stats(ctx, sessionID)
	if err != nil {
		return Failed(ErrBackend, err)
	}
	tokensBefore := EstimateMessagesTokens(history) + stats.AuxTokens + tokenizer.CountTokens(userMessage)

	plan := a.planRecall(stats, tokensBefore)
	recalled := a.recallMemory(ctx, sessionID, turnID, userMessage, plan)

	blocks, err := a.buildContextBlocks(ctx, sessionID, plan, recalled)
	if err != nil {
		return Failed(ErrAssembly, err)
	}
	snapshot := injection.AssembleSnapshot(sessionID, turnID, a.injectionPolicy(), blocks)

	messages := make([]llm.Message, 0, len(snapshot.RetainedBlocks)+len(history)+1)
	for _, block := range snapshot.RetainedBlocks {
		messages = append(messages, llm.Message{Role: "system", Content: block.Payload})
	}
	recent, err := a.window.GetRecent(ctx, sessionID, a.cfg.WindowMaxTurns)
	if err != nil {
		return Failed(ErrBackend, err)
	}
	for _, msg := range recent {
		messages = append(messages, llm.Message{Role: msg.Role, Content: msg.Content, ToolID: msg.ToolCallID})
	}
	messages = append(messages, llm.Message{Role: "user", Content: userMessage})

	resp, err := a.llm.Chat(ctx, messages, nil, a.cfg.LLM.Model)
	if err != nil {
		a.applyRecallRewards(recalled, false)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn().Str("session_id", sessionID).Int("timeout_secs", timeoutSecs).Msg("turn_timed_out")
			return TimedOut(timeoutSecs)
		}
		log.Error().Err(err).Str("session_id", sessionID).Msg("turn_llm_failed")
		return Failed(ErrLLM, err)
	}
	assistant := resp.Message.Content

	// Persistence failure after a successful LLM call is recorded as Failed;
	// the assistant message is not surfaced as success.
	if err := a.window.AppendTurn(ctx, sessionID, userMessage, assistant, resp.Usage.TotalTokens); err != nil {
		a.applyRecallRewards(recalled, false)
		log.Error().Err(err).Str("session_id", sessionID).Msg("turn_persist_failed")
		return Failed(ErrBackend, err)
	}

	if err := a.maybeSummarizeOverflow(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("window_summarize_failed")
	}

	a.applyRecallRewards(recalled, true)
	a.publishMemoryEvent(ctx, map[string]string{
		"kind":       "turn_completed",
		"session_id": sessionID,
		"turn_id":    fmt.Sprintf("%d", turnID),
	})
	log.Info().
		Str("session_id", sessionID).
		Uint64("turn_id", turnID).
		Int("retained_blocks", len(snapshot.RetainedBlocks)).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("turn_completed")
	return Succeeded(assistant)
}

func (a *Agent) planRecall(stats session.WindowStats, tokensBefore int) RecallPlan {
	input := RecallInput{
		BaseK1:                     12,
		BaseK2:                     4,
		BaseLambda:                 0.3,
		ContextBudgetTokens:        a.cfg.ContextBudgetTokens,
		ContextBudgetReserveTokens: a.cfg.ContextBudgetReserveTokens,
		ContextTokensBeforeRecall:  tokensBefore,
		ActiveTurnsEstimate:        stats.Turns,
		WindowMaxTurns:             a.cfg.WindowMaxTurns,
		SummarySegmentCount:        stats.SummarySegments,
	}
	if a.cfg.Memory != nil {
		input.BaseK1 = a.cfg.Memory.RecallBaseK1
		input.BaseK2 = a.cfg.Memory.RecallBaseK2
		input.BaseLambda = a.cfg.Memory.RecallBaseLambda
	}
	return PlanRecall(input)
}

// recallMemory embeds the query, searches episodes, and filters the result
// per the plan. Embedding or recall failures downgrade: the turn proceeds
// without memory injection.
func (a *Agent) recallMemory(ctx context.Context, sessionID string, turnID uint64, query string, plan RecallPlan) []memory.ScoredEpisode {
	if a.memoryStore == nil || a.cfg.Memory == nil {
		return nil
	}
	log := observability.LoggerWithTrace(ctx)

	vecs, err := a.embedFn(ctx, a.cfg.Embeddings, []string{query})
	if err != nil || len(vecs) == 0 {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("recall_embed_failed_skipping")
		return nil
	}

	scored, err := a.memoryStore.Search(ctx, vecs[0], plan.K1)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("recall_search_failed_skipping")
		return nil
	}

	bias, _ := a.LoadRecallFeedbackBias(ctx, sessionID)
	selected := FilterRecalled(scored, plan, a.now().UnixMilli(), bias)

	snap := RecallSnapshot{
		SessionID:       sessionID,
		TurnID:          turnID,
		Plan:            plan,
		CreatedAtUnixMS: a.now().UnixMilli(),
	}
	for _, item := range selected {
		snap.EpisodeIDs = append(snap.EpisodeIDs, item.Episode.ID)
		snap.FusedScores = append(snap.FusedScores, item.Score)
	}
	a.storeRecallSnapshot(snap)
	return selected
}

func (a *Agent) buildContextBlocks(ctx context.Context, sessionID string, plan RecallPlan, recalled []memory.ScoredEpisode) ([]injection.Block, error) {
	var blocks []injection.Block

	if prompt := strings.TrimSpace(a.cfg.SystemPrompt); prompt != "" {
		blocks = append(blocks, injection.NewBlock("system_prompt", injection.CategorySystemPrompt, 100, prompt))
	}
	if safety := strings.TrimSpace(a.cfg.SafetyPrompt); safety != "" {
		blocks = append(blocks, injection.NewBlock("safety", injection.CategorySafety, 90, safety))
	}
	if policy := strings.TrimSpace(a.cfg.PolicyPrompt); policy != "" {
		blocks = append(blocks, injection.NewBlock("policy", injection.CategoryPolicy, 85, policy))
	}

	if memoryContext := BuildMemoryContextMessage(recalled, plan.MaxContextChars); memoryContext != "" {
		block := injection.NewBlock("memory_recall", injection.CategoryMemoryRecall, 60, memoryContext)
		blocks = append(blocks, block)
	}

	segments, err := a.window.SummarySegments(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load summary segments: %w", err)
	}
	if len(segments) > 0 {
		summary := "Conversation summary so far:\n" + strings.Join(segments, "\n")
		blocks = append(blocks, injection.NewBlock("window_summary", injection.CategoryWindowSummary, 55, summary))
	}

	if snapshot, ok := a.InspectSystemPromptInjection(ctx, sessionID); ok && snapshot.XML != "" {
		blocks = append(blocks, injection.NewBlock("session_xml", injection.CategorySessionXML, 45, snapshot.XML))
	}

	if plan.BudgetPressure >= 0.8 {
		hint := fmt.Sprintf("Context budget pressure is %.2f; prefer concise answers.", plan.BudgetPressure)
		blocks = append(blocks, injection.NewBlock("runtime_hint", injection.CategoryRuntimeHint, 20, hint))
	}

	return blocks, nil
}

func (a *Agent) injectionPolicy() injection.Policy {
	cfg := a.cfg.Injection
	policy := injection.Policy{
		MaxBlocks: cfg.MaxBlocks,
		MaxChars:  cfg.MaxChars,
		Ordering:  injection.OrderStrategy(cfg.Ordering),
		Mode:      injection.Mode(cfg.Mode),
	}
	for _, cat := range cfg.EnabledCategories {
		policy.EnabledCategories = append(policy.EnabledCategories, injection.Category(cat))
	}
	for _, cat := range cfg.AnchorCategories {
		policy.AnchorCategories = append(policy.AnchorCategories, injection.Category(cat))
	}
	return policy
}

// maybeSummarizeOverflow drains whole turn pairs beyond the window budget
// and folds them into a summary segment.
func (a *Agent) maybeSummarizeOverflow(ctx context.Context, sessionID string) error {
	if a.cfg.WindowMaxTurns <= 0 {
		return nil
	}
	stats, err := a.window.Stats(ctx, sessionID)
	if err != nil {
		return err
	}
	overflow := stats.Turns - a.cfg.WindowMaxTurns
	if overflow <= 0 {
		return nil
	}

	drained, err := a.window.DrainOldestTurns(ctx, sessionID, overflow)
	if err != nil {
		return err
	}
	if len(drained) == 0 {
		return nil
	}
	summary := a.summarizeDrained(ctx, drained)
	if summary == "" {
		return nil
	}
	return a.window.AddSummarySegment(ctx, sessionID, summary)
}

// summarizeDrained asks the LLM for a compact summary, falling back to a
// deterministic clipped join when no provider is available or the call
// fails.
func (a *Agent) summarizeDrained(ctx context.Context, drained []session.DrainedMessage) string {
	var sb strings.Builder
	for _, msg := range drained {
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}
	transcript := sb.String()

	if a.llm != nil {
		resp, err := a.llm.Chat(ctx, []llm.Message{
			{Role: "system", Content: "Summarize this conversation excerpt in at most three sentences. Keep concrete facts and decisions."},
			{Role: "user", Content: transcript},
		}, nil, a.cfg.LLM.Model)
		if err == nil && strings.TrimSpace(resp.Message.Content) != "" {
			return strings.TrimSpace(resp.Message.Content)
		}
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("window_summary_llm_failed_fallback")
	}
	return clipToChars(strings.TrimSpace(transcript), 400)
}

func (a *Agent) applyRecallRewards(recalled []memory.ScoredEpisode, success bool) {
	if a.memoryStore == nil {
		return
	}
	for _, item := range recalled {
		if success {
			a.memoryStore.QUpdate(item.Episode.ID, 1.0)
		} else {
			a.memoryStore.RecordFailure(item.Episode.ID)
			a.memoryStore.QUpdate(item.Episode.ID, 0.0)
		}
	}
}

// ResetSessionWithBackup atomically snapshots the live session into its
// backup pair and clears it. It returns the metadata captured in the marker.
func (a *Agent) ResetSessionWithBackup(ctx context.Context, sessionID string) (session.BackupMetadata, error) {
	savedAt := a.now().UnixMilli()
	messages, summaries, err := a.window.AtomicResetSnapshot(ctx, sessionID,
		BackupSessionID(sessionID), BackupMetaSessionID(sessionID), savedAt)
	if err != nil {
		return session.BackupMetadata{}, err
	}
	return session.BackupMetadata{
		Messages:        messages,
		SummarySegments: summaries,
		SavedAtUnixMS:   savedAt,
	}, nil
}

// PeekSessionBackup reads the last backup marker for a session, if any.
func (a *Agent) PeekSessionBackup(ctx context.Context, sessionID string) (session.BackupMetadata, bool, error) {
	return a.window.PeekBackup(ctx, BackupMetaSessionID(sessionID))
}

// ResumeSessionFromBackup restores the most recent backup into the live
// session, replacing whatever is there.
func (a *Agent) ResumeSessionFromBackup(ctx context.Context, sessionID string) (session.BackupMetadata, error) {
	meta, ok, err := a.PeekSessionBackup(ctx, sessionID)
	if err != nil {
		return session.BackupMetadata{}, err
	}
	if !ok {
		return session.BackupMetadata{}, fmt.Errorf("no backup snapshot for session %s", sessionID)
	}
	backup, err := a.sessions.Get(ctx, BackupSessionID(sessionID))
	if err != nil {
		return session.BackupMetadata{}, err
	}
	if err := a.sessions.Replace(ctx, sessionID, backup); err != nil {
		return session.BackupMetadata{}, err
	}
	return meta, nil
}

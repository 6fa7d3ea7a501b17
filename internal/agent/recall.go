package agent

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"cortex/internal/memory"
	"cortex/internal/session"
	"cortex/internal/tokenizer"
)

// MemoryRecallMessageName is the system message name used for injected
// memory recall context.
const MemoryRecallMessageName = "agent.memory.recall"

const recencyHalfLifeHours = 24.0 * 7.0

// RecallInput carries the pressure signals the recall planner derives its
// parameters from.
type RecallInput struct {
	BaseK1                     int
	BaseK2                     int
	BaseLambda                 float32
	ContextBudgetTokens        int // 0 means no budget
	ContextBudgetReserveTokens int
	ContextTokensBeforeRecall  int
	ActiveTurnsEstimate        int
	WindowMaxTurns             int // 0 means unbounded
	SummarySegmentCount        int
}

// RecallPlan is the deterministic output of the planner.
type RecallPlan struct {
	K1                    int
	K2                    int
	Lambda                float32
	MinScore              float32
	MaxContextChars       int
	BudgetPressure        float32
	WindowPressure        float32
	EffectiveBudgetTokens int // 0 when no budget configured
}

// EstimateMessagesTokens estimates the total token footprint for a message
// list, including per-message formatting overhead.
func EstimateMessagesTokens(messages []session.ChatMessage) int {
	total := 0
	for i := range messages {
		total += estimatedMessageTokens(&messages[i])
	}
	return total
}

func estimatedMessageTokens(message *session.ChatMessage) int {
	total := 6 + tokenizer.CountTokens(message.Role)
	if message.Name != "" {
		total += tokenizer.CountTokens(message.Name)
	}
	if message.ToolCallID != "" {
		total += tokenizer.CountTokens(message.ToolCallID)
	}
	if len(message.ToolCalls) > 0 {
		total += tokenizer.CountTokens(string(message.ToolCalls))
	}
	if message.Content != "" {
		total += tokenizer.CountTokens(message.Content)
	}
	return total
}

// PlanRecall derives dynamic memory-recall parameters from current context
// pressure.
func PlanRecall(input RecallInput) RecallPlan {
	k1 := maxInt(input.BaseK1, 1)
	k2 := minInt(maxInt(input.BaseK2, 1), k1)
	lambda := clampLambda(input.BaseLambda)
	minScore := float32(0.08)
	maxContextChars := clampInt(320+k2*220, 480, 1_800)

	effectiveBudget := 0
	if input.ContextBudgetTokens > 0 {
		effectiveBudget = maxInt(input.ContextBudgetTokens-input.ContextBudgetReserveTokens, 1)
	}
	var budgetPressure float32
	if effectiveBudget > 0 {
		budgetPressure = float32(input.ContextTokensBeforeRecall) / float32(effectiveBudget)
	}
	var windowPressure float32
	if input.WindowMaxTurns > 0 {
		windowPressure = float32(input.ActiveTurnsEstimate) / float32(input.WindowMaxTurns)
	}

	switch {
	case budgetPressure >= 1.0:
		k2 = maxInt(minInt(k2, 2), 1)
		k1 = maxInt(minInt(k1, 8), k2)
		lambda = clamp32(lambda+0.2, 0, 0.95)
		minScore = 0.20
		maxContextChars = clampInt(300+k2*160, 320, 700)
	case budgetPressure >= 0.8:
		k2 = maxInt(minInt(k2, 3), 1)
		k1 = maxInt(minInt(k1, 12), k2)
		lambda = clamp32(lambda+0.1, 0, 0.90)
		minScore = 0.15
		maxContextChars = clampInt(420+k2*180, 420, 1_000)
	case budgetPressure <= 0.45 && (windowPressure >= 0.75 || input.SummarySegmentCount > 0):
		boostedK2Cap := maxInt(input.BaseK2+2, 2)
		boostedK1Cap := maxInt(input.BaseK1+8, 4)
		k2 = maxInt(minInt(k2+1, boostedK2Cap), 1)
		k1 = maxInt(minInt(k1+4, boostedK1Cap), k2)
		lambda = clamp32(lambda-0.05, 0, 0.90)
		minScore = 0.05
		maxContextChars = clampInt(420+k2*240, 640, 2_200)
	}

	return RecallPlan{
		K1:                    k1,
		K2:                    k2,
		Lambda:                lambda,
		MinScore:              minScore,
		MaxContextChars:       maxContextChars,
		BudgetPressure:        budgetPressure,
		WindowPressure:        windowPressure,
		EffectiveBudgetTokens: effectiveBudget,
	}
}

// FilterRecalled keeps high-quality recalled episodes according to the plan,
// fusing similarity with recency. feedbackBias shifts ranking only, never the
// plan's min_score.
func FilterRecalled(recalled []memory.ScoredEpisode, plan RecallPlan, nowUnixMS int64, feedbackBias float32) []memory.ScoredEpisode {
	beta := recencyBeta(plan)
	finite := make([]memory.ScoredEpisode, 0, len(recalled))
	for _, item := range recalled {
		if math.IsNaN(float64(item.Score)) || math.IsInf(float64(item.Score), 0) {
			continue
		}
		recency := episodeRecencyScore(item.Episode, nowUnixMS, recencyHalfLifeHours)
		fused := fuseWithRecency(item.Score, recency, beta)
		if feedbackBias != 0 {
			fused = clamp32(fused+0.1*clamp32(feedbackBias, -1, 1), -1, 1)
		}
		finite = append(finite, memory.ScoredEpisode{Episode: item.Episode, Score: fused})
	}
	sort.SliceStable(finite, func(i, j int) bool {
		return finite[i].Score > finite[j].Score
	})

	selected := make([]memory.ScoredEpisode, 0, plan.K2)
	for _, item := range finite {
		if len(selected) >= plan.K2 {
			break
		}
		if item.Score >= plan.MinScore {
			selected = append(selected, item)
		}
	}

	// Keep one positive candidate if all were filtered by min-score.
	if len(selected) == 0 && len(finite) > 0 && finite[0].Score > 0 {
		selected = append(selected, finite[0])
	}
	return selected
}

func recencyBeta(plan RecallPlan) float32 {
	switch {
	case plan.BudgetPressure >= 1.0:
		return 0.28
	case plan.BudgetPressure >= 0.8:
		return 0.24
	case plan.WindowPressure >= 0.75:
		return 0.18
	default:
		return 0.14
	}
}

func episodeRecencyScore(ep memory.Episode, nowUnixMS int64, halfLifeHours float64) float32 {
	if halfLifeHours <= 0 {
		return 1.0
	}
	ageMS := nowUnixMS - ep.CreatedAtMS
	if ageMS < 0 {
		ageMS = 0
	}
	ageHours := float64(ageMS) / (1000.0 * 60.0 * 60.0)
	score := math.Exp(-(math.Ln2 * ageHours / halfLifeHours))
	return clamp32(float32(score), 0, 1)
}

func fuseWithRecency(baseScore, recencyScore, beta float32) float32 {
	beta = clamp32(beta, 0, 0.9)
	return clamp32((1-beta)*baseScore+beta*recencyScore, -1, 1)
}

// BuildMemoryContextMessage builds one bounded memory context block for
// system prompt injection. It returns "" when no line fits the budget.
func BuildMemoryContextMessage(recalled []memory.ScoredEpisode, maxContextChars int) string {
	if len(recalled) == 0 || maxContextChars == 0 {
		return ""
	}

	header := "Relevant past experiences (use to inform your response):"
	lines := []string{header}
	remaining := maxContextChars - (len([]rune(header)) + 1)

	for index, item := range recalled {
		if remaining < 80 {
			break
		}
		intent := clipToChars(item.Episode.Intent, 72)
		outcome := clipToChars(item.Episode.Outcome, 56)
		prefix := fmt.Sprintf("- [%d] score=%.3f intent=%s outcome=%s experience=",
			index+1, item.Score, intent, outcome)

		prefixChars := len([]rune(prefix))
		if prefixChars >= remaining {
			break
		}
		experienceBudget := clampInt(remaining-prefixChars, 48, 260)
		experience := clipToChars(item.Episode.Experience, experienceBudget)
		line := prefix + experience
		remaining -= len([]rune(line)) + 1
		lines = append(lines, line)
	}

	if len(lines) <= 1 {
		return ""
	}
	return strings.Join(lines, "\n")
}

func clipToChars(input string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(input)
	if len(runes) <= maxChars {
		return input
	}
	keep := maxChars - 3
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + "..."
}

func clampLambda(value float32) float32 {
	if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
		return 0.3
	}
	return clamp32(value, 0, 0.95)
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

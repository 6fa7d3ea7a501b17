package injection

import (
	"slices"
	"sort"
	"strings"
)

// AssembleSnapshot selects, sorts, anchors, and truncates blocks into one
// snapshot. It is a pure function of its inputs.
func AssembleSnapshot(sessionID string, turnID uint64, policy Policy, blocks []Block) Snapshot {
	var dropped []string

	selected := make([]Block, 0, len(blocks))
	for _, block := range blocks {
		if !slices.Contains(policy.EnabledCategories, block.Category) {
			dropped = append(dropped, block.BlockID)
			continue
		}
		block.Anchor = block.Anchor || slices.Contains(policy.AnchorCategories, block.Category)
		selected = append(selected, block)
	}

	sortBlocks(selected, policy)
	roleMix := selectRoleMix(policy, selected)

	retained := make([]Block, 0, policy.MaxBlocks)
	for _, block := range selected {
		if len(retained) < policy.MaxBlocks {
			retained = append(retained, block)
			continue
		}

		// A late anchor evicts the rightmost non-anchor; otherwise it drops.
		if block.Anchor {
			if idx := rightmostNonAnchor(retained); idx >= 0 {
				dropped = append(dropped, retained[idx].BlockID)
				retained[idx] = block
				continue
			}
		}
		dropped = append(dropped, block.BlockID)
	}

	final, budgetDropped, truncated := applyCharBudget(prioritizeAnchors(retained), policy.MaxChars)
	dropped = append(dropped, budgetDropped...)

	return Snapshot{
		ID:                snapshotID(sessionID, turnID),
		SessionID:         sessionID,
		TurnID:            turnID,
		Policy:            policy,
		RoleMix:           roleMix,
		RetainedBlocks:    final,
		DroppedBlockIDs:   dedupPreserveOrder(dropped),
		TruncatedBlockIDs: dedupPreserveOrder(truncated),
	}
}

func sortBlocks(blocks []Block, policy Policy) {
	switch policy.Ordering {
	case OrderCategoryThenPriority:
		sort.SliceStable(blocks, func(i, j int) bool {
			ri := categoryRank(policy.EnabledCategories, blocks[i].Category)
			rj := categoryRank(policy.EnabledCategories, blocks[j].Category)
			if ri != rj {
				return ri < rj
			}
			if blocks[i].Priority != blocks[j].Priority {
				return blocks[i].Priority > blocks[j].Priority
			}
			return blocks[i].BlockID < blocks[j].BlockID
		})
	default: // OrderPriorityDesc
		sort.SliceStable(blocks, func(i, j int) bool {
			if blocks[i].Priority != blocks[j].Priority {
				return blocks[i].Priority > blocks[j].Priority
			}
			return blocks[i].BlockID < blocks[j].BlockID
		})
	}
}

func categoryRank(enabled []Category, category Category) int {
	if idx := slices.Index(enabled, category); idx >= 0 {
		return idx
	}
	return int(^uint(0) >> 1)
}

func rightmostNonAnchor(blocks []Block) int {
	for i := len(blocks) - 1; i >= 0; i-- {
		if !blocks[i].Anchor {
			return i
		}
	}
	return -1
}

func prioritizeAnchors(blocks []Block) []Block {
	anchors := make([]Block, 0, len(blocks))
	others := make([]Block, 0, len(blocks))
	for _, block := range blocks {
		if block.Anchor {
			anchors = append(anchors, block)
		} else {
			others = append(others, block)
		}
	}
	return append(anchors, others...)
}

func applyCharBudget(blocks []Block, maxChars int) (kept []Block, dropped, truncated []string) {
	if maxChars <= 0 {
		for _, block := range blocks {
			dropped = append(dropped, block.BlockID)
		}
		return nil, dropped, nil
	}

	used := 0
	for _, block := range blocks {
		if used >= maxChars {
			dropped = append(dropped, block.BlockID)
			continue
		}

		remaining := maxChars - used
		if block.PayloadChars <= remaining {
			used += block.PayloadChars
			kept = append(kept, block)
			continue
		}

		block.Payload = truncateChars(block.Payload, remaining)
		block.PayloadChars = len([]rune(block.Payload))
		used += block.PayloadChars
		truncated = append(truncated, block.BlockID)
		kept = append(kept, block)
	}
	return kept, dropped, truncated
}

const (
	roleGovernanceGuardian    = "governance_guardian"
	roleKnowledgeSynthesizer  = "knowledge_synthesizer"
	roleMemoryStrategist      = "memory_strategist"
	roleReflectionOptimizer   = "reflection_optimizer"
	roleSessionContextCurator = "session_context_curator"
)

func selectRoleMix(policy Policy, blocks []Block) *RoleMixProfile {
	var roles []RoleMixRole

	hasCategory := func(cats ...Category) bool {
		for _, block := range blocks {
			if slices.Contains(cats, block.Category) {
				return true
			}
		}
		return false
	}

	if hasCategory(CategorySafety, CategoryPolicy) {
		roles = append(roles, RoleMixRole{Role: roleGovernanceGuardian, Weight: 0.36})
	}
	if hasCategory(CategoryMemoryRecall, CategoryWindowSummary) {
		roles = append(roles, RoleMixRole{Role: roleMemoryStrategist, Weight: 0.31})
	}
	if hasCategory(CategorySessionXML) {
		roles = append(roles, RoleMixRole{Role: roleSessionContextCurator, Weight: 0.27})
	}
	if hasCategory(CategoryKnowledge) {
		roles = append(roles, RoleMixRole{Role: roleKnowledgeSynthesizer, Weight: 0.33})
	}
	if hasCategory(CategoryReflection, CategoryRuntimeHint) {
		roles = append(roles, RoleMixRole{Role: roleReflectionOptimizer, Weight: 0.29})
	}

	forceHybrid := policy.Mode == ModeHybrid
	if !forceHybrid && len(roles) < 2 {
		return nil
	}
	if len(roles) == 0 {
		return nil
	}

	rationale := "multi-domain context detected"
	if forceHybrid {
		rationale = "policy.mode=hybrid requested role-mix injection"
	}
	return &RoleMixProfile{
		ProfileID: "role_mix.hybrid.v1",
		Roles:     roles,
		Rationale: rationale,
	}
}

func truncateChars(input string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if maxChars <= 3 {
		return strings.Repeat(".", maxChars)
	}
	runes := []rune(input)
	if len(runes) <= maxChars {
		return input
	}
	return string(runes[:maxChars-3]) + "..."
}

func dedupPreserveOrder(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

package memory

import (
	"context"

	"cortex/internal/observability"
)

// GateDecision is the outcome of the promotion/obsoletion gate for one
// episode.
type GateDecision string

const (
	GatePromote  GateDecision = "promote"
	GateRetain   GateDecision = "retain"
	GateObsolete GateDecision = "obsolete"
)

// GateConfig holds the thresholds governing whether an episode is upgraded
// to canonical memory or retired.
type GateConfig struct {
	PromoteThreshold          float32
	ObsoleteThreshold         float32
	PromoteMinUsage           uint32
	ObsoleteMinUsage          uint32
	PromoteFailureRateCeiling float32
	ObsoleteFailureRateFloor  float32
	PromoteMinTTLScore        float32
	ObsoleteMaxTTLScore       float32
}

// GateReport summarizes one gate sweep.
type GateReport struct {
	Promoted  []string
	Retained  []string
	Obsoleted []string
}

// Classify applies the gate to one episode given its current Q-value.
func (g GateConfig) Classify(ep Episode, q float32) GateDecision {
	failureRate := float32(0)
	if ep.UsageCount > 0 {
		failureRate = float32(ep.FailureCount) / float32(ep.UsageCount)
	}

	if q >= g.PromoteThreshold &&
		ep.UsageCount >= g.PromoteMinUsage &&
		failureRate <= g.PromoteFailureRateCeiling &&
		ep.TTLScore >= g.PromoteMinTTLScore {
		return GatePromote
	}

	if q <= g.ObsoleteThreshold &&
		ep.UsageCount >= g.ObsoleteMinUsage &&
		(failureRate >= g.ObsoleteFailureRateFloor || ep.TTLScore <= g.ObsoleteMaxTTLScore) {
		return GateObsolete
	}

	return GateRetain
}

// ApplyGate sweeps the store, evicting obsolete episodes and reporting
// promotions. Promotion is a classification; the episode itself stays until
// a later obsoletion.
func (s *EpisodeStore) ApplyGate(ctx context.Context, cfg GateConfig) (GateReport, error) {
	log := observability.LoggerWithTrace(ctx)
	var report GateReport

	for _, ep := range s.Episodes() {
		switch cfg.Classify(ep, s.qtable.Get(ep.ID)) {
		case GatePromote:
			report.Promoted = append(report.Promoted, ep.ID)
		case GateObsolete:
			report.Obsoleted = append(report.Obsoleted, ep.ID)
		default:
			report.Retained = append(report.Retained, ep.ID)
		}
	}

	for _, id := range report.Obsoleted {
		if err := s.Remove(ctx, id); err != nil {
			return report, err
		}
	}

	log.Info().
		Int("promoted", len(report.Promoted)).
		Int("retained", len(report.Retained)).
		Int("obsoleted", len(report.Obsoleted)).
		Msg("memory_gate_applied")
	return report, nil
}

// Command agentd runs the agent runtime core as a daemon: it wires the
// session store, session gate, context window, memory subsystem, and job
// manager from configuration and serves background turns until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"cortex/internal/agent"
	"cortex/internal/config"
	"cortex/internal/jobs"
	"cortex/internal/llm"
	"cortex/internal/memory"
	"cortex/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.InitLogger("", "info")
		log.Fatal().Err(err).Msg("config_load_failed")
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	var memoryIndex memory.VectorIndex
	if cfg.Qdrant.URL != "" && cfg.Memory != nil {
		idx, err := memory.NewQdrantIndex(cfg.Qdrant.URL, cfg.Qdrant.Collection, cfg.Memory.EmbeddingDim)
		if err != nil {
			log.Fatal().Err(err).Msg("qdrant_init_failed")
		}
		memoryIndex = idx
	}

	provider := llm.NewOpenAIClient(cfg.LLM)
	core, err := agent.New(cfg, agent.Deps{
		LLM:         provider,
		MemoryIndex: memoryIndex,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("agent_init_failed")
	}

	runner := jobs.TurnRunnerFunc(func(ctx context.Context, sessionID, userMessage string) (string, error) {
		outcome := core.RunTurn(ctx, sessionID, userMessage)
		if outcome.Kind == agent.OutcomeSucceeded {
			return outcome.Text, nil
		}
		if outcome.Err != nil {
			return "", outcome.Err
		}
		return "", context.DeadlineExceeded
	})
	manager, completions := jobs.Start(runner, jobs.Config{
		QueueCapacity:             cfg.Jobs.QueueCapacity,
		MaxInFlight:               cfg.Jobs.MaxInFlight,
		JobTimeoutSecs:            cfg.Jobs.JobTimeoutSecs,
		HeartbeatIntervalSecs:     cfg.Jobs.HeartbeatIntervalSecs,
		HeartbeatProbeTimeoutSecs: cfg.Jobs.HeartbeatProbeTimeoutSecs,
		MaxQueuedAgeSecs:          cfg.Jobs.MaxQueuedAgeSecs,
		MaxRunningAgeSecs:         cfg.Jobs.MaxRunningAgeSecs,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case completion := <-completions:
				log.Info().
					Str("job_id", completion.JobID).
					Str("session_id", completion.SessionID).
					Str("kind", string(completion.Kind)).
					Msg("job_completion")
			}
		}
	})

	// Periodic maintenance: persist memory state and sweep the promotion
	// gate.
	group.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := core.SaveMemoryState(gctx); err != nil {
					log.Warn().Err(err).Msg("memory_state_save_failed")
				}
				if store := core.MemoryStore(); store != nil && cfg.Memory != nil {
					gateCfg := memory.GateConfig{
						PromoteThreshold:          cfg.Memory.GatePromoteThreshold,
						ObsoleteThreshold:         cfg.Memory.GateObsoleteThreshold,
						PromoteMinUsage:           cfg.Memory.GatePromoteMinUsage,
						ObsoleteMinUsage:          cfg.Memory.GateObsoleteMinUsage,
						PromoteFailureRateCeiling: cfg.Memory.GatePromoteFailureRateCeiling,
						ObsoleteFailureRateFloor:  cfg.Memory.GateObsoleteFailureRateFloor,
						PromoteMinTTLScore:        cfg.Memory.GatePromoteMinTTLScore,
						ObsoleteMaxTTLScore:       cfg.Memory.GateObsoleteMaxTTLScore,
					}
					if _, err := store.ApplyGate(gctx, gateCfg); err != nil {
						log.Warn().Err(err).Msg("memory_gate_sweep_failed")
					}
				}
			}
		}
	})

	log.Info().Msg("agentd_started")
	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("agentd_stopped_with_error")
	}
	manager.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := core.SaveMemoryState(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("memory_state_save_failed")
	}
	log.Info().Msg("agentd_stopped")
	_ = os.Stdout.Sync()
}

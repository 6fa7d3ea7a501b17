package jobs

import (
	"context"
	"time"

	"cortex/internal/observability"
)

// HealthState classifies pool health from queue and runtime ages.
type HealthState string

const (
	HealthHealthy        HealthState = "healthy"
	HealthQueueStalled   HealthState = "queue_stalled"
	HealthRunningStalled HealthState = "running_stalled"
)

// HeartbeatProbeState classifies one heartbeat probe result.
type HeartbeatProbeState string

const (
	ProbeOk      HeartbeatProbeState = "ok"
	ProbeTimeout HeartbeatProbeState = "timeout"
	ProbeError   HeartbeatProbeState = "error"
)

// MetricsSnapshot summarizes the pool at one instant.
type MetricsSnapshot struct {
	TotalJobs             int
	Queued                int
	Running               int
	Succeeded             int
	Failed                int
	TimedOut              int
	OldestQueuedAgeSecs   *int64
	LongestRunningAgeSecs *int64
	HealthState           HealthState
}

// Metrics computes the current snapshot including health classification.
func (m *Manager) Metrics() MetricsSnapshot {
	now := time.Now()
	snap := MetricsSnapshot{HealthState: HealthHealthy}

	m.mu.Lock()
	for _, status := range m.jobs {
		snap.TotalJobs++
		switch status.State {
		case StateQueued:
			snap.Queued++
			age := int64(now.Sub(status.CreatedAt) / time.Second)
			if snap.OldestQueuedAgeSecs == nil || age > *snap.OldestQueuedAgeSecs {
				snap.OldestQueuedAgeSecs = &age
			}
		case StateRunning:
			snap.Running++
			if status.StartedAt != nil {
				age := int64(now.Sub(*status.StartedAt) / time.Second)
				if snap.LongestRunningAgeSecs == nil || age > *snap.LongestRunningAgeSecs {
					snap.LongestRunningAgeSecs = &age
				}
			}
		case StateSucceeded:
			snap.Succeeded++
		case StateFailed:
			snap.Failed++
		case StateTimedOut:
			snap.TimedOut++
		}
	}
	m.mu.Unlock()

	snap.HealthState = ClassifyJobHealth(&snap, m.cfg.MaxQueuedAgeSecs, m.cfg.MaxRunningAgeSecs)
	return snap
}

// ClassifyJobHealth derives the health state from a snapshot. Running-stalled
// dominates when both triggers hold.
func ClassifyJobHealth(snap *MetricsSnapshot, maxQueuedAgeSecs, maxRunningAgeSecs int) HealthState {
	if snap.LongestRunningAgeSecs != nil && maxRunningAgeSecs > 0 &&
		*snap.LongestRunningAgeSecs > int64(maxRunningAgeSecs) {
		return HealthRunningStalled
	}
	if snap.OldestQueuedAgeSecs != nil && maxQueuedAgeSecs > 0 &&
		*snap.OldestQueuedAgeSecs > int64(maxQueuedAgeSecs) {
		return HealthQueueStalled
	}
	return HealthHealthy
}

// ClassifyHeartbeatProbe maps a probe error to its state.
func ClassifyHeartbeatProbe(err error) HeartbeatProbeState {
	switch {
	case err == nil:
		return ProbeOk
	case err == context.DeadlineExceeded:
		return ProbeTimeout
	default:
		return ProbeError
	}
}

// heartbeatLoop periodically probes pool health and logs the classification.
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.HeartbeatIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			probeTimeout := time.Duration(m.cfg.HeartbeatProbeTimeoutSecs) * time.Second
			ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
			state := ClassifyHeartbeatProbe(m.probe(ctx))
			cancel()

			snap := m.Metrics()
			log := observability.LoggerWithTrace(context.Background())
			log.Debug().
				Str("probe", string(state)).
				Str("health", string(snap.HealthState)).
				Int("queued", snap.Queued).
				Int("running", snap.Running).
				Msg("job_heartbeat")
			if snap.HealthState != HealthHealthy {
				log.Warn().Str("health", string(snap.HealthState)).Msg("job_pool_stalled")
			}
		}
	}
}

// probe checks that the registry lock is acquirable within the probe
// deadline; a wedged manager fails the probe.
func (m *Manager) probe(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		healthy := m.jobs != nil
		m.mu.Unlock()
		if healthy {
			close(done)
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRunner struct {
	delay  time.Duration
	output string
	err    error

	running atomic.Int32
	peak    atomic.Int32
}

func (m *mockRunner) RunTurn(ctx context.Context, sessionID, userMessage string) (string, error) {
	now := m.running.Add(1)
	for {
		peak := m.peak.Load()
		if now <= peak || m.peak.CompareAndSwap(peak, now) {
			break
		}
	}
	defer m.running.Add(-1)

	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if m.err != nil {
		return "", m.err
	}
	return m.output, nil
}

func testConfig() Config {
	return Config{
		QueueCapacity:             8,
		MaxInFlight:               2,
		JobTimeoutSecs:            10,
		HeartbeatIntervalSecs:     0, // disabled in tests
		HeartbeatProbeTimeoutSecs: 2,
		MaxQueuedAgeSecs:          120,
		MaxRunningAgeSecs:         120,
	}
}

func waitCompletion(t *testing.T, completions <-chan Completion) Completion {
	t.Helper()
	select {
	case completion := <-completions:
		return completion
	case <-time.After(3 * time.Second):
		t.Fatal("completion wait timed out")
		return Completion{}
	}
}

func TestJobSucceedsAndUpdatesStatus(t *testing.T) {
	runner := &mockRunner{delay: 20 * time.Millisecond, output: "done"}
	manager, completions := Start(runner, testConfig())
	defer manager.Stop()

	jobID, err := manager.Submit("telegram:alice", "alice", "research rust")
	require.NoError(t, err)

	completion := waitCompletion(t, completions)
	assert.Equal(t, jobID, completion.JobID)
	assert.Equal(t, CompletionSucceeded, completion.Kind)
	assert.Equal(t, "done", completion.Output)
	assert.False(t, completion.FinishedAt.Before(completion.StartedAt))

	status, ok := manager.GetStatus(jobID)
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, status.State)
	assert.NotEmpty(t, status.OutputPreview)

	metrics := manager.Metrics()
	assert.Equal(t, 1, metrics.Succeeded)
	assert.Equal(t, 0, metrics.Failed)
	assert.Equal(t, 0, metrics.TimedOut)
}

func TestJobTimeoutMarksTimedOut(t *testing.T) {
	runner := &mockRunner{delay: 1_200 * time.Millisecond, output: "late"}
	cfg := testConfig()
	cfg.MaxInFlight = 1
	cfg.JobTimeoutSecs = 1
	manager, completions := Start(runner, cfg)
	defer manager.Stop()

	jobID, err := manager.Submit("telegram:bob", "bob", "research this should timeout")
	require.NoError(t, err)

	completion := waitCompletion(t, completions)
	assert.Equal(t, jobID, completion.JobID)
	assert.Equal(t, CompletionTimedOut, completion.Kind)
	assert.Equal(t, 1, completion.TimeoutSecs)

	status, ok := manager.GetStatus(jobID)
	require.True(t, ok)
	assert.Equal(t, StateTimedOut, status.State)
}

func TestJobFailureMarksFailed(t *testing.T) {
	runner := &mockRunner{delay: 10 * time.Millisecond, err: errors.New("tool failed")}
	cfg := testConfig()
	cfg.MaxInFlight = 1
	manager, completions := Start(runner, cfg)
	defer manager.Stop()

	jobID, err := manager.Submit("telegram:carol", "carol", "research expected failure")
	require.NoError(t, err)

	completion := waitCompletion(t, completions)
	assert.Equal(t, jobID, completion.JobID)
	assert.Equal(t, CompletionFailed, completion.Kind)
	require.Error(t, completion.Err)
	assert.Contains(t, completion.Err.Error(), "tool failed")

	status, ok := manager.GetStatus(jobID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, status.State)
}

func TestJobsAcrossSessionsRunInParallel(t *testing.T) {
	runner := &mockRunner{delay: 200 * time.Millisecond, output: "ok"}
	manager, completions := Start(runner, testConfig())
	defer manager.Stop()

	start := time.Now()
	_, err := manager.Submit("s1", "a", "one")
	require.NoError(t, err)
	_, err = manager.Submit("s2", "b", "two")
	require.NoError(t, err)

	waitCompletion(t, completions)
	waitCompletion(t, completions)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 380*time.Millisecond,
		"two jobs with max_in_flight=2 should overlap")
	assert.Equal(t, int32(2), runner.peak.Load(), "running should have peaked at 2")
}

func TestMaxInFlightBoundsConcurrency(t *testing.T) {
	runner := &mockRunner{delay: 80 * time.Millisecond, output: "ok"}
	cfg := testConfig()
	cfg.MaxInFlight = 2
	manager, completions := Start(runner, cfg)
	defer manager.Stop()

	for i := 0; i < 6; i++ {
		_, err := manager.Submit("s", "sender", "work")
		require.NoError(t, err)
	}
	for i := 0; i < 6; i++ {
		waitCompletion(t, completions)
	}
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))

	metrics := manager.Metrics()
	assert.Equal(t, 6, metrics.Succeeded)
	assert.LessOrEqual(t, metrics.Succeeded+metrics.Failed+metrics.TimedOut, metrics.TotalJobs)
}

func TestSubmitErrorsWhenQueueFull(t *testing.T) {
	runner := &mockRunner{delay: 500 * time.Millisecond, output: "ok"}
	cfg := testConfig()
	cfg.QueueCapacity = 1
	cfg.MaxInFlight = 1
	manager, _ := Start(runner, cfg)
	defer manager.Stop()

	// Saturate the worker and the queue, then overflow.
	var submitErr error
	for i := 0; i < 8; i++ {
		if _, err := manager.Submit("s", "sender", "work"); err != nil {
			submitErr = err
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Error(t, submitErr)
	assert.ErrorIs(t, submitErr, ErrQueueFull)
}

func TestClassifyJobHealthStates(t *testing.T) {
	age := func(v int64) *int64 { return &v }

	healthy := MetricsSnapshot{
		TotalJobs: 2, Queued: 1, Running: 1,
		OldestQueuedAgeSecs:   age(5),
		LongestRunningAgeSecs: age(8),
	}
	assert.Equal(t, HealthHealthy, ClassifyJobHealth(&healthy, 10, 10))

	queuedStalled := MetricsSnapshot{
		TotalJobs: 1, Queued: 1,
		OldestQueuedAgeSecs: age(30),
	}
	assert.Equal(t, HealthQueueStalled, ClassifyJobHealth(&queuedStalled, 10, 10))

	runningStalled := MetricsSnapshot{
		TotalJobs: 1, Running: 1,
		LongestRunningAgeSecs: age(42),
	}
	assert.Equal(t, HealthRunningStalled, ClassifyJobHealth(&runningStalled, 10, 10))

	both := MetricsSnapshot{
		TotalJobs: 2, Queued: 1, Running: 1,
		OldestQueuedAgeSecs:   age(30),
		LongestRunningAgeSecs: age(42),
	}
	assert.Equal(t, HealthRunningStalled, ClassifyJobHealth(&both, 10, 10))
}

func TestClassifyHeartbeatProbe(t *testing.T) {
	assert.Equal(t, ProbeOk, ClassifyHeartbeatProbe(nil))
	assert.Equal(t, ProbeTimeout, ClassifyHeartbeatProbe(context.DeadlineExceeded))
	assert.Equal(t, ProbeError, ClassifyHeartbeatProbe(errors.New("boom")))
}

func TestHeartbeatProbeTimesOutWhenLockIsWedged(t *testing.T) {
	runner := &mockRunner{delay: time.Millisecond, output: "ok"}
	manager, _ := Start(runner, testConfig())
	defer manager.Stop()

	manager.mu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := manager.probe(ctx)
	manager.mu.Unlock()
	assert.Equal(t, ProbeTimeout, ClassifyHeartbeatProbe(err))
}

func TestMetricsCountersConsistent(t *testing.T) {
	runner := &mockRunner{delay: 5 * time.Millisecond, output: "ok"}
	manager, completions := Start(runner, testConfig())
	defer manager.Stop()

	for i := 0; i < 4; i++ {
		_, err := manager.Submit("s", "sender", "work")
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		waitCompletion(t, completions)
	}

	metrics := manager.Metrics()
	assert.Equal(t, 4, metrics.TotalJobs)
	assert.LessOrEqual(t, metrics.Succeeded+metrics.Failed+metrics.TimedOut, metrics.TotalJobs)
	assert.Equal(t, HealthHealthy, metrics.HealthState)
}

// Package jobs runs background turn invocations on a bounded worker pool
// with timeouts, heartbeats, and health classification.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"cortex/internal/observability"
)

// TurnRunner executes one turn for a background job.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionID, userMessage string) (string, error)
}

// TurnRunnerFunc adapts a function to TurnRunner.
type TurnRunnerFunc func(ctx context.Context, sessionID, userMessage string) (string, error)

// RunTurn implements TurnRunner.
func (f TurnRunnerFunc) RunTurn(ctx context.Context, sessionID, userMessage string) (string, error) {
	return f(ctx, sessionID, userMessage)
}

// Config sizes the pool and its deadlines.
type Config struct {
	QueueCapacity             int
	MaxInFlight               int
	JobTimeoutSecs            int
	HeartbeatIntervalSecs     int
	HeartbeatProbeTimeoutSecs int
	MaxQueuedAgeSecs          int
	MaxRunningAgeSecs         int
}

// State is a job's lifecycle state; transitions are monotonic.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// CompletionKind tags a completion event.
type CompletionKind string

const (
	CompletionSucceeded CompletionKind = "succeeded"
	CompletionFailed    CompletionKind = "failed"
	CompletionTimedOut  CompletionKind = "timed_out"
)

// Completion is published for every finished job.
type Completion struct {
	JobID       string
	SessionID   string
	Sender      string
	Kind        CompletionKind
	Output      string
	Err         error
	TimeoutSecs int
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Status is a job's externally visible state.
type Status struct {
	ID            string
	SessionID     string
	Sender        string
	Content       string
	State         State
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	OutputPreview string
	ErrText       string
}

// ErrQueueFull is returned by Submit when the queue is at capacity.
var ErrQueueFull = errors.New("job queue is full")

type job struct {
	id        string
	sessionID string
	sender    string
	content   string
}

// Manager owns the job registry and worker slots.
type Manager struct {
	cfg    Config
	runner TurnRunner

	queue       chan job
	completions chan Completion
	sem         *semaphore.Weighted

	mu   sync.Mutex
	jobs map[string]*Status

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Start launches the worker pool and returns the manager plus its shared
// completion channel. Readers drive user-visible notifications from it.
func Start(runner TurnRunner, cfg Config) (*Manager, <-chan Completion) {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 16
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	m := &Manager{
		cfg:         cfg,
		runner:      runner,
		queue:       make(chan job, cfg.QueueCapacity),
		completions: make(chan Completion, cfg.QueueCapacity),
		sem:         semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		jobs:        make(map[string]*Status),
		stop:        make(chan struct{}),
	}
	m.wg.Add(1)
	go m.dispatchLoop()
	if cfg.HeartbeatIntervalSecs > 0 {
		m.wg.Add(1)
		go m.heartbeatLoop()
	}
	return m, m.completions
}

// Submit enqueues a background job and returns immediately. It errors when
// the queue is at capacity; admission overflow is never silent.
func (m *Manager) Submit(sessionID, sender, content string) (string, error) {
	id := uuid.NewString()
	status := &Status{
		ID:        id,
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
		State:     StateQueued,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.jobs[id] = status
	m.mu.Unlock()

	select {
	case m.queue <- job{id: id, sessionID: sessionID, sender: sender, content: content}:
		return id, nil
	default:
		m.mu.Lock()
		status.State = StateFailed
		status.ErrText = ErrQueueFull.Error()
		now := time.Now()
		status.FinishedAt = &now
		m.mu.Unlock()
		return "", fmt.Errorf("submit job for %s: %w", sessionID, ErrQueueFull)
	}
}

// GetStatus returns a job's status snapshot.
func (m *Manager) GetStatus(jobID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.jobs[jobID]
	if !ok {
		return Status{}, false
	}
	return *status, true
}

// Stop drains the pool: no new jobs start and the call returns once running
// workers finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case next := <-m.queue:
			// Exactly MaxInFlight workers execute concurrently.
			if err := m.sem.Acquire(context.Background(), 1); err != nil {
				return
			}
			select {
			case <-m.stop:
				m.sem.Release(1)
				return
			default:
			}
			m.wg.Add(1)
			go func(j job) {
				defer m.wg.Done()
				defer m.sem.Release(1)
				m.runJob(j)
			}(next)
		}
	}
}

func (m *Manager) runJob(j job) {
	log := observability.LoggerWithTrace(context.Background())
	started := time.Now()

	m.mu.Lock()
	status := m.jobs[j.id]
	status.State = StateRunning
	status.StartedAt = &started
	created := status.CreatedAt
	m.mu.Unlock()

	timeout := time.Duration(m.cfg.JobTimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	output, err := m.runner.RunTurn(ctx, j.sessionID, j.content)
	finished := time.Now()

	completion := Completion{
		JobID:      j.id,
		SessionID:  j.sessionID,
		Sender:     j.sender,
		CreatedAt:  created,
		StartedAt:  started,
		FinishedAt: finished,
	}

	m.mu.Lock()
	status.FinishedAt = &finished
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)):
		status.State = StateTimedOut
		status.ErrText = fmt.Sprintf("timed out after %ds", m.cfg.JobTimeoutSecs)
		completion.Kind = CompletionTimedOut
		completion.TimeoutSecs = m.cfg.JobTimeoutSecs
	case err != nil:
		status.State = StateFailed
		status.ErrText = err.Error()
		completion.Kind = CompletionFailed
		completion.Err = err
	default:
		status.State = StateSucceeded
		status.OutputPreview = preview(output, 160)
		completion.Kind = CompletionSucceeded
		completion.Output = output
	}
	m.mu.Unlock()

	log.Info().
		Str("job_id", j.id).
		Str("session_id", j.sessionID).
		Str("kind", string(completion.Kind)).
		Dur("duration", finished.Sub(started)).
		Msg("job_completed")

	select {
	case m.completions <- completion:
	case <-m.stop:
	}
}

func preview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"cortex/internal/observability"
)

// releaseScript deletes the lease only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lease only while we still own it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisGate is the distributed session gate: a TTL lease per session id,
// refreshed while held and released on guard drop. If the holder process
// dies, the lease expires and another holder may acquire within the TTL.
// Across processes acquisition order is best-effort.
type RedisGate struct {
	client        redis.UniversalClient
	keyPrefix     string
	leaseTTL      time.Duration
	retryInterval time.Duration

	mu     sync.Mutex
	active map[string]int
}

// NewRedisGate connects to the given URL and verifies connectivity.
func NewRedisGate(url, keyPrefix string, leaseTTLSecs int) (*RedisGate, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse session gate url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("session gate ping: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "cortex:session"
	}
	if leaseTTLSecs <= 0 {
		leaseTTLSecs = 30
	}
	return &RedisGate{
		client:        client,
		keyPrefix:     keyPrefix,
		leaseTTL:      time.Duration(leaseTTLSecs) * time.Second,
		retryInterval: 50 * time.Millisecond,
		active:        make(map[string]int),
	}, nil
}

func (g *RedisGate) leaseKey(sessionID string) string {
	return fmt.Sprintf("%s:lease:%s", g.keyPrefix, sessionID)
}

// Acquire polls the lease key until ownership is obtained or ctx is done.
func (g *RedisGate) Acquire(ctx context.Context, sessionID string) (Guard, error) {
	key := g.leaseKey(sessionID)
	token := uuid.NewString()

	g.trackRef(sessionID, 1)
	for {
		ok, err := g.client.SetNX(ctx, key, token, g.leaseTTL).Result()
		if err != nil {
			g.trackRef(sessionID, -1)
			return nil, fmt.Errorf("session lease acquire: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			g.trackRef(sessionID, -1)
			return nil, ctx.Err()
		case <-time.After(g.retryInterval):
		}
	}

	guard := &redisGuard{gate: g, sessionID: sessionID, key: key, token: token, stop: make(chan struct{})}
	go guard.refreshLoop()
	return guard, nil
}

// ActiveSessions returns the number of sessions this process currently holds
// or waits on.
func (g *RedisGate) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

func (g *RedisGate) trackRef(sessionID string, delta int) {
	g.mu.Lock()
	g.active[sessionID] += delta
	if g.active[sessionID] <= 0 {
		delete(g.active, sessionID)
	}
	g.mu.Unlock()
}

type redisGuard struct {
	gate      *RedisGate
	sessionID string
	key       string
	token     string
	stop      chan struct{}
	once      sync.Once
}

// refreshLoop extends the lease at a third of the TTL while the guard is
// held, so the lease only expires if the holder process dies.
func (r *redisGuard) refreshLoop() {
	interval := r.gate.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, err := refreshScript.Run(ctx, r.gate.client, []string{r.key}, r.token,
				r.gate.leaseTTL.Milliseconds()).Result()
			cancel()
			if err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).
					Str("session_id", r.sessionID).Msg("session_lease_refresh_failed")
			}
		}
	}
}

func (r *redisGuard) Release() {
	r.once.Do(func() {
		close(r.stop)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := releaseScript.Run(ctx, r.gate.client, []string{r.key}, r.token).Result(); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).
				Str("session_id", r.sessionID).Msg("session_lease_release_failed")
		}
		r.gate.trackRef(r.sessionID, -1)
	})
}

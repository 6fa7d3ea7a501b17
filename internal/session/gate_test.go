package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateSameSessionIsSerialized(t *testing.T) {
	ctx := context.Background()
	gate := NewGate()

	first, err := gate.Acquire(ctx, "telegram:-100:888")
	require.NoError(t, err)

	entered := make(chan struct{})
	go func() {
		second, err := gate.Acquire(ctx, "telegram:-100:888")
		if err != nil {
			return
		}
		close(entered)
		second.Release()
	}()

	select {
	case <-entered:
		t.Fatal("second acquire entered before first guard released")
	case <-time.After(60 * time.Millisecond):
	}

	first.Release()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("second acquire never entered after first guard released")
	}
}

func TestGateDifferentSessionsRunInParallel(t *testing.T) {
	ctx := context.Background()
	gate := NewGate()

	first, err := gate.Acquire(ctx, "telegram:-100:888")
	require.NoError(t, err)
	defer first.Release()

	entered := make(chan struct{})
	go func() {
		other, err := gate.Acquire(ctx, "telegram:-101:888")
		if err != nil {
			return
		}
		close(entered)
		other.Release()
	}()

	select {
	case <-entered:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("other session should not be blocked")
	}
}

func TestGateEntryCleanedAfterLastGuardDrops(t *testing.T) {
	ctx := context.Background()
	gate := NewGate()
	assert.Equal(t, 0, gate.ActiveSessions())

	guard, err := gate.Acquire(ctx, "telegram:-100:888")
	require.NoError(t, err)
	assert.Equal(t, 1, gate.ActiveSessions())

	guard.Release()
	assert.Equal(t, 0, gate.ActiveSessions())
}

func TestGateWaitersKeepEntryAlive(t *testing.T) {
	ctx := context.Background()
	gate := NewGate()

	first, err := gate.Acquire(ctx, "telegram:-100:888")
	require.NoError(t, err)

	enteredSecond := make(chan struct{})
	releaseSecond := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		second, err := gate.Acquire(ctx, "telegram:-100:888")
		if err != nil {
			return
		}
		close(enteredSecond)
		<-releaseSecond
		second.Release()
	}()

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, gate.ActiveSessions(),
		"entry should stay tracked while a same-session task is waiting")

	first.Release()
	select {
	case <-enteredSecond:
	case <-time.After(time.Second):
		t.Fatal("second acquire should enter after first guard drops")
	}

	enteredThird := make(chan struct{})
	go func() {
		third, err := gate.Acquire(ctx, "telegram:-100:888")
		if err != nil {
			return
		}
		close(enteredThird)
		third.Release()
	}()

	select {
	case <-enteredThird:
		t.Fatal("third acquire should wait while second guard is held")
	case <-time.After(60 * time.Millisecond):
	}

	close(releaseSecond)
	<-done
	select {
	case <-enteredThird:
	case <-time.After(time.Second):
		t.Fatal("third acquire should enter after second guard drops")
	}
	assert.Eventually(t, func() bool { return gate.ActiveSessions() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestGateAcquireRespectsContextCancellation(t *testing.T) {
	gate := NewGate()
	first, err := gate.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = gate.Acquire(ctx, "s1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The failed waiter must not leak an entry reference once the holder
	// releases.
	first.Release()
	assert.Equal(t, 0, gate.ActiveSessions())
}

func TestGateCriticalSectionsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	gate := NewGate()

	var inCritical atomic.Int32
	var overlap atomic.Bool
	done := make(chan struct{})

	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			guard, err := gate.Acquire(ctx, "shared")
			if err != nil {
				return
			}
			if inCritical.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			inCritical.Add(-1)
			guard.Release()
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.False(t, overlap.Load(), "two critical sections overlapped for the same session")
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gate := NewGate()
	guard, err := gate.Acquire(ctx, "s1")
	require.NoError(t, err)
	guard.Release()
	guard.Release()
	assert.Equal(t, 0, gate.ActiveSessions())

	// The slot is usable again after release.
	again, err := gate.Acquire(ctx, "s1")
	require.NoError(t, err)
	again.Release()
}

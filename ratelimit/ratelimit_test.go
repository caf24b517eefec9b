package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnlimitedNeverDelays(t *testing.T) {
	lim := New(0)
	require.Zero(t, lim.Delay(1<<20))
}

func TestWaitFreezableStoppableRespectsContextCancellation(t *testing.T) {
	lim := New(1) // 1 byte/sec, tiny burst
	// Drain the burst; a further request then cannot be satisfied before
	// ctx's deadline, so the wait must fail rather than succeed.
	lim.Increment(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lim.WaitFreezableStoppable(ctx, 1<<20)
	require.Error(t, err)
}

func TestIncrementChargesWithoutBlocking(t *testing.T) {
	lim := New(1000)
	done := make(chan struct{})
	go func() {
		lim.Increment(1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Increment must never block")
	}
}

func TestResetChangesSubsequentDelay(t *testing.T) {
	lim := New(1)
	lim.Increment(1)
	before := lim.Delay(100)
	lim.Reset(1 << 20)
	after := lim.Delay(100)
	require.Less(t, after, before)
}

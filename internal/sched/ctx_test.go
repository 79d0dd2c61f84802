package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWakeupResumesSleeper(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	ctx := New(&mu)

	done := make(chan error, 1)
	mu.Lock()
	go func() {
		mu.Lock()
		done <- ctx.Sleep(time.Time{})
		mu.Unlock()
	}()
	// give the goroutine a chance to register as a waiter
	for i := 0; i < 1000 && ctx.Waiters() == 0; i++ {
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
	}
	require.Equal(t, 1, ctx.Waiters())
	ctx.Wakeup()
	mu.Unlock()

	assert.NoError(t, <-done)
}

func TestInterruptBeforeSleep(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	ctx := New(&mu)

	mu.Lock()
	ctx.Interrupt()
	err := ctx.Sleep(time.Time{})
	mu.Unlock()

	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestInterruptClearsOnLastWaiter(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	ctx := New(&mu)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			mu.Lock()
			results <- ctx.Sleep(time.Time{})
			mu.Unlock()
		}()
	}

	for i := 0; i < 1000; i++ {
		mu.Lock()
		w := ctx.Waiters()
		mu.Unlock()
		if w == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	ctx.Interrupt()
	mu.Unlock()
	wg.Wait()
	close(results)

	for err := range results {
		assert.ErrorIs(t, err, ErrInterrupted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, ctx.Waiters())
	assert.NoError(t, ctx.Destroy())
}

func TestDestroyFailsWithWaiters(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	ctx := New(&mu)

	mu.Lock()
	go func() {
		mu.Lock()
		ctx.Sleep(time.Time{})
		mu.Unlock()
	}()
	for i := 0; i < 1000 && ctx.Waiters() == 0; i++ {
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
	}
	require.Equal(t, 1, ctx.Waiters())
	assert.ErrorIs(t, ctx.Destroy(), ErrBusy)
	ctx.Wakeup()
	mu.Unlock()
}

func TestSleepDeadlineExpires(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	ctx := New(&mu)

	mu.Lock()
	err := ctx.Sleep(time.Now().Add(20 * time.Millisecond))
	mu.Unlock()

	assert.NoError(t, err)
}

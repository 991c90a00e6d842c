package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExactlyLimitAcquisitionsSucceed(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := New().WithClock(func() time.Time { return current })

	for i := 0; i < 5; i++ {
		allowed, _ := limiter.TryAcquire("login:1.2.3.4", 5, time.Minute)
		assert.True(t, allowed, "acquisition %d", i)
	}

	allowed, retryAfter := limiter.TryAcquire("login:1.2.3.4", 5, time.Minute)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestWindowResets(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := New().WithClock(func() time.Time { return current })

	for i := 0; i < 3; i++ {
		limiter.TryAcquire("k", 3, time.Minute)
	}
	allowed, _ := limiter.TryAcquire("k", 3, time.Minute)
	assert.False(t, allowed)

	current = current.Add(time.Minute)
	allowed, _ = limiter.TryAcquire("k", 3, time.Minute)
	assert.True(t, allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	limiter := New()

	allowed, _ := limiter.TryAcquire("a", 1, time.Minute)
	assert.True(t, allowed)
	allowed, _ = limiter.TryAcquire("a", 1, time.Minute)
	assert.False(t, allowed)

	allowed, _ = limiter.TryAcquire("b", 1, time.Minute)
	assert.True(t, allowed)
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
	limiter := New()
	for i := 0; i < 100; i++ {
		allowed, _ := limiter.TryAcquire("k", 0, time.Minute)
		assert.True(t, allowed)
	}
}

func TestConcurrentCallersShareOneCounter(t *testing.T) {
	limiter := New()

	const attempts = 100
	const limit = 40

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, _ := limiter.TryAcquire("shared", limit, time.Minute)
			if allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, allowedCount)
}

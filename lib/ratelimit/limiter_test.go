package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFailureLimiterBlocksAfterBurst(t *testing.T) {
	fl := NewFailureLimiter(0.001, 3, time.Minute)
	defer fl.Close()

	assert.False(t, fl.Blocked("10.0.0.1"))
	assert.False(t, fl.Fail("10.0.0.1"))
	assert.False(t, fl.Fail("10.0.0.1"))
	assert.True(t, fl.Fail("10.0.0.1"), "third failure empties the bucket")
	assert.True(t, fl.Blocked("10.0.0.1"))

	// Keys are independent.
	assert.False(t, fl.Blocked("10.0.0.2"))
}

func TestFailureLimiterRefill(t *testing.T) {
	fl := NewFailureLimiter(100, 2, time.Minute)
	defer fl.Close()

	fl.Fail("host")
	fl.Fail("host")
	assert.True(t, fl.Blocked("host"))

	// 100 tokens/sec refills one token well within 50ms.
	assert.Eventually(t, func() bool { return !fl.Blocked("host") }, time.Second, 10*time.Millisecond)
}

func TestFailureLimiterSweep(t *testing.T) {
	fl := NewFailureLimiter(1000, 1, time.Millisecond)
	defer fl.Close()

	fl.Fail("a")
	fl.Fail("b")
	assert.LessOrEqual(t, fl.Len(), 2)

	fl.sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 0, fl.Len())
}

func TestFailureLimiterConcurrent(t *testing.T) {
	fl := NewFailureLimiter(0.001, 50, time.Minute)
	defer fl.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fl.Fail("shared")
		}()
	}
	wg.Wait()

	assert.True(t, fl.Blocked("shared"))
	assert.Equal(t, 1, fl.Len())
}

func TestFailureLimiterCloseTwice(t *testing.T) {
	fl := NewFailureLimiter(1, 1, time.Minute)
	fl.Close()
	fl.Close()
}

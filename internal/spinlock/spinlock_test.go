package spinlock_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romankurakin/bullfinch/internal/spinlock"
)

func TestMutualExclusion(t *testing.T) {
	var lock spinlock.Ticket
	var counter int64
	var inside int32
	var wg sync.WaitGroup

	const goroutines = 16
	const iterations = 500
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				lock.Acquire()
				if atomic.AddInt32(&inside, 1) != 1 {
					t.Error("mutual exclusion violated")
				}
				counter++
				atomic.AddInt32(&inside, -1)
				lock.Release()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(goroutines*iterations), counter)
}

func TestTryAcquire(t *testing.T) {
	var lock spinlock.Ticket
	require.True(t, lock.TryAcquire())
	require.False(t, lock.TryAcquire())
	lock.Release()
	require.True(t, lock.TryAcquire())
	lock.Release()
}

type fakeIRQ struct {
	enabled bool
}

func (f *fakeIRQ) DisableInterrupts() bool {
	was := f.enabled
	f.enabled = false
	return was
}

func (f *fakeIRQ) EnableInterrupts(was bool) {
	f.enabled = was
}

func TestGuardRestoresInterruptState(t *testing.T) {
	var lock spinlock.Ticket
	irq := &fakeIRQ{enabled: true}

	g := spinlock.AcquireGuarded(&lock, irq)
	require.False(t, irq.enabled)
	g.Release()
	require.True(t, irq.enabled)
}

func TestOnceFirstCallerWins(t *testing.T) {
	var once spinlock.Once
	require.True(t, once.TryOnce())
	require.False(t, once.TryOnce())
	require.True(t, once.Done())
}

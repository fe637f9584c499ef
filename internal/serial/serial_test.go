package serial

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meow-io/go-ready/clock"
	"github.com/meow-io/go-ready/task"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRunner() *Runner {
	log := zap.NewNop().Sugar()
	return NewRunner(log, task.NewRegistry(log, clock.NewSystemClock(), time.Minute))
}

func TestSameKeyNeverOverlaps(t *testing.T) {
	require := require.New(t)
	r := newTestRunner()
	var running int32
	var overlapped atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Do("peer", "job", func() error {
				if atomic.AddInt32(&running, 1) > 1 {
					overlapped.Store(true)
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			require.Nil(err)
		}()
	}
	wg.Wait()
	require.False(overlapped.Load())
}

func TestDifferentKeysRunInParallel(t *testing.T) {
	require := require.New(t)
	r := newTestRunner()
	both := make(chan struct{})
	var entered int32
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Do(key, "job", func() error {
				if atomic.AddInt32(&entered, 1) == 2 {
					close(both)
				}
				select {
				case <-both:
					return nil
				case <-time.After(time.Second):
					t.Error("keys never overlapped")
					return nil
				}
			})
		}()
	}
	wg.Wait()
	require.Equal(int32(2), entered)
}

func TestSubmissionOrderPreserved(t *testing.T) {
	require := require.New(t)
	r := newTestRunner()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	// Block the queue so later submissions stack up behind it in order.
	release := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.Do("peer", "gate", func() error {
			<-release
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Do("peer", "ordered", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()
	require.Equal([]int{0, 1, 2, 3, 4}, order)
}

func TestQueuesAreCollectedWhenIdle(t *testing.T) {
	require := require.New(t)
	r := newTestRunner()
	require.Nil(r.Do("peer", "job", func() error { return nil }))
	r.Wait()
	require.Equal(0, r.QueueCount())
}

func TestJobTimeoutIsTaskLevel(t *testing.T) {
	require := require.New(t)
	log := zap.NewNop().Sugar()
	r := NewRunner(log, task.NewRegistry(log, clock.NewSystemClock(), 10*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	err := r.Do("peer", "slow", func() error {
		<-release
		return nil
	})
	var te *task.TimeoutError
	require.ErrorAs(err, &te)
}

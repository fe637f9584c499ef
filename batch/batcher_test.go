package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestBatcherFlushesOnMaxSize(t *testing.T) {
	require := require.New(t)
	var mu sync.Mutex
	var batches [][]int
	b := New(nopLogger(), "test", time.Hour, 3, func(items []int) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, items)
	})
	defer b.Shutdown()

	for i := 0; i < 7; i++ {
		b.Add(i)
	}
	b.FlushAndWait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal([][]int{{0, 1, 2}, {3, 4, 5}, {6}}, batches)
}

func TestBatcherFlushesOnTimer(t *testing.T) {
	require := require.New(t)
	processed := make(chan []string, 1)
	b := New(nopLogger(), "test", 20*time.Millisecond, 100, func(items []string) {
		processed <- items
	})
	defer b.Shutdown()

	b.Add("a")
	b.Add("b")
	select {
	case items := <-processed:
		require.Equal([]string{"a", "b"}, items)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestBatcherPreservesOrderAcrossWindows(t *testing.T) {
	require := require.New(t)
	var mu sync.Mutex
	var seen []int
	b := New(nopLogger(), "test", time.Hour, 5, func(items []int) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, items...)
	})
	defer b.Shutdown()

	for i := 0; i < 50; i++ {
		b.Add(i)
	}
	b.FlushAndWait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(seen, 50)
	for i, v := range seen {
		require.Equal(i, v)
	}
}

func TestBatcherOnIdle(t *testing.T) {
	require := require.New(t)
	var count int
	var mu sync.Mutex
	b := New(nopLogger(), "test", 10*time.Millisecond, 10, func(items []int) {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		count += len(items)
		mu.Unlock()
	})
	defer b.Shutdown()

	for i := 0; i < 4; i++ {
		b.Add(i)
	}
	b.OnIdle()
	mu.Lock()
	defer mu.Unlock()
	require.Equal(4, count)
	require.Equal(0, b.Count())
}

func TestBatcherShutdownDrains(t *testing.T) {
	require := require.New(t)
	var mu sync.Mutex
	var seen []int
	b := New(nopLogger(), "test", time.Hour, 100, func(items []int) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, items...)
	})
	b.Add(1)
	b.Add(2)
	b.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.Equal([]int{1, 2}, seen)
}

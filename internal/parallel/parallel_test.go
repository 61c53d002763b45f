package parallel

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestFor(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 4, MinChunkSize: 8}

	var counter int64
	For(1000, cfg, func(_ int) {
		atomic.AddInt64(&counter, 1)
	})
	assert.Equal(t, int64(1000), counter)
}

func TestForSequential(t *testing.T) {
	var seen []int
	For(5, Config{Enabled: false}, func(i int) {
		seen = append(seen, i)
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestRangeSmallInputStaysInline(t *testing.T) {
	var calls int
	Range(100, DefaultConfig(), func(lo, hi int) {
		calls++
		assert.Equal(t, 0, lo)
		assert.Equal(t, 100, hi)
	})
	assert.Equal(t, 1, calls)

	Range(0, DefaultConfig(), func(_, _ int) { t.Fatal("called for empty range") })
}

func TestRangeCoversExactlyOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 5000).Draw(t, "n")
		cfg := Config{
			Enabled:      true,
			NumWorkers:   rapid.IntRange(1, 16).Draw(t, "workers"),
			MinChunkSize: rapid.IntRange(1, 512).Draw(t, "chunk"),
		}

		hits := make([]int32, n)
		var mu sync.Mutex
		var ranges int
		Range(n, cfg, func(lo, hi int) {
			mu.Lock()
			ranges++
			mu.Unlock()
			for i := lo; i < hi; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("index %d visited %d times", i, h)
			}
		}
		if ranges > cfg.NumWorkers && n > 0 {
			t.Fatalf("%d ranges for %d workers", ranges, cfg.NumWorkers)
		}
	})
}

package metrics

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHistogram_DefaultWindow(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultWindowSize, NewHistogram(0).WindowSize())
	assert.Equal(t, DefaultWindowSize, NewHistogram(-5).WindowSize())
	assert.Equal(t, 10, NewHistogram(10).WindowSize())
}

func TestHistogram_EmptyWindowHasNoData(t *testing.T) {
	t.Parallel()

	h := NewHistogram(10)

	v, ok := h.Percentile(0.99)
	assert.False(t, ok)
	assert.Zero(t, v)

	s := h.Summary()
	assert.True(t, s.NoData)
	assert.Zero(t, s.Count)
}

func TestHistogram_SingleSample(t *testing.T) {
	t.Parallel()

	h := NewHistogram(1)
	h.Record(42 * time.Millisecond)

	// floor(0.99*1) = 0, floor(1.0*1) = 1 which clamps to 0.
	for _, p := range []float64{0, 0.5, 0.99, 1} {
		v, ok := h.Percentile(p)
		require.True(t, ok)
		assert.Equal(t, 42*time.Millisecond, v, "p=%v", p)
	}
}

func TestHistogram_Percentiles(t *testing.T) {
	t.Parallel()

	h := NewHistogram(100)
	// Insert out of order to make sure readers sort.
	for i := 100; i >= 1; i-- {
		h.Record(time.Duration(i) * time.Millisecond)
	}

	tests := []struct {
		name string
		p    float64
		want time.Duration
	}{
		{"p0", 0, 1 * time.Millisecond},
		{"p50", 0.50, 51 * time.Millisecond},
		{"p90", 0.90, 91 * time.Millisecond},
		{"p99", 0.99, 100 * time.Millisecond},
		{"p100 clamps", 1, 100 * time.Millisecond},
		{"above one clamps", 1.7, 100 * time.Millisecond},
		{"negative clamps", -0.3, 1 * time.Millisecond},
		{"NaN treated as zero", math.NaN(), 1 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := h.Percentile(tt.p)
			require.True(t, ok)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestHistogram_EvictsOldest(t *testing.T) {
	t.Parallel()

	h := NewHistogram(3)
	h.Record(1 * time.Second)
	h.Record(2 * time.Millisecond)
	h.Record(3 * time.Millisecond)
	h.Record(4 * time.Millisecond) // evicts the 1s sample

	assert.Equal(t, 3, h.Len())

	s := h.Summary()
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, int64(4), s.Total)
	assert.Equal(t, 2*time.Millisecond, s.Min)
	assert.Equal(t, 4*time.Millisecond, s.Max)
	assert.Equal(t, 3*time.Millisecond, s.Mean)
}

func TestHistogram_ConcurrentRecordAndRead(t *testing.T) {
	t.Parallel()

	h := NewHistogram(50)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h.Record(time.Duration(w*1000+i) * time.Microsecond)
				if i%10 == 0 {
					_, _ = h.Percentile(0.9)
					_ = h.Summary()
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 50, h.Len())
	assert.Equal(t, int64(1600), h.Summary().Total)
}

func TestHistogram_SummaryCountMatchesTotalBeforeEviction(t *testing.T) {
	t.Parallel()

	h := NewHistogram(10000)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h.Record(time.Millisecond)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		s := h.Summary()
		require.Equal(t, int64(s.Count), s.Total)
		select {
		case <-done:
			assert.Equal(t, int64(2000), h.Summary().Total)
			return
		default:
		}
	}
}

func TestPercentileIndex(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, percentileIndex(0.99, 1))
	assert.Equal(t, 9, percentileIndex(1, 10))
	assert.Equal(t, 9, percentileIndex(0.99, 10))
	assert.Equal(t, 5, percentileIndex(0.5, 10))
	assert.Equal(t, 0, percentileIndex(-1, 10))
}

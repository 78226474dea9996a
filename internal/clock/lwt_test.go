package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLWTStrictlyIncreasingOnStalledClock(t *testing.T) {
	t.Parallel()
	src := NewLWT(Fixed{T: time.UnixMilli(1_700_000_000_000)})
	first := src.Next()
	second := src.Next()
	third := src.Next()
	assert.Equal(t, int64(170_000_000_000_000), first)
	assert.Equal(t, first+1, second)
	assert.Equal(t, second+1, third)
}

func TestLWTObserve(t *testing.T) {
	t.Parallel()
	src := NewLWT(Fixed{T: time.UnixMilli(1000)})
	src.Observe(500_000)
	assert.Equal(t, int64(500_001), src.Next())
	src.Observe(10)
	assert.Equal(t, int64(500_002), src.Next())
}

func TestMillisRoundTrip(t *testing.T) {
	t.Parallel()
	for _, v := range []int64{0, 1, 99, 170_000_000_000_123} {
		assert.Equal(t, v, FromMillis(ToMillis(v)))
	}
	assert.Equal(t, int64(123457), FromMillis(1234.567))
}

package clock

import (
	"math"
	"sync"
)

// LWT issues last-write-time stamps. Values are milliseconds since the Unix
// epoch with a resolution of 1/100 ms and are strictly increasing per
// instance, even when the wall clock stalls or steps backwards.
type LWT struct {
	mu   sync.Mutex
	clk  Clock
	last int64
}

// NewLWT returns a stamp source backed by clk (RealClock when nil).
func NewLWT(clk Clock) *LWT {
	if clk == nil {
		clk = RealClock{}
	}
	return &LWT{clk: clk}
}

// Next returns the next stamp in hundredths of a millisecond.
func (l *LWT) Next() int64 {
	now := l.clk.Now().UnixNano() / 10_000
	l.mu.Lock()
	if now > l.last {
		l.last = now
	} else {
		l.last++
	}
	v := l.last
	l.mu.Unlock()
	return v
}

// Observe advances the source so later stamps sort after v.
func (l *LWT) Observe(v int64) {
	l.mu.Lock()
	if v > l.last {
		l.last = v
	}
	l.mu.Unlock()
}

// ToMillis converts a stamp to the float milliseconds used on the wire.
func ToMillis(v int64) float64 {
	return float64(v) / 100
}

// FromMillis converts wire milliseconds back to a stamp, rounding to the
// nearest hundredth.
func FromMillis(ms float64) int64 {
	return int64(math.Round(ms * 100))
}

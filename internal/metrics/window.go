package metrics

import (
	"sort"
	"sync"
)

// windowSize is how many recent completions feed the rolling percentiles.
const windowSize = 200

// latencyWindow keeps a ring of the last windowSize completion latencies
// (milliseconds) and computes percentiles over them. Safe for concurrent use.
type latencyWindow struct {
	mu     sync.Mutex
	buf    [windowSize]float64
	next   int
	filled int
}

func (w *latencyWindow) Observe(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf[w.next] = ms
	w.next = (w.next + 1) % windowSize
	if w.filled < windowSize {
		w.filled++
	}
}

// Percentiles returns p50, p95, and p99 over the window, or zeros when no
// completion has been observed yet.
func (w *latencyWindow) Percentiles() (p50, p95, p99 float64) {
	w.mu.Lock()
	sorted := make([]float64, w.filled)
	copy(sorted, w.buf[:w.filled])
	w.mu.Unlock()

	if len(sorted) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(sorted)
	return quantile(sorted, 0.50), quantile(sorted, 0.95), quantile(sorted, 0.99)
}

// quantile uses nearest-rank on an ascending slice.
func quantile(sorted []float64, q float64) float64 {
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

package observability

import (
	"sort"
	"sync"
	"time"
)

// OpLatency summarizes the recent latencies of one entity operation.
type OpLatency struct {
	Op      string  `json:"op"`
	Count   uint64  `json:"count"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	MaxMS   float64 `json:"max_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time   `json:"generated_at"`
	WindowSize  int         `json:"window_size"`
	Ops         []OpLatency `json:"ops"`
}

// latencyWindow retains the most recent size samples of every op. Count keeps
// growing after the ring wraps.
type latencyWindow struct {
	mu   sync.Mutex
	size int
	ops  map[string]*opRing
}

type opRing struct {
	samples []time.Duration
	count   uint64
	last    time.Duration
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 512
	}
	return &latencyWindow{size: size, ops: make(map[string]*opRing)}
}

func (w *latencyWindow) observe(op string, d time.Duration) {
	if op == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring, ok := w.ops[op]
	if !ok {
		ring = &opRing{samples: make([]time.Duration, 0, w.size)}
		w.ops[op] = ring
	}
	if len(ring.samples) < w.size {
		ring.samples = append(ring.samples, d)
	} else {
		ring.samples[ring.count%uint64(w.size)] = d
	}
	ring.count++
	ring.last = d
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	out := LatencySnapshot{GeneratedAt: time.Now().UTC(), WindowSize: w.size}
	for op, ring := range w.ops {
		sorted := append([]time.Duration(nil), ring.samples...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		out.Ops = append(out.Ops, OpLatency{
			Op:      op,
			Count:   ring.count,
			Samples: len(sorted),
			LastMS:  millis(ring.last),
			MaxMS:   millis(sorted[len(sorted)-1]),
			P50MS:   millis(nearestRank(sorted, 50)),
			P95MS:   millis(nearestRank(sorted, 95)),
			P99MS:   millis(nearestRank(sorted, 99)),
		})
	}
	w.mu.Unlock()
	sort.Slice(out.Ops, func(i, j int) bool { return out.Ops[i].Op < out.Ops[j].Op })
	return out
}

// nearestRank returns the smallest sample with at least pct percent of the
// samples at or below it. sorted must not be empty.
func nearestRank(sorted []time.Duration, pct int) time.Duration {
	rank := (pct*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

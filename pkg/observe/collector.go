package observe

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const defaultWindow = 1000

type event struct {
	duration time.Duration
	success  bool
}

// ring is a fixed-capacity circular buffer of events.
type ring struct {
	buf  []event
	next int
	full bool
}

func (r *ring) add(e event) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) snapshot() []event {
	if r.full {
		out := make([]event, len(r.buf))
		copy(out, r.buf[r.next:])
		copy(out[len(r.buf)-r.next:], r.buf[:r.next])
		return out
	}
	out := make([]event, r.next)
	copy(out, r.buf[:r.next])
	return out
}

// Stats summarizes the sliding window of one operation. Durations are in milliseconds.
type Stats struct {
	Operation   string  `json:"operation"`
	Count       int     `json:"count"`
	SuccessRate float64 `json:"success_rate"`
	AvgMs       float64 `json:"avg_ms"`
	MinMs       float64 `json:"min_ms"`
	MaxMs       float64 `json:"max_ms"`
	P95Ms       float64 `json:"p95_ms"`
	P99Ms       float64 `json:"p99_ms"`
}

// Collector keeps the last N events per operation behind a single mutex.
type Collector struct {
	mu     sync.Mutex
	window int
	ops    map[string]*ring
}

// NewCollector creates a collector with a window of size events per operation
// (1000 when size <= 0).
func NewCollector(size int) *Collector {
	if size <= 0 {
		size = defaultWindow
	}
	return &Collector{window: size, ops: make(map[string]*ring)}
}

// Record appends one event.
func (c *Collector) Record(operation string, d time.Duration, success bool) {
	c.mu.Lock()
	r, ok := c.ops[operation]
	if !ok {
		r = &ring{buf: make([]event, c.window)}
		c.ops[operation] = r
	}
	r.add(event{duration: d, success: success})
	c.mu.Unlock()
}

// Stats computes the summary for one operation; the zero Stats when unseen.
func (c *Collector) Stats(operation string) Stats {
	c.mu.Lock()
	r, ok := c.ops[operation]
	var events []event
	if ok {
		events = r.snapshot()
	}
	c.mu.Unlock()
	return summarize(operation, events)
}

// Snapshot returns stats for every recorded operation, sorted by name.
func (c *Collector) Snapshot() []Stats {
	c.mu.Lock()
	names := make([]string, 0, len(c.ops))
	windows := make(map[string][]event, len(c.ops))
	for name, r := range c.ops {
		names = append(names, name)
		windows[name] = r.snapshot()
	}
	c.mu.Unlock()

	sort.Strings(names)
	out := make([]Stats, 0, len(names))
	for _, name := range names {
		out = append(out, summarize(name, windows[name]))
	}
	return out
}

func summarize(operation string, events []event) Stats {
	s := Stats{Operation: operation, Count: len(events)}
	if len(events) == 0 {
		return s
	}
	ms := make([]float64, len(events))
	ok := 0
	for i, e := range events {
		ms[i] = float64(e.duration.Microseconds()) / 1000
		if e.success {
			ok++
		}
	}
	sort.Float64s(ms)
	s.SuccessRate = float64(ok) / float64(len(events))
	s.AvgMs = stat.Mean(ms, nil)
	s.MinMs = ms[0]
	s.MaxMs = ms[len(ms)-1]
	s.P95Ms = stat.Quantile(0.95, stat.Empirical, ms, nil)
	s.P99Ms = stat.Quantile(0.99, stat.Empirical, ms, nil)
	return s
}

package progress

import (
	"sync"
	"time"
)

const (
	sampleEvery = 10
	maxSamples  = 10
)

// Tracker estimates throughput as a moving average over the last samples,
// one sample per sampleEvery completions, and derives an ETA from it.
type Tracker struct {
	mu         sync.Mutex
	total      int
	done       int
	start      time.Time
	lastSample time.Time
	samples    []float64
	now        func() time.Time
}

func NewTracker(total int) *Tracker {
	t := &Tracker{total: total, now: time.Now}
	t.start = t.now()
	t.lastSample = t.start
	return t
}

// Observe records one finished task.
func (t *Tracker) Observe() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done++
	if t.done%sampleEvery != 0 {
		return
	}
	now := t.now()
	if elapsed := now.Sub(t.lastSample).Seconds(); elapsed > 0 {
		t.samples = append(t.samples, sampleEvery/elapsed)
		if len(t.samples) > maxSamples {
			t.samples = t.samples[1:]
		}
	}
	t.lastSample = now
}

func (t *Tracker) SetTotal(total int) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

type Estimate struct {
	Done       int           `json:"done"`
	Remaining  int           `json:"remaining"`
	Throughput float64       `json:"throughput_per_sec"`
	ETA        time.Duration `json:"eta_ns"`
}

func (t *Tracker) Estimate() Estimate {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := Estimate{Done: t.done, Remaining: max(0, t.total-t.done)}
	if len(t.samples) > 0 {
		sum := 0.0
		for _, s := range t.samples {
			sum += s
		}
		e.Throughput = sum / float64(len(t.samples))
	} else if elapsed := t.now().Sub(t.start).Seconds(); elapsed > 0 {
		e.Throughput = float64(t.done) / elapsed
	}
	if e.Throughput > 0 {
		e.ETA = time.Duration(float64(e.Remaining) / e.Throughput * float64(time.Second))
	}
	return e
}

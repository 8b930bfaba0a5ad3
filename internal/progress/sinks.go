package progress

import (
	"encoding/json"
	"io"
	"scrapeq/internal/ports"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	_ ports.ProgressSink = Nop{}
	_ ports.ProgressSink = (*LogSink)(nil)
	_ ports.ProgressSink = (*Ring)(nil)
	_ ports.ProgressSink = (*JSONLineSink)(nil)
	_ ports.ProgressSink = Fanout(nil)
	_ ports.ProgressSink = (*Async)(nil)
)

type Nop struct{}

func (Nop) Emit(string, map[string]any) {}

// LogSink mirrors events into the log at debug level.
type LogSink struct {
	Logger zerolog.Logger
}

func (s *LogSink) Emit(eventType string, payload map[string]any) {
	s.Logger.Debug().Str("event", eventType).Fields(payload).Msg("progress")
}

// Ring keeps the most recent events in memory.
type Ring struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{events: make([]Event, size)}
}

func (r *Ring) Emit(eventType string, payload map[string]any) {
	ev := NewEvent(eventType, payload)
	r.mu.Lock()
	r.events[r.next] = ev
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Recent returns up to n events, oldest first. n <= 0 returns all of them.
func (r *Ring) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []Event
	if r.full {
		all = append(all, r.events[r.next:]...)
	}
	all = append(all, r.events[:r.next]...)
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// JSONLineSink writes one "PROGRESS:{json}" line per event, for processes
// that supervise a run through its stdout.
type JSONLineSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONLineSink(w io.Writer) *JSONLineSink { return &JSONLineSink{w: w} }

func (s *JSONLineSink) Emit(eventType string, payload map[string]any) {
	line := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		line[k] = v
	}
	line["type"] = eventType
	line["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(line)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(append(append([]byte("PROGRESS:"), b...), '\n'))
}

// Fanout delivers every event to all sinks in order.
type Fanout []ports.ProgressSink

func (f Fanout) Emit(eventType string, payload map[string]any) {
	for _, s := range f {
		s.Emit(eventType, payload)
	}
}

type emitted struct {
	eventType string
	payload   map[string]any
}

// Async decouples emitters from slow sinks. Events are dropped when the
// buffer is full or the sink is closed.
type Async struct {
	inner   ports.ProgressSink
	ch      chan emitted
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewAsync(inner ports.ProgressSink, buffer int) *Async {
	a := &Async{
		inner: inner,
		ch:    make(chan emitted, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.Emit(ev.eventType, ev.payload)
	}
}

func (a *Async) Emit(eventType string, payload map[string]any) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.ch <- emitted{eventType: eventType, payload: payload}:
	default:
		a.dropped.Add(1)
	}
}

func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close flushes buffered events and stops the forwarding goroutine.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
}

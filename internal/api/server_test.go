package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"scrapeq/internal/progress"
	"scrapeq/internal/usecase"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct{ snap usecase.Snapshot }

func (f fakeStats) Snapshot(context.Context) usecase.Snapshot { return f.snap }

func newTestServer() (*Server, *progress.Ring) {
	ring := progress.NewRing(10)
	snap := usecase.Snapshot{
		Running:      true,
		Pending:      3,
		QueueLen:     2,
		Circuit:      "open",
		CurrentDelay: 9 * time.Second,
		Stats:        usecase.Stats{Submitted: 5, Processed: 2, Success: 1, Retried: 1},
		Slots:        []usecase.SlotSnapshot{{ID: 0, Busy: true, TaskID: "abc"}, {ID: 1}},
	}
	return NewServer(fakeStats{snap: snap}, ring), ring
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Healthz(t *testing.T) {
	s, _ := newTestServer()
	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Stats(t *testing.T) {
	s, _ := newTestServer()
	rec := get(t, s.Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var got usecase.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Running)
	assert.Equal(t, int64(3), got.Pending)
	assert.Equal(t, 5, got.Stats.Submitted)
	assert.Len(t, got.Slots, 2)
}

func TestServer_Events(t *testing.T) {
	s, ring := newTestServer()
	for i := 0; i < 5; i++ {
		ring.Emit(string(progress.EventJobComplete), map[string]any{"i": i})
	}

	rec := get(t, s.Handler(), "/events?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []progress.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, float64(4), events[1].Payload["i"])

	rec = get(t, s.Handler(), "/events?limit=nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_EventsEmpty(t *testing.T) {
	s, _ := newTestServer()
	rec := get(t, s.Handler(), "/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer()
	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `scrapeq_tasks_total{result="success"} 1`)
	assert.Contains(t, body, "scrapeq_tasks_pending 3")
	assert.Contains(t, body, "scrapeq_circuit_open 1")
	assert.Contains(t, body, "scrapeq_workers_busy 1")
	assert.Contains(t, body, "scrapeq_delay_seconds 9.000000")
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s, _ := newTestServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 0) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

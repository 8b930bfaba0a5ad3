package api

import (
	"fmt"
	"io"
	"net/http"
	"scrapeq/internal/usecase"
)

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeMetrics(w, s.stats.Snapshot(r.Context()))
}

func writeMetrics(w io.Writer, snap usecase.Snapshot) {
	st := snap.Stats
	fmt.Fprintf(w, "# HELP scrapeq_tasks_total Task dispositions by result\n# TYPE scrapeq_tasks_total counter\n")
	for _, c := range []struct {
		result string
		n      int
	}{
		{"success", st.Success},
		{"expired", st.Expired},
		{"failed", st.Failed},
		{"retried", st.Retried},
		{"skipped", st.Skipped},
		{"discarded", st.Discarded},
	} {
		fmt.Fprintf(w, "scrapeq_tasks_total{result=%q} %d\n", c.result, c.n)
	}
	fmt.Fprintf(w, "# HELP scrapeq_tasks_submitted_total Tasks accepted into the run\n# TYPE scrapeq_tasks_submitted_total counter\nscrapeq_tasks_submitted_total %d\n", st.Submitted)
	fmt.Fprintf(w, "# HELP scrapeq_tasks_pending Tasks not yet in a terminal state\n# TYPE scrapeq_tasks_pending gauge\nscrapeq_tasks_pending %d\n", snap.Pending)
	fmt.Fprintf(w, "# HELP scrapeq_queue_depth Tasks waiting in the queue\n# TYPE scrapeq_queue_depth gauge\nscrapeq_queue_depth %d\n", snap.QueueLen)
	fmt.Fprintf(w, "# HELP scrapeq_delay_seconds Current adaptive dispatch delay\n# TYPE scrapeq_delay_seconds gauge\nscrapeq_delay_seconds %f\n", snap.CurrentDelay.Seconds())
	fmt.Fprintf(w, "# HELP scrapeq_cooldown_seconds Remaining global cooldown\n# TYPE scrapeq_cooldown_seconds gauge\nscrapeq_cooldown_seconds %f\n", snap.CooldownLeft.Seconds())
	fmt.Fprintf(w, "# HELP scrapeq_consecutive_429 Outstanding rate limit responses\n# TYPE scrapeq_consecutive_429 gauge\nscrapeq_consecutive_429 %d\n", snap.Consecutive429)
	fmt.Fprintf(w, "# HELP scrapeq_tokens_available Token bucket level\n# TYPE scrapeq_tokens_available gauge\nscrapeq_tokens_available %f\n", snap.TokensAvailable)
	fmt.Fprintf(w, "# HELP scrapeq_429_budget_used Global 429 retries granted\n# TYPE scrapeq_429_budget_used counter\nscrapeq_429_budget_used %d\n", snap.Used429Budget)

	open := 0
	if snap.Circuit == "open" {
		open = 1
	}
	fmt.Fprintf(w, "# HELP scrapeq_circuit_open Whether the circuit breaker is open\n# TYPE scrapeq_circuit_open gauge\nscrapeq_circuit_open %d\n", open)

	busy := 0
	for _, slot := range snap.Slots {
		if slot.Busy {
			busy++
		}
	}
	fmt.Fprintf(w, "# HELP scrapeq_workers_busy Workers with a task in flight\n# TYPE scrapeq_workers_busy gauge\nscrapeq_workers_busy %d\n", busy)
}

package progress

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventSchedulerStart  EventType = "scheduler_start"
	EventJobDispatch     EventType = "job_dispatch"
	EventJobComplete     EventType = "job_complete"
	EventSlotWaiting     EventType = "slot_waiting"
	EventSlotIdle        EventType = "slot_idle"
	EventCircuitState    EventType = "circuit_state"
	EventRateLimited     EventType = "rate_limited"
	EventWorkerStarved   EventType = "worker_starved"
	EventDeadlockWarning EventType = "deadlock_warning"
	EventSessionExpired  EventType = "session_expired"
	EventSchedulerFinish EventType = "scheduler_finish"
)

// Event is one progress notification as kept by Ring and served by the API.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

func NewEvent(eventType string, payload map[string]any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Time:    time.Now(),
		Payload: payload,
	}
}

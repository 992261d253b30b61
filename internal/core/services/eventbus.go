package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/labrunner/internal/core/domain"
)

type EventType string

const (
	EventTypeStatus   EventType = "status"
	EventTypeProgress EventType = "progress"
	EventTypeLog      EventType = "log"
)

// Event is one observable change of a job, keyed by job id.
type Event struct {
	JobID     domain.JobID     `json:"job_id"`
	Type      EventType        `json:"type"`
	Status    domain.JobStatus `json:"status"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Terminal reports whether the event carries a terminal job state.
func (e Event) Terminal() bool {
	return e.Status.State.IsTerminal()
}

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.JobID][]chan Event
	buffer int
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.JobID][]chan Event),
		buffer: 100,
	}
}

// Subscribe returns a channel that receives events for a specific job
func (b *EventBus) Subscribe(jobID domain.JobID) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer) // Buffer to prevent blocking publisher
	b.subs[jobID] = append(b.subs[jobID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[jobID]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[jobID] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
		})
	}

	return ch, unsub
}

// Publish sends an event to all subscribers of the job without blocking.
// A subscriber whose buffer is full misses the event, except for terminal
// status events: those evict the oldest buffered event so the subscriber
// always learns how the job ended.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	terminal := e.Type == EventTypeStatus && e.Terminal()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.JobID] {
		select {
		case ch <- e:
			continue
		default:
		}
		if terminal {
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
				b.logger.Warn("event bus channel full, evicted oldest event", "job_id", e.JobID)
				continue
			default:
			}
		}
		b.logger.Warn("event bus channel full, dropping event", "job_id", e.JobID, "type", e.Type)
	}
}

// publishJob is a helper for the common "job changed" event.
func (b *EventBus) publishJob(eventType EventType, job domain.Job, message string) {
	b.Publish(Event{
		JobID:   job.ID,
		Type:    eventType,
		Status:  job.Status(),
		Message: message,
	})
}

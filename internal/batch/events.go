package batch

import "github.com/neolens/backend/internal/models"

// EventKind identifies what happened in a run session.
type EventKind string

const (
	EventSelected  EventKind = "selected"
	EventStarted   EventKind = "started"
	EventFileStart EventKind = "file_started"
	EventFileDone  EventKind = "file_done"
	EventCompleted EventKind = "completed"
	EventReset     EventKind = "reset"
)

// Event is a single progress notification.
type Event struct {
	Kind     EventKind         `json:"kind"`
	Epoch    uint64            `json:"epoch"`
	File     string            `json:"file,omitempty"`
	Index    int               `json:"index"`  // Position in the valid queue, -1 for session events
	Worker   int               `json:"worker"` // -1 for session events
	Status   models.FileStatus `json:"status,omitempty"`
	Progress models.Progress   `json:"progress"`
}

// publish delivers ev to every subscriber without blocking; a subscriber with
// a full buffer misses the event. Callers hold r.mu.
func (r *Runner) publish(ev Event) {
	for _, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a progress observer. The returned function
// unsubscribes and closes the channel.
func (r *Runner) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	r.mu.Unlock()

	var once bool
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if once {
			return
		}
		once = true
		delete(r.subscribers, id)
		close(ch)
	}
}

package events

import (
	"sync"

	"escrowd/core/types"
)

// payloadCarrier is implemented by emitted events that carry a full structured
// payload beyond their type string.
type payloadCarrier interface {
	Event() *types.Event
}

// Recorded is a single retained event with its assigned sequence number.
// Sequences start at 1 and are never reused, even after history trimming.
type Recorded struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Recorder is an Emitter that keeps a bounded in-memory history and fans
// events out to live subscribers. Slow subscribers are skipped rather than
// blocking the emitting operation.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	nextSeq  uint64
	history  []Recorded
	subs     map[int]chan Recorded
	subSeq   int
}

// NewRecorder creates a recorder retaining at most capacity events.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Recorder{
		capacity: capacity,
		subs:     make(map[int]chan Recorded),
	}
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	rec := Recorded{Type: evt.EventType()}
	if carrier, ok := evt.(payloadCarrier); ok {
		if payload := carrier.Event(); payload != nil {
			cloned := payload.Clone()
			rec.Type = cloned.Type
			rec.Attributes = cloned.Attributes
		}
	}
	r.mu.Lock()
	r.nextSeq++
	rec.Sequence = r.nextSeq
	r.history = append(r.history, rec)
	if overflow := len(r.history) - r.capacity; overflow > 0 {
		r.history = append([]Recorded(nil), r.history[overflow:]...)
	}
	for _, ch := range r.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	r.mu.Unlock()
}

// Events returns a copy of the retained history in emission order.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.history...)
}

// Since returns retained events with a sequence strictly greater than cursor.
func (r *Recorder) Since(cursor uint64) []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, 0, len(r.history))
	for _, rec := range r.history {
		if rec.Sequence > cursor {
			out = append(out, rec)
		}
	}
	return out
}

// Subscribe registers a live consumer. The returned backlog holds retained
// events past the cursor; subsequent events arrive on the channel until cancel
// is called.
func (r *Recorder) Subscribe(cursor uint64, buffer int) ([]Recorded, <-chan Recorded, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Recorded, buffer)
	r.mu.Lock()
	backlog := make([]Recorded, 0, len(r.history))
	for _, rec := range r.history {
		if rec.Sequence > cursor {
			backlog = append(backlog, rec)
		}
	}
	r.subSeq++
	id := r.subSeq
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.mu.Unlock()
	}
	return backlog, ch, cancel
}

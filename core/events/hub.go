package events

import (
	"sync"
	"time"

	"cardledger/core/types"
)

const defaultHubBacklog = 256

// Envelope is the sequenced form of an event handed to subscribers.
type Envelope struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

// NewEnvelope converts an event into its wire form. Attributes are copied.
func NewEnvelope(seq uint64, evt Event, at time.Time) Envelope {
	env := Envelope{Sequence: seq, EmittedAt: at.UTC()}
	if evt == nil {
		return env
	}
	env.Type = evt.EventType()
	if typed, ok := evt.(*types.Event); ok && typed != nil && len(typed.Attributes) > 0 {
		env.Attributes = make(map[string]string, len(typed.Attributes))
		for k, v := range typed.Attributes {
			env.Attributes[k] = v
		}
	}
	return env
}

// Hub sequences events, keeps a bounded backlog and fans them out to live
// subscribers. Slow subscribers lose events rather than stall the emitter.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	backlog []Envelope
	limit   int
	nextID  uint64
	subs    map[uint64]chan Envelope
	dropped uint64
	now     func() time.Time
}

// NewHub constructs a hub retaining up to backlog events for late joiners.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultHubBacklog
	}
	return &Hub{
		limit: backlog,
		subs:  make(map[uint64]chan Envelope),
		now:   time.Now,
	}
}

// Emit implements the Emitter interface.
func (h *Hub) Emit(evt Event) {
	if h == nil || evt == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	env := NewEnvelope(h.seq, evt, h.now())
	h.backlog = append(h.backlog, env)
	if len(h.backlog) > h.limit {
		h.backlog = append([]Envelope(nil), h.backlog[len(h.backlog)-h.limit:]...)
	}
	for _, ch := range h.subs {
		select {
		case ch <- env:
		default:
			h.dropped++
		}
	}
}

// Subscribe registers a live subscriber. The returned cancel function must be
// called to release it; it closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Envelope, buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Since returns retained envelopes with a sequence greater than after.
func (h *Hub) Since(after uint64) []Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Envelope, 0, len(h.backlog))
	for _, env := range h.backlog {
		if env.Sequence > after {
			out = append(out, env)
		}
	}
	return out
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Recorder keeps every emitted event in memory. Tests use it to assert on
// emissions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types in emission order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}

package binding

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"rs_viewer/native/internal/domain"
)

// Registry joins sinks and media handles per stream. Registration and
// delivery commute: whichever arrives second performs the attach.
type Registry struct {
	mu      sync.Mutex
	sinks   map[domain.StreamID]Sink
	handles map[domain.StreamID]*Handle
	owned   []*Handle
}

func NewRegistry() *Registry {
	return &Registry{
		sinks:   make(map[domain.StreamID]Sink),
		handles: make(map[domain.StreamID]*Handle),
	}
}

// RegisterSink binds s to id, replacing any previous sink. If media for id
// already arrived it is attached immediately.
func (r *Registry) RegisterSink(id domain.StreamID, s Sink) {
	if s == nil {
		r.UnregisterSink(id)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sinks[id] = s
	if h, ok := r.handles[id]; ok {
		h.setSink(s)
		s.Attach(h)
		log.Debug().Str("module", "binding").Str("stream", string(id)).Msg("sink attached to existing media")
	}
}

// UnregisterSink drops the sink for id. The media handle stays alive.
func (r *Registry) UnregisterSink(id domain.StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sinks, id)
	if h, ok := r.handles[id]; ok {
		h.setSink(nil)
	}
}

// Deliver stores h under its stream; last write wins. A replaced handle is
// detached from the sink but stays owned until Reset.
func (r *Registry) Deliver(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.handles[h.Stream]; ok && old != h {
		old.setSink(nil)
		log.Warn().Str("module", "binding").Str("stream", string(h.Stream)).Msg("media replaced for stream")
	}
	r.handles[h.Stream] = h
	r.owned = append(r.owned, h)

	if s, ok := r.sinks[h.Stream]; ok {
		h.setSink(s)
		s.Attach(h)
	}
}

// Handle returns the media handle bound to id.
func (r *Registry) Handle(id domain.StreamID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Sink returns the sink registered for id.
func (r *Registry) Sink(id domain.StreamID) (Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[id]
	return s, ok
}

// Streams lists the streams that currently have media, sorted by position.
func (r *Registry) Streams() []domain.StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i].Position < hs[j].Position })
	out := make([]domain.StreamID, len(hs))
	for i, h := range hs {
		out[i] = h.Stream
	}
	return out
}

// Reset closes and forgets every handle. Sinks stay registered so the next
// session attaches to them again.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.owned {
		h.setSink(nil)
		h.Close()
	}
	r.owned = nil
	r.handles = make(map[domain.StreamID]*Handle)
}

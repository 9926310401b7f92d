package binding

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"rs_viewer/native/internal/domain"
)

// Sink consumes the media of one logical stream.
type Sink interface {
	// Attach is called whenever a handle becomes available for the sink's
	// stream. It runs under the registry lock and must not call back into it.
	Attach(h *Handle)
	WriteRTP(pkt *rtp.Packet) error
}

// Handle is a single-track media handle owned by a session. Its pump forwards
// packets to whichever sink is attached at delivery time.
type Handle struct {
	Stream   domain.StreamID
	Position int
	Mid      string
	Fallback bool

	track domain.Track

	mu   sync.RWMutex
	sink Sink

	packets atomic.Uint64
	bytes   atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewHandle wraps track for stream.
func NewHandle(stream domain.StreamID, position int, mid string, fallback bool, track domain.Track) *Handle {
	return &Handle{
		Stream:   stream,
		Position: position,
		Mid:      mid,
		Fallback: fallback,
		track:    track,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Track returns the wrapped inbound track.
func (h *Handle) Track() domain.Track { return h.track }

// Sink returns the currently attached sink, if any.
func (h *Handle) Sink() Sink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sink
}

func (h *Handle) setSink(s Sink) {
	h.mu.Lock()
	h.sink = s
	h.mu.Unlock()
}

// Stats returns the number of packets and payload bytes read so far.
func (h *Handle) Stats() (packets, bytes uint64) {
	return h.packets.Load(), h.bytes.Load()
}

// Run reads the track until it fails or the handle is closed. Packets read
// while no sink is attached are discarded.
func (h *Handle) Run() {
	defer close(h.done)
	for {
		pkt, err := h.track.ReadRTP()
		if err != nil {
			select {
			case <-h.closed:
			default:
				log.Debug().Err(err).Str("module", "binding").Str("stream", string(h.Stream)).Msg("track read ended")
			}
			return
		}
		select {
		case <-h.closed:
			return
		default:
		}

		if s := h.Sink(); s != nil {
			if err := s.WriteRTP(pkt); err != nil {
				log.Warn().Err(err).Str("module", "binding").Str("stream", string(h.Stream)).Msg("sink write failed")
			}
		}
		h.bytes.Add(uint64(len(pkt.Payload)))
		h.packets.Add(1)
	}
}

// Close stops forwarding. The pump exits on its next read; reads unblock once
// the owning peer connection closes.
func (h *Handle) Close() {
	h.closeOnce.Do(func() { close(h.closed) })
}

// Done is closed when Run returns.
func (h *Handle) Done() <-chan struct{} { return h.done }

package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"rs_viewer/native/internal/binding"
	"rs_viewer/native/internal/domain"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// Stats is a point-in-time view of what a sink consumed.
type Stats struct {
	Kind    string `json:"kind"`
	Track   string `json:"track,omitempty"`
	Codec   string `json:"codec,omitempty"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	NALUs   uint64 `json:"nalus,omitempty"`
}

// Reporter is implemented by sinks that expose Stats.
type Reporter interface {
	Stats() Stats
}

// H264Writer writes the H264 track of one stream as an Annex-B elementary
// stream. Playable with `ffplay -f h264`.
type H264Writer struct {
	stream domain.StreamID

	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	d      *H264Depacketizer
	stats  Stats
	closed bool
}

// NewH264Writer writes to w. If w is an io.Closer it is closed by Close.
func NewH264Writer(stream domain.StreamID, w io.Writer) *H264Writer {
	s := &H264Writer{
		stream: stream,
		w:      bufio.NewWriter(w),
		d:      NewH264Depacketizer(),
		stats:  Stats{Kind: "h264"},
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenH264File creates <dir>/<stream>.h264, truncating an existing file.
func OpenH264File(dir string, stream domain.StreamID) (*H264Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, string(stream)+".h264")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	log.Info().Str("module", "sink").Str("stream", string(stream)).Str("path", path).Msg("writing H264")
	return NewH264Writer(stream, f), nil
}

// Attach resets reassembly state for the new track. The registry calls it
// again when a later session delivers media for the same stream.
func (s *H264Writer) Attach(h *binding.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	codec := h.Track().Codec()
	if !strings.EqualFold(codec, "video/H264") {
		log.Warn().Str("module", "sink").Str("stream", string(s.stream)).Str("codec", codec).Msg("H264 writer attached to non-H264 track, packets will be ignored")
	}
	s.d = NewH264Depacketizer()
	s.stats.Track = h.Track().ID()
	s.stats.Codec = codec
}

func (s *H264Writer) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.stats.Packets++
	s.stats.Bytes += uint64(len(pkt.Payload))

	for _, nalu := range s.d.Depacketize(pkt.SequenceNumber, pkt.Payload) {
		if _, err := s.w.Write(startCode); err != nil {
			return fmt.Errorf("write start code: %w", err)
		}
		if _, err := s.w.Write(nalu); err != nil {
			return fmt.Errorf("write nalu: %w", err)
		}
		s.stats.NALUs++
	}
	if pkt.Marker {
		// end of access unit
		return s.w.Flush()
	}
	return nil
}

func (s *H264Writer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close flushes buffered output and closes the underlying writer.
func (s *H264Writer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", s.stream, err)
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Counter only counts packets. Used for streams that are not video, such as
// IMU data.
type Counter struct {
	stream domain.StreamID

	mu    sync.Mutex
	stats Stats
}

func NewCounter(stream domain.StreamID) *Counter {
	return &Counter{stream: stream, stats: Stats{Kind: "counter"}}
}

func (c *Counter) Attach(h *binding.Handle) {
	c.mu.Lock()
	c.stats.Track = h.Track().ID()
	c.stats.Codec = h.Track().Codec()
	c.mu.Unlock()
	log.Debug().Str("module", "sink").Str("stream", string(c.stream)).Msg("counter attached")
}

func (c *Counter) WriteRTP(pkt *rtp.Packet) error {
	c.mu.Lock()
	c.stats.Packets++
	c.stats.Bytes += uint64(len(pkt.Payload))
	c.mu.Unlock()
	return nil
}

func (c *Counter) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Counter) Close() error { return nil }

// For picks the sink for a stream: video streams are written to dir, the
// rest are counted.
func For(dir string, stream domain.StreamID) (binding.Sink, error) {
	if domain.IsVideo(stream) {
		return OpenH264File(dir, stream)
	}
	return NewCounter(stream), nil
}

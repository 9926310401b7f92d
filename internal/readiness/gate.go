package readiness

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"rs_viewer/native/internal/domain"
)

// stampFields are checked in order; the first present one identifies a frame.
var stampFields = []string{"frame_index", "frame_counter", "timestamp", "time"}

// observationsNeeded is how many stamp changes make a stream ready.
const observationsNeeded = 2

// Gate waits for the backend to publish live metadata for a set of streams.
type Gate struct {
	src domain.MetadataSource
}

func NewGate(src domain.MetadataSource) *Gate {
	return &Gate{src: src}
}

type record struct {
	stamp    string
	seen     bool
	observed int
}

// WaitUntilReady polls the metadata snapshot every poll until each of ids has
// changed its stamp twice between consecutive polls. It returns false when
// timeout elapses or ctx ends first; callers should proceed anyway.
func (g *Gate) WaitUntilReady(ctx context.Context, ids []domain.StreamID, timeout, poll time.Duration) bool {
	logger := log.With().Str("module", "readiness").Logger()
	if poll <= 0 {
		poll = 80 * time.Millisecond
	}

	records := make(map[domain.StreamID]*record, len(ids))
	for _, id := range ids {
		records[id] = &record{}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	start := time.Now()
	for {
		if g.check(records) {
			logger.Info().Dur("elapsed", time.Since(start)).Int("streams", len(ids)).Msg("streams ready")
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			var pending []string
			for id, r := range records {
				if r.observed < observationsNeeded {
					pending = append(pending, string(id))
				}
			}
			logger.Warn().Dur("timeout", timeout).Strs("pending", pending).Msg("streams not ready, proceeding")
			return false
		case <-ticker.C:
		}
	}
}

func (g *Gate) check(records map[domain.StreamID]*record) bool {
	snap := g.src.Snapshot()
	ready := true
	for id, r := range records {
		payload, ok := lookup(snap, id)
		if !ok {
			ready = false
			continue
		}
		s := Stamp(payload)
		switch {
		case !r.seen:
			r.seen = true
		case s != r.stamp && r.observed < observationsNeeded:
			r.observed++
		}
		r.stamp = s
		if r.observed < observationsNeeded {
			ready = false
		}
	}
	return ready
}

func lookup(snap map[string]json.RawMessage, id domain.StreamID) (json.RawMessage, bool) {
	for _, key := range domain.MetadataKeys(id) {
		if m, ok := snap[key]; ok && len(m) > 0 && string(m) != "null" {
			return m, true
		}
	}
	return nil, false
}

// Stamp returns the value identifying the frame a metadata payload describes:
// the first stamp field present, else the whole compacted payload.
func Stamp(payload json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err == nil {
		for _, f := range stampFields {
			if v, ok := fields[f]; ok && string(v) != "null" {
				return f + "=" + string(v)
			}
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return string(payload)
	}
	return buf.String()
}

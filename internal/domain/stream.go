package domain

import (
	"fmt"
	"strings"
)

// StreamID names a logical camera stream ("color", "infrared-1", "depth", "gyro", ...).
type StreamID string

// StreamOrder is the ordered stream set requested in one offer. The position of
// an identifier equals the mid of its negotiated transceiver, so an order must
// never be reordered once the offer has been requested.
type StreamOrder []StreamID

// NewStreamOrder validates ids and returns them as an order. Identifiers are
// trimmed; empty and duplicate identifiers are rejected.
func NewStreamOrder(ids ...string) (StreamOrder, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("stream order is empty")
	}
	seen := make(map[StreamID]struct{}, len(ids))
	order := make(StreamOrder, 0, len(ids))
	for _, raw := range ids {
		id := StreamID(strings.TrimSpace(raw))
		if id == "" {
			return nil, fmt.Errorf("stream order contains an empty identifier")
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("stream %q listed twice", id)
		}
		seen[id] = struct{}{}
		order = append(order, id)
	}
	return order, nil
}

// Clone returns a copy that shares nothing with o.
func (o StreamOrder) Clone() StreamOrder {
	if o == nil {
		return nil
	}
	out := make(StreamOrder, len(o))
	copy(out, o)
	return out
}

// Strings returns the identifiers as plain strings, in order.
func (o StreamOrder) Strings() []string {
	if o == nil {
		return nil
	}
	out := make([]string, len(o))
	for i, id := range o {
		out[i] = string(id)
	}
	return out
}

// CanonicalStream maps the short UI aliases onto backend stream types.
func CanonicalStream(s string) StreamID {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rgb", "color":
		return "color"
	case "ir1", "infrared-1":
		return "infrared-1"
	case "ir2", "infrared-2":
		return "infrared-2"
	default:
		return StreamID(strings.ToLower(strings.TrimSpace(s)))
	}
}

// MetadataKeys lists the metadata_streams keys the backend may publish for id.
func MetadataKeys(id StreamID) []string {
	switch id {
	case "color":
		return []string{"color", "rgb"}
	case "infrared-1":
		return []string{"infrared-1", "ir1"}
	case "infrared-2":
		return []string{"infrared-2", "ir2"}
	default:
		return []string{string(id)}
	}
}

// IsVideo reports whether id is carried as a video track.
func IsVideo(id StreamID) bool {
	switch id {
	case "color", "infrared-1", "infrared-2", "depth":
		return true
	}
	return false
}

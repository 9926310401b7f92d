package binding

import (
	"strconv"
	"strings"

	"rs_viewer/native/internal/domain"
)

// Fallback describes a track whose mid could not be mapped onto the stream
// order and was bound to the first stream instead.
type Fallback struct {
	TrackID string
	Mid     string
	Stream  domain.StreamID
	Reason  string
}

// Resolve maps a negotiated mid onto the stream order. When mid is empty, not
// a number, or outside the order, the track is bound to order[0] and reason
// says why. Tracks are never dropped.
func Resolve(order domain.StreamOrder, mid string) (stream domain.StreamID, position int, reason string) {
	if len(order) == 0 {
		return "", -1, "empty stream order"
	}
	mid = strings.TrimSpace(mid)
	if mid == "" {
		return order[0], 0, "mid not found among transceivers"
	}
	pos, err := strconv.Atoi(mid)
	if err != nil {
		return order[0], 0, "mid is not numeric"
	}
	if pos < 0 || pos >= len(order) {
		return order[0], 0, "mid outside stream order"
	}
	return order[pos], pos, ""
}

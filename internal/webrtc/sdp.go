package webrtc

import (
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"

	"rs_viewer/native/internal/domain"
)

// MediaLine summarises one m= section of an offer.
type MediaLine struct {
	Mid       string
	Kind      string
	Direction string
}

// InspectOffer lists the media sections of raw in offer order.
func InspectOffer(raw string) ([]MediaLine, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse offer sdp: %w", err)
	}

	lines := make([]MediaLine, 0, len(desc.MediaDescriptions))
	for _, md := range desc.MediaDescriptions {
		line := MediaLine{Kind: md.MediaName.Media}
		if mid, ok := md.Attribute(sdp.AttrKeyMID); ok {
			line.Mid = mid
		}
		for _, dir := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
			if _, ok := md.Attribute(dir); ok {
				line.Direction = dir
				break
			}
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// CheckOrder reports mismatches between the offer's media sections and the
// stream order that requested them. An empty result means every stream i sits
// at mid "i".
func CheckOrder(lines []MediaLine, order domain.StreamOrder) []string {
	var problems []string
	media := 0
	for _, l := range lines {
		if l.Kind == "application" {
			continue
		}
		if media < len(order) && l.Mid != strconv.Itoa(media) {
			problems = append(problems, fmt.Sprintf("stream %q expects mid %d, offer has %q", order[media], media, l.Mid))
		}
		media++
	}
	if media != len(order) {
		problems = append(problems, fmt.Sprintf("offer has %d media sections for %d streams", media, len(order)))
	}
	return problems
}

package domain

import (
	"context"
	"encoding/json"

	"github.com/pion/rtp"
)

// Signaler performs the offer/answer/ICE exchange with the backend.
type Signaler interface {
	CreateOffer(ctx context.Context, deviceID string, order StreamOrder) (Offer, error)
	SendAnswer(ctx context.Context, sessionID string, answer SDPPayload) error
	SendICECandidate(ctx context.Context, sessionID string, candidate ICECandidatePayload)
	CloseSession(ctx context.Context, sessionID string) bool
}

// Track is an inbound media track.
type Track interface {
	ID() string
	Codec() string
	ReadRTP() (*rtp.Packet, error)
}

// Peer manages one answering WebRTC peer connection. Callbacks must be
// registered before SetRemoteDescription.
type Peer interface {
	OnICECandidate(fn func(ICECandidatePayload))
	OnConnectionStateChange(fn func(ConnectionState))
	// OnTrack is called with the negotiated mid of the track's transceiver,
	// or "" when it cannot be found.
	OnTrack(fn func(mid string, track Track))
	SetRemoteDescription(offer SDPPayload) error
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer() (SDPPayload, error)
	Close() error
}

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeer() (Peer, error)
}

// MetadataSource exposes the latest metadata_streams snapshot.
type MetadataSource interface {
	Snapshot() map[string]json.RawMessage
}

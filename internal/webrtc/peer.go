package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"rs_viewer/native/internal/domain"
)

// Config configures answering peer connections.
type Config struct {
	ICEServers []string
	// IncludeLoopback gathers loopback candidates, needed when the backend
	// runs on the same host.
	IncludeLoopback bool
	LoggerFactory   logging.LoggerFactory
}

// Factory creates Peers from one Config.
type Factory struct {
	Config Config
}

// NewPeer implements domain.PeerFactory.
func (f *Factory) NewPeer() (domain.Peer, error) {
	return NewPeer(f.Config)
}

// Peer wraps a Pion PeerConnection that answers a backend offer.
type Peer struct {
	pc *pion.PeerConnection

	mu      sync.RWMutex
	onICE   func(domain.ICECandidatePayload)
	onState func(domain.ConnectionState)
	onTrack func(mid string, track domain.Track)
}

// NewPeer creates a PeerConnection with the default codecs (which already
// advertise nack and nack pli), NACK generation and periodic PLI for inbound video.
func NewPeer(cfg Config) (*Peer, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)

	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pli)

	s := pion.SettingEngine{}
	if cfg.LoggerFactory != nil {
		s.LoggerFactory = cfg.LoggerFactory
	}
	s.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	)

	var servers []pion.ICEServer
	for _, url := range cfg.ICEServers {
		servers = append(servers, pion.ICEServer{URLs: []string{url}})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{pc: pc}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("ice_state", state.String()).Msg("ICE connection state")
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer_connection_state", state.String()).Msg("peer connection state")
		p.mu.RLock()
		fn := p.onState
		p.mu.RUnlock()
		if fn != nil {
			fn(MapState(state))
		}
	})
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Debug().Str("module", "webrtc").Msg("ICE gathering complete")
			return
		}
		p.mu.RLock()
		fn := p.onICE
		p.mu.RUnlock()
		if fn != nil {
			fn(candidatePayload(c.ToJSON()))
		}
	})
	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		mid := p.midForTrack(track.ID())
		codec := track.Codec()
		log.Info().
			Str("module", "webrtc").
			Str("track_id", track.ID()).
			Str("mid", mid).
			Str("kind", track.Kind().String()).
			Str("codec", codec.MimeType).
			Msg("OnTrack received")

		p.mu.RLock()
		fn := p.onTrack
		p.mu.RUnlock()
		if fn != nil {
			fn(mid, &remoteTrack{t: track})
		}
	})

	return p, nil
}

// midForTrack finds the transceiver whose receiver carries trackID and
// returns its negotiated mid, or "" when none matches.
func (p *Peer) midForTrack(trackID string) string {
	for _, t := range p.pc.GetTransceivers() {
		r := t.Receiver()
		if r == nil || r.Track() == nil {
			continue
		}
		if r.Track().ID() == trackID {
			return t.Mid()
		}
	}
	return ""
}

func (p *Peer) OnICECandidate(fn func(domain.ICECandidatePayload)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) OnTrack(fn func(mid string, track domain.Track)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

// SetRemoteDescription applies the backend offer.
func (p *Peer) SetRemoteDescription(offer domain.SDPPayload) error {
	typ := pion.NewSDPType(offer.Type)
	if typ == pion.SDPTypeUnknown {
		typ = pion.SDPTypeOffer
	}
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	log.Debug().Str("module", "webrtc").Msg("remote SDP offer set")
	return nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
// Candidates trickle through OnICECandidate.
func (p *Peer) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}
	log.Debug().Str("module", "webrtc").Msg("local SDP answer set")

	local := p.pc.LocalDescription()
	if local == nil {
		local = &answer
	}
	return domain.SDPPayload{Type: local.Type.String(), SDP: local.SDP}, nil
}

// Close shuts down the PeerConnection. Pending track reads fail afterwards.
func (p *Peer) Close() error {
	if p.pc == nil {
		return nil
	}
	return p.pc.Close()
}

// MapState converts pion's peer connection state.
func MapState(s pion.PeerConnectionState) domain.ConnectionState {
	switch s {
	case pion.PeerConnectionStateNew:
		return domain.StateNew
	case pion.PeerConnectionStateConnecting:
		return domain.StateConnecting
	case pion.PeerConnectionStateConnected:
		return domain.StateConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.StateDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.StateFailed
	case pion.PeerConnectionStateClosed:
		return domain.StateClosed
	default:
		return domain.StateNew
	}
}

func candidatePayload(c pion.ICECandidateInit) domain.ICECandidatePayload {
	out := domain.ICECandidatePayload{Candidate: c.Candidate}
	if c.SDPMid != nil {
		out.SDPMid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		out.SDPMLineIndex = int(*c.SDPMLineIndex)
	}
	return out
}

type remoteTrack struct {
	t *pion.TrackRemote
}

func (r *remoteTrack) ID() string    { return r.t.ID() }
func (r *remoteTrack) Codec() string { return r.t.Codec().MimeType }

func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.t.ReadRTP()
	return pkt, err
}

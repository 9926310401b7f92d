package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rs_viewer/native/internal/binding"
	"rs_viewer/native/internal/domain"
	"rs_viewer/native/internal/webrtc"
)

const defaultSignalTimeout = 5 * time.Second

// Binding records how one inbound track was mapped onto the stream order.
type Binding struct {
	Stream   domain.StreamID `json:"stream"`
	Position int             `json:"position"`
	Mid      string          `json:"mid"`
	TrackID  string          `json:"track_id"`
	Codec    string          `json:"codec"`
	Fallback bool            `json:"fallback"`
}

// attempt is one Connect call. A pointer comparison against Session.cur tells
// whether the attempt is still the live one.
type attempt struct {
	order    domain.StreamOrder
	sid      string
	peer     domain.Peer
	iceReady bool
	pending  []domain.ICECandidatePayload
	bindings []Binding

	onState func(domain.ConnectionState)
	onTrack func(*binding.Handle)
}

// Session owns at most one WebRTC session with the backend.
type Session struct {
	sig   domain.Signaler
	peers domain.PeerFactory
	reg   *binding.Registry

	fallbackHook  func(binding.Fallback)
	signalTimeout time.Duration
	base          *zerolog.Logger

	mu        sync.Mutex
	cur       *attempt
	state     domain.ConnectionState
	fallbacks int
}

type Option func(*Session)

// WithFallbackHook is called for every track bound to the first stream
// because its mid could not be resolved.
func WithFallbackHook(fn func(binding.Fallback)) Option {
	return func(s *Session) { s.fallbackHook = fn }
}

// WithRegistry shares a sink registry with the caller.
func WithRegistry(r *binding.Registry) Option {
	return func(s *Session) { s.reg = r }
}

// WithSignalTimeout bounds the background ICE and teardown requests.
func WithSignalTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.signalTimeout = d
		}
	}
}

// WithLogger logs through l instead of the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.base = &l }
}

func New(sig domain.Signaler, peers domain.PeerFactory, opts ...Option) *Session {
	s := &Session{
		sig:           sig,
		peers:         peers,
		state:         domain.StateIdle,
		signalTimeout: defaultSignalTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reg == nil {
		s.reg = binding.NewRegistry()
	}
	return s
}

// Connect tears down any previous session and negotiates a new one carrying
// one transceiver per stream of order. It returns the backend session id.
//
// If another Connect or Disconnect starts while this one is waiting, this
// call cleans up after itself and returns ErrSuperseded.
func (s *Session) Connect(ctx context.Context, deviceID string, order domain.StreamOrder,
	onState func(domain.ConnectionState), onTrack func(*binding.Handle)) (string, error) {

	a := &attempt{order: order.Clone(), onState: onState, onTrack: onTrack}
	prev := s.swap(a, domain.StateConnecting)
	s.release(prev)

	if len(a.order) == 0 {
		return "", s.fail(a, "validate stream order", errors.New("stream order is empty"))
	}

	offer, err := s.sig.CreateOffer(ctx, deviceID, a.order)
	if err != nil {
		return "", s.fail(a, "request offer", err)
	}
	if !s.publish(a, func() { a.sid = offer.SessionID }) {
		s.closeBackend(offer.SessionID)
		return "", ErrSuperseded
	}
	logger := s.logger(offer.SessionID)

	peer, err := s.peers.NewPeer()
	if err != nil {
		return "", s.fail(a, "create peer", err)
	}
	peer.OnICECandidate(func(c domain.ICECandidatePayload) { s.handleCandidate(a, c) })
	peer.OnConnectionStateChange(func(st domain.ConnectionState) { s.handleState(a, st) })
	peer.OnTrack(func(mid string, t domain.Track) { s.handleTrack(a, mid, t) })
	if !s.publish(a, func() { a.peer = peer }) {
		_ = peer.Close()
		return "", ErrSuperseded
	}

	if lines, err := webrtc.InspectOffer(offer.SDP); err != nil {
		logger.Debug().Err(err).Msg("offer not inspectable")
	} else {
		for _, p := range webrtc.CheckOrder(lines, a.order) {
			logger.Warn().Str("problem", p).Msg("offer does not match stream order")
		}
	}

	if err := peer.SetRemoteDescription(domain.SDPPayload{Type: offer.Type, SDP: offer.SDP}); err != nil {
		return "", s.fail(a, "set remote description", err)
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		return "", s.fail(a, "create answer", err)
	}
	if !s.isCurrent(a) {
		return "", ErrSuperseded
	}
	if err := s.sig.SendAnswer(ctx, offer.SessionID, answer); err != nil {
		return "", s.fail(a, "send answer", err)
	}

	var pending []domain.ICECandidatePayload
	if !s.publish(a, func() {
		a.iceReady = true
		pending, a.pending = a.pending, nil
	}) {
		return "", ErrSuperseded
	}
	for _, c := range pending {
		s.sig.SendICECandidate(ctx, offer.SessionID, c)
	}

	logger.Info().Strs("streams", a.order.Strings()).Int("queued_candidates", len(pending)).Msg("session negotiated")
	return offer.SessionID, nil
}

// Disconnect closes the peer connection and asks the backend to drop the
// session. Safe to call at any time, any number of times.
func (s *Session) Disconnect(ctx context.Context) {
	prev := s.swap(nil, domain.StateClosed)
	if prev == nil {
		return
	}
	if prev.peer != nil {
		if err := prev.peer.Close(); err != nil {
			s.logger("").Debug().Err(err).Msg("close peer")
		}
	}
	if prev.sid != "" {
		s.sig.CloseSession(ctx, prev.sid)
	}
	s.logger(prev.sid).Info().Msg("session disconnected")
}

// swap installs next as the live attempt and clears the registry. It returns
// the attempt it replaced.
func (s *Session) swap(next *attempt, st domain.ConnectionState) *attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cur
	s.cur = next
	s.state = st
	s.reg.Reset()
	return prev
}

// release tears down an attempt that is no longer live.
func (s *Session) release(prev *attempt) {
	if prev == nil {
		return
	}
	if prev.peer != nil {
		_ = prev.peer.Close()
	}
	if prev.sid != "" {
		s.closeBackend(prev.sid)
	}
}

func (s *Session) closeBackend(sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.signalTimeout)
	defer cancel()
	s.sig.CloseSession(ctx, sid)
}

// publish runs fn under the lock if a is still live.
func (s *Session) publish(a *attempt, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != a {
		return false
	}
	fn()
	return true
}

func (s *Session) isCurrent(a *attempt) bool {
	return s.publish(a, func() {})
}

// fail clears a live attempt, marks the session failed and wraps err. A
// superseded attempt only cleans up after itself.
func (s *Session) fail(a *attempt, step string, err error) error {
	s.mu.Lock()
	live := s.cur == a
	if live {
		s.cur = nil
		s.state = domain.StateFailed
		s.reg.Reset()
	}
	s.mu.Unlock()
	if !live {
		// whoever replaced a has already released it
		return ErrSuperseded
	}

	if a.peer != nil {
		_ = a.peer.Close()
	}
	if a.sid != "" {
		s.closeBackend(a.sid)
	}

	s.logger(a.sid).Error().Err(err).Str("step", step).Msg("negotiation failed")
	if a.onState != nil {
		a.onState(domain.StateFailed)
	}
	return &NegotiationError{Step: step, Err: err}
}

func (s *Session) handleCandidate(a *attempt, c domain.ICECandidatePayload) {
	var sid string
	send := false
	if !s.publish(a, func() {
		if !a.iceReady {
			a.pending = append(a.pending, c)
			return
		}
		sid, send = a.sid, true
	}) || !send {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.signalTimeout)
		defer cancel()
		s.sig.SendICECandidate(ctx, sid, c)
	}()
}

func (s *Session) handleState(a *attempt, st domain.ConnectionState) {
	if !s.publish(a, func() { s.state = st }) {
		return
	}
	s.logger(a.sid).Info().Str("state", string(st)).Msg("connection state changed")
	if a.onState != nil {
		a.onState(st)
	}
}

func (s *Session) handleTrack(a *attempt, mid string, t domain.Track) {
	var h *binding.Handle
	var fb *binding.Fallback
	ok := s.publish(a, func() {
		stream, pos, reason := binding.Resolve(a.order, mid)
		if reason != "" {
			fb = &binding.Fallback{TrackID: t.ID(), Mid: mid, Stream: stream, Reason: reason}
			s.fallbacks++
		}
		h = binding.NewHandle(stream, pos, mid, fb != nil, t)
		a.bindings = append(a.bindings, Binding{
			Stream:   stream,
			Position: pos,
			Mid:      mid,
			TrackID:  t.ID(),
			Codec:    t.Codec(),
			Fallback: fb != nil,
		})
		s.reg.Deliver(h)
	})
	if !ok {
		s.logger("").Debug().Str("track_id", t.ID()).Msg("track from superseded peer dropped")
		return
	}

	logger := s.logger(a.sid)
	if fb != nil {
		logger.Warn().Str("track_id", fb.TrackID).Str("mid", mid).Str("stream", string(fb.Stream)).Str("reason", fb.Reason).Msg("track bound to first stream")
		if s.fallbackHook != nil {
			s.fallbackHook(*fb)
		}
	} else {
		logger.Info().Str("track_id", t.ID()).Str("mid", mid).Str("stream", string(h.Stream)).Msg("track bound")
	}

	go h.Run()
	if a.onTrack != nil {
		a.onTrack(h)
	}
}

func (s *Session) logger(sid string) *zerolog.Logger {
	parent := log.Logger
	if s.base != nil {
		parent = *s.base
	}
	l := parent.With().Str("module", "session")
	if sid != "" {
		l = l.Str("sid", sid)
	}
	logger := l.Logger()
	return &logger
}

// State returns the current connection state.
func (s *Session) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the live backend session id, or "".
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.sid
}

// StreamOrder returns a copy of the live stream order.
func (s *Session) StreamOrder() domain.StreamOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.order.Clone()
}

// Bindings lists the tracks bound in the live session, by position.
func (s *Session) Bindings() []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	out := append([]Binding(nil), s.cur.bindings...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Fallbacks counts fallback bindings since the Session was created.
func (s *Session) Fallbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbacks
}

// Registry returns the sink registry tracks are delivered to.
func (s *Session) Registry() *binding.Registry { return s.reg }

func (s *Session) String() string {
	return fmt.Sprintf("session(%s, %s)", s.SessionID(), s.State())
}

package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"rs_viewer/native/internal/binding"
	"rs_viewer/native/internal/domain"
)

// mockSignaler records calls for verification.
type mockSignaler struct {
	mu        sync.Mutex
	offers    int
	calls     []string
	answers   []domain.SDPPayload
	ice       []domain.ICECandidatePayload
	closed    []string
	// unbounded counts CloseSession calls made without a deadline.
	unbounded int
	answerErr error
	offerErr  error

	// blockOffer, when set, is received from before CreateOffer returns.
	blockOffer chan struct{}
	inOffer    chan struct{}
}

func (m *mockSignaler) CreateOffer(ctx context.Context, deviceID string, order domain.StreamOrder) (domain.Offer, error) {
	m.mu.Lock()
	m.offers++
	n := m.offers
	block := m.blockOffer
	m.calls = append(m.calls, "offer")
	m.mu.Unlock()

	if block != nil {
		if m.inOffer != nil {
			m.inOffer <- struct{}{}
		}
		<-block
	}
	if m.offerErr != nil {
		return domain.Offer{}, m.offerErr
	}
	return domain.Offer{SessionID: fmt.Sprintf("s%d", n), SDP: "v=0\r\n", Type: "offer"}, nil
}

func (m *mockSignaler) SendAnswer(ctx context.Context, sid string, answer domain.SDPPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "answer")
	if m.answerErr != nil {
		return m.answerErr
	}
	m.answers = append(m.answers, answer)
	return nil
}

func (m *mockSignaler) SendICECandidate(ctx context.Context, sid string, c domain.ICECandidatePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "ice:"+c.Candidate)
	m.ice = append(m.ice, c)
}

func (m *mockSignaler) CloseSession(ctx context.Context, sid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, sid)
	if _, ok := ctx.Deadline(); !ok {
		m.unbounded++
	}
	return true
}

func (m *mockSignaler) snapshot() (calls, closed []string, ice int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...), append([]string(nil), m.closed...), len(m.ice)
}

// mockPeer records calls and lets tests fire the pion callbacks.
type mockPeer struct {
	mu      sync.Mutex
	onICE   func(domain.ICECandidatePayload)
	onState func(domain.ConnectionState)
	onTrack func(string, domain.Track)

	remote    domain.SDPPayload
	remoteErr error
	// candidatesDuringAnswer are emitted from CreateAnswer, before it returns.
	candidatesDuringAnswer []string

	closeOnce sync.Once
	done      chan struct{}
}

func newMockPeer() *mockPeer { return &mockPeer{done: make(chan struct{})} }

func (m *mockPeer) OnICECandidate(fn func(domain.ICECandidatePayload)) {
	m.mu.Lock()
	m.onICE = fn
	m.mu.Unlock()
}
func (m *mockPeer) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}
func (m *mockPeer) OnTrack(fn func(string, domain.Track)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}
func (m *mockPeer) SetRemoteDescription(offer domain.SDPPayload) error {
	m.remote = offer
	return m.remoteErr
}
func (m *mockPeer) CreateAnswer() (domain.SDPPayload, error) {
	for _, c := range m.candidatesDuringAnswer {
		m.fireICE(c)
	}
	return domain.SDPPayload{Type: "answer", SDP: "v=0\r\nanswer"}, nil
}
func (m *mockPeer) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
func (m *mockPeer) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *mockPeer) fireICE(c string) {
	m.mu.Lock()
	fn := m.onICE
	m.mu.Unlock()
	fn(domain.ICECandidatePayload{Candidate: c, SDPMid: "0"})
}

func (m *mockPeer) fireState(st domain.ConnectionState) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	fn(st)
}

func (m *mockPeer) fireTrack(mid, id string) *fakeTrack {
	t := &fakeTrack{id: id, done: m.done}
	m.mu.Lock()
	fn := m.onTrack
	m.mu.Unlock()
	fn(mid, t)
	return t
}

// fakeTrack blocks reads until its peer closes, like a remote pion track.
type fakeTrack struct {
	id   string
	done chan struct{}
}

func (f *fakeTrack) ID() string    { return f.id }
func (f *fakeTrack) Codec() string { return "video/H264" }
func (f *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	<-f.done
	return nil, io.EOF
}

type mockFactory struct {
	mu    sync.Mutex
	peers []*mockPeer
	err   error
	setup func(*mockPeer)
}

func (f *mockFactory) NewPeer() (domain.Peer, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := newMockPeer()
	if f.setup != nil {
		f.setup(p)
	}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *mockFactory) peer(i int) *mockPeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}

type recordingSink struct {
	mu       sync.Mutex
	attached []*binding.Handle
}

func (r *recordingSink) Attach(h *binding.Handle) {
	r.mu.Lock()
	r.attached = append(r.attached, h)
	r.mu.Unlock()
}
func (r *recordingSink) WriteRTP(*rtp.Packet) error { return nil }
func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attached)
}

func order(t *testing.T, ids ...string) domain.StreamOrder {
	t.Helper()
	o, err := domain.NewStreamOrder(ids...)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestConnect_BindsTracksByMid(t *testing.T) {
	sig := &mockSignaler{}
	peers := &mockFactory{}
	s := New(sig, peers)
	defer s.Disconnect(context.Background())

	var got []*binding.Handle
	sid, err := s.Connect(context.Background(), "dev1", order(t, "color", "depth", "gyro"), nil,
		func(h *binding.Handle) { got = append(got, h) })
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sid != "s1" || s.SessionID() != "s1" {
		t.Fatalf("expected session s1, got %q / %q", sid, s.SessionID())
	}
	if p := peers.peer(0); p.remote.Type != "offer" || p.remote.SDP != "v=0\r\n" {
		t.Errorf("expected backend offer applied, got %+v", p.remote)
	}

	p := peers.peer(0)
	p.fireTrack("2", "imu")
	p.fireTrack("0", "rgb")
	p.fireTrack("1", "z16")

	want := map[string]domain.StreamID{"imu": "gyro", "rgb": "color", "z16": "depth"}
	for _, h := range got {
		if want[h.Track().ID()] != h.Stream {
			t.Errorf("track %s bound to %s, want %s", h.Track().ID(), h.Stream, want[h.Track().ID()])
		}
	}
	bs := s.Bindings()
	if len(bs) != 3 || bs[0].Stream != "color" || bs[1].Stream != "depth" || bs[2].Stream != "gyro" {
		t.Errorf("unexpected bindings %+v", bs)
	}
	for _, id := range []domain.StreamID{"color", "depth", "gyro"} {
		if _, ok := s.Registry().Handle(id); !ok {
			t.Errorf("expected handle for %s", id)
		}
	}
	if s.Fallbacks() != 0 {
		t.Errorf("expected no fallbacks, got %d", s.Fallbacks())
	}
}

func TestConnect_FallbackBindsFirstStream(t *testing.T) {
	var hooked []binding.Fallback
	s := New(&mockSignaler{}, &mockFactory{}, WithFallbackHook(func(f binding.Fallback) { hooked = append(hooked, f) }))
	defer s.Disconnect(context.Background())

	peers := s.peers.(*mockFactory)
	if _, err := s.Connect(context.Background(), "dev1", order(t, "depth", "color"), nil, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p := peers.peer(0)
	p.fireTrack("", "unknown")
	p.fireTrack("video7", "weird")
	p.fireTrack("9", "far")

	if len(hooked) != 3 {
		t.Fatalf("expected 3 fallbacks, got %d", len(hooked))
	}
	for _, f := range hooked {
		if f.Stream != "depth" || f.Reason == "" {
			t.Errorf("expected fallback to depth with a reason, got %+v", f)
		}
	}
	if s.Fallbacks() != 3 {
		t.Errorf("expected fallback counter 3, got %d", s.Fallbacks())
	}
	h, ok := s.Registry().Handle("depth")
	if !ok || h.Track().ID() != "far" || !h.Fallback {
		t.Errorf("expected last fallback track on depth, got %+v", h)
	}
}

func TestConnect_SinkAttachCommutes(t *testing.T) {
	reg := binding.NewRegistry()
	early, late := &recordingSink{}, &recordingSink{}
	reg.RegisterSink("color", early)

	peers := &mockFactory{}
	s := New(&mockSignaler{}, peers, WithRegistry(reg))
	defer s.Disconnect(context.Background())

	if _, err := s.Connect(context.Background(), "dev1", order(t, "color", "depth"), nil, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p := peers.peer(0)
	p.fireTrack("0", "rgb")
	p.fireTrack("1", "z16")

	if early.count() != 1 {
		t.Errorf("expected sink registered before the track to attach once, got %d", early.count())
	}
	reg.RegisterSink("depth", late)
	if late.count() != 1 {
		t.Errorf("expected sink registered after the track to attach once, got %d", late.count())
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	sig := &mockSignaler{}
	s := New(sig, &mockFactory{})

	s.Disconnect(context.Background())
	s.Disconnect(context.Background())
	if _, closed, _ := sig.snapshot(); len(closed) != 0 {
		t.Errorf("expected no backend delete without a session, got %v", closed)
	}
	if s.State() != domain.StateClosed {
		t.Errorf("expected closed after disconnect with no session, got %s", s.State())
	}
}

func TestDisconnect_TearsDownSession(t *testing.T) {
	sig := &mockSignaler{}
	peers := &mockFactory{}
	s := New(sig, peers)

	if _, err := s.Connect(context.Background(), "dev1", order(t, "color"), nil, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p := peers.peer(0)
	p.fireTrack("0", "rgb")
	h, _ := s.Registry().Handle("color")

	s.Disconnect(context.Background())
	s.Disconnect(context.Background())

	if !p.isClosed() {
		t.Error("expected peer to be closed")
	}
	if _, closed, _ := sig.snapshot(); len(closed) != 1 || closed[0] != "s1" {
		t.Errorf("expected one delete for s1, got %v", closed)
	}
	if s.SessionID() != "" || s.StreamOrder() != nil || s.Bindings() != nil {
		t.Error("expected session state to be cleared")
	}
	if s.State() != domain.StateClosed {
		t.Errorf("expected closed, got %s", s.State())
	}
	if _, ok := s.Registry().Handle("color"); ok {
		t.Error("expected handles to be dropped")
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Error("expected handle pump to stop")
	}
}

func TestConnect_TwiceTearsDownFirst(t *testing.T) {
	sig := &mockSignaler{}
	peers := &mockFactory{}
	s := New(sig, peers)
	defer s.Disconnect(context.Background())

	if _, err := s.Connect(context.Background(), "dev1", order(t, "color"), nil, nil); err != nil {
		t.Fatal(err)
	}
	sid, err := s.Connect(context.Background(), "dev1", order(t, "depth", "color"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sid != "s2" {
		t.Errorf("expected s2, got %s", sid)
	}
	if !peers.peer(0).isClosed() || peers.peer(1).isClosed() {
		t.Error("expected only the first peer to be closed")
	}
	if _, closed, _ := sig.snapshot(); len(closed) != 1 || closed[0] != "s1" {
		t.Errorf("expected s1 deleted, got %v", closed)
	}
	if got := s.StreamOrder(); len(got) != 2 || got[0] != "depth" {
		t.Errorf("expected new stream order, got %v", got)
	}
}

func TestConnect_StaleTrackDropped(t *testing.T) {
	peers := &mockFactory{}
	s := New(&mockSignaler{}, peers)
	defer s.Disconnect(context.Background())

	if _, err := s.Connect(context.Background(), "dev1", order(t, "color"), nil, nil); err != nil {
		t.Fatal(err)
	}
	var states []domain.ConnectionState
	if _, err := s.Connect(context.Background(), "dev1", order(t, "color"), func(st domain.ConnectionState) {
		states = append(states, st)
	}, nil); err != nil {
		t.Fatal(err)
	}

	old := peers.peer(0)
	old.fireTrack("0", "stale")
	old.fireState(domain.StateFailed)

	if _, ok := s.Registry().Handle("color"); ok {
		t.Error("expected track from the replaced peer to be dropped")
	}
	if s.State() == domain.StateFailed || len(states) != 0 {
		t.Errorf("expected stale state change to be ignored, got %s %v", s.State(), states)
	}

	peers.peer(1).fireState(domain.StateConnected)
	if s.State() != domain.StateConnected || len(states) != 1 {
		t.Errorf("expected live state change, got %s %v", s.State(), states)
	}
}

func TestConnect_AnswerFailure(t *testing.T) {
	sig := &mockSignaler{answerErr: errors.New("http 404")}
	peers := &mockFactory{}
	s := New(sig, peers)

	var states []domain.ConnectionState
	_, err := s.Connect(context.Background(), "dev1", order(t, "color"), func(st domain.ConnectionState) {
		states = append(states, st)
	}, nil)

	var ne *NegotiationError
	if !errors.As(err, &ne) || ne.Step != "send answer" {
		t.Fatalf("expected NegotiationError at send answer, got %v", err)
	}
	if !errors.Is(err, ErrNegotiation) {
		t.Error("expected errors.Is ErrNegotiation")
	}
	if s.State() != domain.StateFailed || s.SessionID() != "" {
		t.Errorf("expected failed with cleared session, got %s %q", s.State(), s.SessionID())
	}
	if !peers.peer(0).isClosed() {
		t.Error("expected peer to be closed")
	}
	if _, closed, _ := sig.snapshot(); len(closed) != 1 || closed[0] != "s1" {
		t.Errorf("expected best-effort delete of s1, got %v", closed)
	}
	if len(states) != 1 || states[0] != domain.StateFailed {
		t.Errorf("expected failed notification, got %v", states)
	}
}

func TestConnect_FailureDeletesSessionWithDeadline(t *testing.T) {
	sig := &mockSignaler{answerErr: errors.New("http 500")}
	s := New(sig, &mockFactory{}, WithSignalTimeout(time.Second))

	if _, err := s.Connect(context.Background(), "dev1", order(t, "color"), nil, nil); !errors.Is(err, ErrNegotiation) {
		t.Fatalf("expected negotiation error, got %v", err)
	}

	sig.mu.Lock()
	defer sig.mu.Unlock()
	if len(sig.closed) != 1 {
		t.Fatalf("expected one delete, got %v", sig.closed)
	}
	if sig.unbounded != 0 {
		t.Error("expected the delete after a failed negotiation to carry a deadline")
	}
}

func TestConnect_LogsFailureWithSessionID(t *testing.T) {
	var buf bytes.Buffer
	s := New(&mockSignaler{answerErr: errors.New("http 404")}, &mockFactory{}, WithLogger(zerolog.New(&buf)))
	_, _ = s.Connect(context.Background(), "dev1", order(t, "color"), nil, nil)
	s.Disconnect(context.Background())

	out := buf.String()
	for _, want := range []string{`"module":"session"`, `"sid":"s1"`, `"step":"send answer"`, "negotiation failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in log output:\n%s", want, out)
		}
	}
}

func TestConnect_OfferAndPeerFailures(t *testing.T) {
	s := New(&mockSignaler{offerErr: errors.New("device busy")}, &mockFactory{})
	if _, err := s.Connect(context.Background(), "dev1", order(t, "color"), nil, nil); !errors.Is(err, ErrNegotiation) {
		t.Errorf("expected negotiation error for offer failure, got %v", err)
	}

	sig := &mockSignaler{}
	s = New(sig, &mockFactory{err: errors.New("no codecs")})
	_, err := s.Connect(context.Background(), "dev1", order(t, "color"), nil, nil)
	var ne *NegotiationError
	if !errors.As(err, &ne) || ne.Step != "create peer" {
		t.Errorf("expected create peer failure, got %v", err)
	}
	if _, closed, _ := sig.snapshot(); len(closed) != 1 {
		t.Errorf("expected offered session to be deleted, got %v", closed)
	}

	s = New(&mockSignaler{}, &mockFactory{setup: func(p *mockPeer) { p.remoteErr = errors.New("bad sdp") }})
	if _, err := s.Connect(context.Background(), "dev1", order(t, "color"), nil, nil); !errors.As(err, &ne) || ne.Step != "set remote description" {
		t.Errorf("expected set remote description failure, got %v", err)
	}

	if _, err := s.Connect(context.Background(), "dev1", nil, nil, nil); !errors.Is(err, ErrNegotiation) {
		t.Errorf("expected empty order to fail, got %v", err)
	}
}

func TestConnect_QueuesCandidatesUntilAnswer(t *testing.T) {
	sig := &mockSignaler{}
	peers := &mockFactory{setup: func(p *mockPeer) { p.candidatesDuringAnswer = []string{"c1", "c2"} }}
	s := New(sig, peers)
	defer s.Disconnect(context.Background())

	if _, err := s.Connect(context.Background(), "dev1", order(t, "color"), nil, nil); err != nil {
		t.Fatal(err)
	}
	calls, _, _ := sig.snapshot()
	want := []string{"offer", "answer", "ice:c1", "ice:c2"}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}

	peers.peer(0).fireICE("c3")
	deadline := time.After(time.Second)
	for {
		if _, _, n := sig.snapshot(); n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected late candidate to be forwarded")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConnect_SupersededByDisconnect(t *testing.T) {
	sig := &mockSignaler{blockOffer: make(chan struct{}), inOffer: make(chan struct{})}
	peers := &mockFactory{}
	s := New(sig, peers)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background(), "dev1", order(t, "color"), nil, nil)
		errCh <- err
	}()

	<-sig.inOffer
	s.Disconnect(context.Background())
	close(sig.blockOffer)

	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if s.State() != domain.StateClosed || s.SessionID() != "" {
		t.Errorf("expected closed without session, got %s %q", s.State(), s.SessionID())
	}
	if _, closed, _ := sig.snapshot(); len(closed) != 1 || closed[0] != "s1" {
		t.Errorf("expected the orphaned offer to be deleted, got %v", closed)
	}
	peers.mu.Lock()
	n := len(peers.peers)
	peers.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no peer for a superseded connect, got %d", n)
	}
}

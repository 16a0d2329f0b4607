package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// fakePC models the signaling state machine of a peer connection. Reaching
// stable after an answer counts as connected.
type fakePC struct {
	mu          sync.Mutex
	name        string
	signaling   webrtc.SignalingState
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	senders     []*fakeSender
	offers      int
	lastRestart bool
	connected   bool
	closed      bool

	onTrack func(domain.RemoteTrack)
	onICE   func(webrtc.ICECandidateInit)
	onNeg   func()
	onState func(domain.PeerState)
}

func newFakePC(name string) *fakePC {
	return &fakePC{
		name:      name,
		signaling: webrtc.SignalingStateStable,
		senders: []*fakeSender{
			{kind: domain.TrackAudio},
			{kind: domain.TrackVideo},
		},
	}
}

func (p *fakePC) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	p.offers++
	p.lastRestart = iceRestart
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("%s-offer-%d", p.name, p.offers)}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", p.signaling)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.name + "-answer"}, nil
}

func (p *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && p.signaling == webrtc.SignalingStateStable:
		p.signaling = webrtc.SignalingStateHaveLocalOffer
	case d.Type == webrtc.SDPTypeAnswer && p.signaling == webrtc.SignalingStateHaveRemoteOffer:
		p.signaling = webrtc.SignalingStateStable
		p.markConnected()
	default:
		return fmt.Errorf("set local %s in %s", d.Type, p.signaling)
	}
	p.local = &d
	return nil
}

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && p.signaling == webrtc.SignalingStateStable:
		p.signaling = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && p.signaling == webrtc.SignalingStateHaveLocalOffer:
		p.signaling = webrtc.SignalingStateStable
		p.markConnected()
	default:
		return fmt.Errorf("set remote %s in %s", d.Type, p.signaling)
	}
	p.remote = &d
	return nil
}

// markConnected fires the state callback on its own goroutine, the way a
// real connection reports transitions.
func (p *fakePC) markConnected() {
	if p.connected {
		return
	}
	p.connected = true
	fn := p.onState
	if fn != nil {
		go fn(domain.PeerConnected)
	}
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *fakePC) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// AddTrack always opens a new sender; like a real connection it never
// reuses the ones created up front.
func (p *fakePC) AddTrack(t ports.LocalTrack) (ports.TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{kind: t.Kind(), track: t}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePC) Senders() []ports.TrackSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ports.TrackSender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *fakePC) Stats() []domain.RemoteTrack { return nil }

func (p *fakePC) OnTrack(fn func(domain.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePC) OnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	p.onNeg = fn
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(fn func(domain.PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) fireState(st domain.PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePC) fireTrack(t domain.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

func (p *fakePC) fireNegotiationNeeded() {
	p.mu.Lock()
	fn := p.onNeg
	p.mu.Unlock()
	fn()
}

func (p *fakePC) snapshot() (cands []webrtc.ICECandidateInit, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...), p.closed
}

type fakeSender struct {
	mu    sync.Mutex
	kind  domain.TrackKind
	track ports.LocalTrack
}

func (s *fakeSender) Kind() domain.TrackKind { return s.kind }

func (s *fakeSender) Track() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(t ports.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	owner   string
	created map[domain.ParticipantID][]*fakePC
}

func newFakeFactory(owner string) *fakeFactory {
	return &fakeFactory{owner: owner, created: make(map[domain.ParticipantID][]*fakePC)}
}

func (f *fakeFactory) NewPeerConnection(remote domain.ParticipantID) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := newFakePC(f.owner + "->" + string(remote))
	f.created[remote] = append(f.created[remote], pc)
	return pc, nil
}

func (f *fakeFactory) pcs(remote domain.ParticipantID) []*fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePC(nil), f.created[remote]...)
}

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    domain.TrackKind
	source  domain.TrackSource
	enabled bool
	stopped bool
	onEnded func()
}

func (t *fakeTrack) ID() string                 { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind     { return t.kind }
func (t *fakeTrack) Source() domain.TrackSource { return t.source }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// end simulates the source stopping outside the application.
func (t *fakeTrack) end() {
	t.mu.Lock()
	t.stopped = true
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeDevices struct {
	mu           sync.Mutex
	denyUser     bool
	denyDisplay  bool
	userCalls    int
	displayCalls int
	lastScreen   *fakeTrack
	issued       []*fakeTrack
	next         int
}

func (d *fakeDevices) newTrack(kind domain.TrackKind, src domain.TrackSource) *fakeTrack {
	d.next++
	t := &fakeTrack{id: fmt.Sprintf("%s-%d", src, d.next), kind: kind, source: src, enabled: true}
	d.issued = append(d.issued, t)
	return t
}

func (d *fakeDevices) GetUserMedia(_ context.Context, audio, video bool) ([]ports.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userCalls++
	if d.denyUser {
		return nil, domain.ErrPermissionDenied
	}
	var out []ports.LocalTrack
	if audio {
		out = append(out, d.newTrack(domain.TrackAudio, domain.SourceMicrophone))
	}
	if video {
		out = append(out, d.newTrack(domain.TrackVideo, domain.SourceCamera))
	}
	return out, nil
}

func (d *fakeDevices) GetDisplayMedia(context.Context) (ports.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.displayCalls++
	if d.denyDisplay {
		return nil, domain.ErrPermissionDenied
	}
	d.lastScreen = d.newTrack(domain.TrackVideo, domain.SourceScreen)
	return d.lastScreen, nil
}

type staticMedia []ports.LocalTrack

func (s staticMedia) LocalTracks() []ports.LocalTrack { return s }

// signalNet carries signal messages between peer managers in memory.
// Messages queue until pumped.
type signalNet struct {
	mu       sync.Mutex
	queue    []domain.SignalMessage
	managers map[domain.ParticipantID]*PeerManager
}

func newSignalNet() *signalNet {
	return &signalNet{managers: make(map[domain.ParticipantID]*PeerManager)}
}

func (n *signalNet) sender(from domain.ParticipantID) func(domain.SignalMessage) error {
	return func(msg domain.SignalMessage) error {
		msg.From = from
		n.mu.Lock()
		n.queue = append(n.queue, msg)
		n.mu.Unlock()
		return nil
	}
}

func (n *signalNet) join(id domain.ParticipantID, f *fakeFactory) (*PeerManager, *Roster) {
	roster := NewRoster()
	m := NewPeerManager(id, f, n.sender(id), roster, nopLogger)
	n.mu.Lock()
	n.managers[id] = m
	n.mu.Unlock()
	return m, roster
}

func (n *signalNet) take() []domain.SignalMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := n.queue
	n.queue = nil
	return q
}

func (n *signalNet) pump() {
	for {
		q := n.take()
		if len(q) == 0 {
			return
		}
		for _, msg := range q {
			n.deliver(msg)
		}
	}
}

func (n *signalNet) deliver(msg domain.SignalMessage) {
	n.mu.Lock()
	var targets []*PeerManager
	for id, m := range n.managers {
		if msg.AddressedTo(id) {
			targets = append(targets, m)
		}
	}
	n.mu.Unlock()
	for _, m := range targets {
		m.HandleSignal(msg)
	}
}

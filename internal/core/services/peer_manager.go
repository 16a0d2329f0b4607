package services

import (
	"fmt"
	"sync"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// maxPendingCandidates bounds the candidates buffered for one remote before
// its description arrives.
const maxPendingCandidates = 128

type offerState int

const (
	noOfferInFlight offerState = iota
	offerInFlight
	// offerInFlightColliding marks an offer that crossed a remote offer.
	offerInFlightColliding
)

func (s offerState) String() string {
	switch s {
	case offerInFlight:
		return "in-flight"
	case offerInFlightColliding:
		return "in-flight-colliding"
	default:
		return "none"
	}
}

// LocalMediaSource provides the tracks attached to every new connection.
type LocalMediaSource interface {
	LocalTracks() []ports.LocalTrack
}

// PeerMetrics receives connection transitions; nil disables them.
type PeerMetrics interface {
	PeerStateChanged(state domain.PeerState)
	GlareResolved(polite bool)
}

type PeerOption func(*PeerManager)

func WithPeerMetrics(m PeerMetrics) PeerOption {
	return func(pm *PeerManager) { pm.metrics = m }
}

type peerEntry struct {
	id     domain.ParticipantID
	pc     ports.PeerConnection
	polite bool
	offer  offerState
	state  domain.PeerState
}

// outbox collects work produced while the manager lock is held: messages
// to send and replaced connections to close. Both happen after the lock is
// released, closes first.
type outbox struct {
	msgs    []domain.SignalMessage
	closing []ports.PeerConnection
}

func (o *outbox) add(msg domain.SignalMessage) { o.msgs = append(o.msgs, msg) }

func (o *outbox) close(pc ports.PeerConnection) { o.closing = append(o.closing, pc) }

// PeerManager keeps at most one peer connection per remote participant and
// drives offer/answer negotiation with the perfect negotiation pattern.
type PeerManager struct {
	self    domain.ParticipantID
	factory ports.PeerConnectionFactory
	send    func(domain.SignalMessage) error
	roster  *Roster
	logger  *zap.SugaredLogger
	metrics PeerMetrics

	mu      sync.Mutex
	peers   map[domain.ParticipantID]*peerEntry
	pending map[domain.ParticipantID][]webrtc.ICECandidateInit
	media   LocalMediaSource
	closed  bool
}

func NewPeerManager(self domain.ParticipantID, factory ports.PeerConnectionFactory, send func(domain.SignalMessage) error, roster *Roster, logger *zap.SugaredLogger, opts ...PeerOption) *PeerManager {
	m := &PeerManager{
		self:    self,
		factory: factory,
		send:    send,
		roster:  roster,
		logger:  logger.With("participant", string(self)),
		peers:   make(map[domain.ParticipantID]*peerEntry),
		pending: make(map[domain.ParticipantID][]webrtc.ICECandidateInit),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetLocalMedia registers the source of tracks for new connections.
func (m *PeerManager) SetLocalMedia(src LocalMediaSource) {
	m.mu.Lock()
	m.media = src
	m.mu.Unlock()
}

func (m *PeerManager) locked(fn func(ob *outbox)) {
	var ob outbox
	m.mu.Lock()
	if !m.closed {
		fn(&ob)
	}
	m.mu.Unlock()
	for _, pc := range ob.closing {
		if err := pc.Close(); err != nil {
			m.logger.Debugw("Replaced peer close", "error", err)
		}
	}
	for _, msg := range ob.msgs {
		if err := m.send(msg); err != nil {
			m.logger.Warnw("Failed to send signal", "type", msg.Type, "to", msg.To, "error", err)
		}
	}
}

// HandleSignal dispatches one message received on the signaling channel.
func (m *PeerManager) HandleSignal(msg domain.SignalMessage) {
	if msg.From == "" || msg.From == m.self {
		return
	}
	switch msg.Type {
	case domain.SignalUserJoined, domain.SignalCallState:
		m.handleAnnouncement(msg)
	case domain.SignalRequestOffer:
		m.handleRequestOffer(msg.From)
	case domain.SignalOffer:
		if msg.Description == nil {
			m.logger.Warnw("Offer without description", "from", msg.From)
			return
		}
		m.HandleOffer(msg.From, *msg.Description)
	case domain.SignalAnswer:
		if msg.Description == nil {
			m.logger.Warnw("Answer without description", "from", msg.From)
			return
		}
		m.HandleAnswer(msg.From, *msg.Description)
	case domain.SignalICECandidate:
		if msg.Candidate == nil {
			return
		}
		m.HandleICECandidate(msg.From, *msg.Candidate)
	case domain.SignalUserLeft:
		m.HandleUserLeft(msg.From)
	}
}

// handleAnnouncement connects to participants we have not met yet. The
// impolite side offers; the polite side asks for an offer.
func (m *PeerManager) handleAnnouncement(msg domain.SignalMessage) {
	m.roster.Announce(msg.From, msg.UserName, msg.CallState())

	m.locked(func(ob *outbox) {
		if e, ok := m.peers[msg.From]; ok && e.state != domain.PeerFailed {
			return
		}
		e, err := m.ensurePeer(msg.From)
		if err != nil {
			m.logger.Errorw("Failed to create peer connection", "remote", msg.From, "error", err)
			return
		}
		if e.polite {
			ob.add(domain.SignalMessage{Type: domain.SignalRequestOffer, To: e.id})
			return
		}
		m.offerIfIdle(e, ob, e.state == domain.PeerFailed)
	})
}

func (m *PeerManager) handleRequestOffer(from domain.ParticipantID) {
	m.locked(func(ob *outbox) {
		e, err := m.ensurePeer(from)
		if err != nil {
			m.logger.Errorw("Failed to create peer connection", "remote", from, "error", err)
			return
		}
		if e.polite {
			m.logger.Debugw("Ignoring offer request as polite peer", "remote", from)
			return
		}
		m.offerIfIdle(e, ob, e.state == domain.PeerFailed)
	})
}

// CreatePeerConnection returns the connection for remote, creating it if
// needed. With shouldOffer the local side starts negotiating unless an
// offer is already in flight.
func (m *PeerManager) CreatePeerConnection(remote domain.ParticipantID, shouldOffer bool) (ports.PeerConnection, error) {
	var (
		pc  ports.PeerConnection
		err error
	)
	m.locked(func(ob *outbox) {
		var e *peerEntry
		e, err = m.ensurePeer(remote)
		if err != nil {
			return
		}
		pc = e.pc
		if shouldOffer {
			m.offerIfIdle(e, ob, false)
		}
	})
	if pc == nil && err == nil {
		err = domain.ErrPeerClosed
	}
	return pc, err
}

func (m *PeerManager) ensurePeer(remote domain.ParticipantID) (*peerEntry, error) {
	if e, ok := m.peers[remote]; ok {
		return e, nil
	}
	pc, err := m.factory.NewPeerConnection(remote)
	if err != nil {
		return nil, fmt.Errorf("new peer connection to %s: %w", remote, err)
	}
	e := &peerEntry{
		id:     remote,
		pc:     pc,
		polite: domain.IsPolite(m.self, remote),
		state:  domain.PeerConnecting,
	}
	m.peers[remote] = e

	if m.media != nil {
		for _, t := range m.media.LocalTracks() {
			if err := replaceOrAdd(pc, t.Kind(), t, nil); err != nil {
				m.logger.Warnw("Failed to attach local track", "remote", remote, "track", t.ID(), "error", err)
			}
		}
	}

	pc.OnTrack(func(track domain.RemoteTrack) {
		if m.current(e) {
			m.roster.AttachTrack(remote, track)
		}
	})
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if !m.current(e) {
			return
		}
		cand := c
		if err := m.send(domain.SignalMessage{Type: domain.SignalICECandidate, To: remote, Candidate: &cand}); err != nil {
			m.logger.Warnw("Failed to send candidate", "remote", remote, "error", err)
		}
	})
	pc.OnNegotiationNeeded(func() { m.onNegotiationNeeded(e) })
	pc.OnConnectionStateChange(func(st domain.PeerState) { m.onConnectionState(e, st) })

	m.roster.SetState(remote, domain.PeerConnecting)
	m.logger.Debugw("Peer connection created", "remote", remote, "polite", e.polite)
	return e, nil
}

// replacePeer discards e, whose local offer lost a collision, and creates
// a new stable connection in its place. Candidates buffered for the remote
// are kept for the new connection; the old one is closed by the outbox.
func (m *PeerManager) replacePeer(e *peerEntry, ob *outbox) (*peerEntry, error) {
	delete(m.peers, e.id)
	ob.close(e.pc)
	m.logger.Debugw("Replacing peer connection after offer collision", "remote", e.id)
	return m.ensurePeer(e.id)
}

func (m *PeerManager) current(e *peerEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.peers[e.id] == e
}

func (m *PeerManager) offerIfIdle(e *peerEntry, ob *outbox, iceRestart bool) {
	if e.offer != noOfferInFlight || e.pc.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	m.sendOffer(e, ob, iceRestart)
}

func (m *PeerManager) sendOffer(e *peerEntry, ob *outbox, iceRestart bool) {
	e.offer = offerInFlight
	offer, err := e.pc.CreateOffer(iceRestart)
	if err != nil {
		e.offer = noOfferInFlight
		m.logger.Warnw("Failed to create offer", "remote", e.id, "error", err)
		return
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		e.offer = noOfferInFlight
		m.logger.Warnw("Failed to set local offer", "remote", e.id, "error", err)
		return
	}
	ob.add(domain.SignalMessage{Type: domain.SignalOffer, To: e.id, Description: &offer})
}

func (m *PeerManager) onNegotiationNeeded(e *peerEntry) {
	m.locked(func(ob *outbox) {
		if m.peers[e.id] != e {
			return
		}
		if e.polite {
			ob.add(domain.SignalMessage{Type: domain.SignalRequestOffer, To: e.id})
			return
		}
		m.offerIfIdle(e, ob, false)
	})
}

func (m *PeerManager) onConnectionState(e *peerEntry, st domain.PeerState) {
	m.locked(func(ob *outbox) {
		if m.peers[e.id] != e {
			return
		}
		e.state = st
		switch st {
		case domain.PeerConnected:
			m.flushPending(e)
		case domain.PeerFailed:
			m.logger.Infow("Peer connection failed, restarting ICE", "remote", e.id)
			if e.polite {
				ob.add(domain.SignalMessage{Type: domain.SignalRequestOffer, To: e.id})
			} else {
				e.offer = noOfferInFlight
				m.offerIfIdle(e, ob, true)
			}
		case domain.PeerClosed:
			delete(m.peers, e.id)
			delete(m.pending, e.id)
		}
		if st == domain.PeerClosed {
			m.roster.Remove(e.id)
		} else {
			m.roster.SetState(e.id, st)
		}
		if m.metrics != nil {
			m.metrics.PeerStateChanged(st)
		}
	})
}

// HandleOffer applies a remote offer. On glare the polite side drops its
// own offer by replacing the connection with a fresh one and answers on
// that; the impolite side ignores the remote offer and waits for its own
// to be answered.
func (m *PeerManager) HandleOffer(from domain.ParticipantID, desc webrtc.SessionDescription) {
	m.locked(func(ob *outbox) {
		e, err := m.ensurePeer(from)
		if err != nil {
			m.logger.Errorw("Failed to create peer connection", "remote", from, "error", err)
			return
		}

		collision := e.offer != noOfferInFlight || e.pc.SignalingState() != webrtc.SignalingStateStable
		if collision {
			if !e.polite {
				e.offer = offerInFlightColliding
				m.logger.Debugw("Ignoring colliding offer", "remote", from)
				if m.metrics != nil {
					m.metrics.GlareResolved(false)
				}
				return
			}
			if e.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
				if e, err = m.replacePeer(e, ob); err != nil {
					m.logger.Errorw("Failed to replace peer connection", "remote", from, "error", err)
					return
				}
			}
			e.offer = noOfferInFlight
			if m.metrics != nil {
				m.metrics.GlareResolved(true)
			}
		}

		if err := e.pc.SetRemoteDescription(desc); err != nil {
			m.logger.Warnw("Failed to apply remote offer", "remote", from, "error", err)
			return
		}
		m.flushPending(e)

		answer, err := e.pc.CreateAnswer()
		if err != nil {
			m.logger.Warnw("Failed to create answer", "remote", from, "error", err)
			return
		}
		if err := e.pc.SetLocalDescription(answer); err != nil {
			m.logger.Warnw("Failed to set local answer", "remote", from, "error", err)
			return
		}
		ob.add(domain.SignalMessage{Type: domain.SignalAnswer, To: from, Description: &answer})
	})
}

// HandleAnswer applies a remote answer. Answers that arrive while no local
// offer is outstanding are stale and dropped.
func (m *PeerManager) HandleAnswer(from domain.ParticipantID, desc webrtc.SessionDescription) {
	m.locked(func(ob *outbox) {
		e, ok := m.peers[from]
		if !ok {
			m.logger.Debugw("Answer for unknown peer", "remote", from)
			return
		}
		if e.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
			m.logger.Debugw("Dropping stale answer", "remote", from, "signaling", e.pc.SignalingState().String())
			return
		}
		if err := e.pc.SetRemoteDescription(desc); err != nil {
			m.logger.Warnw("Failed to apply remote answer", "remote", from, "error", err)
			return
		}
		e.offer = noOfferInFlight
		m.flushPending(e)
	})
}

// HandleICECandidate adds a remote candidate, or buffers it until the
// remote description is known. Buffered candidates keep arrival order.
func (m *PeerManager) HandleICECandidate(from domain.ParticipantID, c webrtc.ICECandidateInit) {
	m.locked(func(ob *outbox) {
		e, ok := m.peers[from]
		if ok && e.pc.RemoteDescription() != nil {
			if err := e.pc.AddICECandidate(c); err != nil {
				m.logger.Warnw("Failed to add candidate", "remote", from, "error", err)
			}
			return
		}
		q := m.pending[from]
		if len(q) >= maxPendingCandidates {
			m.logger.Warnw("Candidate buffer full, dropping", "remote", from)
			return
		}
		m.pending[from] = append(q, c)
	})
}

func (m *PeerManager) flushPending(e *peerEntry) {
	q := m.pending[e.id]
	if len(q) == 0 || e.pc.RemoteDescription() == nil {
		return
	}
	delete(m.pending, e.id)
	for _, c := range q {
		if err := e.pc.AddICECandidate(c); err != nil {
			m.logger.Warnw("Failed to add buffered candidate", "remote", e.id, "error", err)
		}
	}
}

// HandleUserLeft tears down everything held for the departed participant.
func (m *PeerManager) HandleUserLeft(id domain.ParticipantID) {
	var pc ports.PeerConnection
	m.locked(func(ob *outbox) {
		if e, ok := m.peers[id]; ok {
			pc = e.pc
			delete(m.peers, id)
		}
		delete(m.pending, id)
	})
	m.roster.Remove(id)
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.logger.Debugw("Peer close", "remote", id, "error", err)
		}
		m.logger.Infow("Participant left", "remote", id)
	}
}

// State returns the connection state towards remote.
func (m *PeerManager) State(remote domain.ParticipantID) domain.PeerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.peers[remote]; ok {
		return e.state
	}
	return domain.PeerAbsent
}

// Connections returns a snapshot of the live peer connections.
func (m *PeerManager) Connections() map[domain.ParticipantID]ports.PeerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.ParticipantID]ports.PeerConnection, len(m.peers))
	for id, e := range m.peers {
		out[id] = e.pc
	}
	return out
}

// RefreshStats copies inbound track counters into the roster.
func (m *PeerManager) RefreshStats() {
	for id, pc := range m.Connections() {
		for _, t := range pc.Stats() {
			m.roster.AttachTrack(id, t)
		}
	}
}

// Close closes every connection. The manager is unusable afterwards.
func (m *PeerManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	peers := m.peers
	m.peers = make(map[domain.ParticipantID]*peerEntry)
	m.pending = make(map[domain.ParticipantID][]webrtc.ICECandidateInit)
	m.mu.Unlock()

	for id, e := range peers {
		if err := e.pc.Close(); err != nil {
			m.logger.Debugw("Peer close", "remote", id, "error", err)
		}
		m.roster.Remove(id)
	}
}

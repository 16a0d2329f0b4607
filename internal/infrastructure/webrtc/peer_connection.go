package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errForeignTrack = errors.New("track was not created by this package")

// pionTrack is implemented by local tracks backed by a pion TrackLocal.
type pionTrack interface {
	ports.LocalTrack
	local() webrtc.TrackLocal
}

type inbound struct {
	track   domain.RemoteTrack
	packets atomic.Uint64
	bytes   atomic.Uint64
}

type peerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu      sync.Mutex
	tracks  map[*webrtc.RTPSender]ports.LocalTrack
	inbound map[string]*inbound
	pli     atomic.Uint64
	nack    atomic.Uint64
}

func newPeerConnection(pc *webrtc.PeerConnection, logger *zap.SugaredLogger) *peerConnection {
	p := &peerConnection{
		pc:      pc,
		logger:  logger,
		tracks:  make(map[*webrtc.RTPSender]ports.LocalTrack),
		inbound: make(map[string]*inbound),
	}
	for _, tr := range pc.GetTransceivers() {
		if s := tr.Sender(); s != nil {
			go p.readSenderRTCP(s)
		}
	}
	return p
}

func (p *peerConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return p.pc.CreateOffer(opts)
}

func (p *peerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *peerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *peerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *peerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *peerConnection) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *peerConnection) AddTrack(track ports.LocalTrack) (ports.TrackSender, error) {
	pt, ok := track.(pionTrack)
	if !ok {
		return nil, errForeignTrack
	}
	s, err := p.pc.AddTrack(pt.local())
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.tracks[s] = track
	p.mu.Unlock()
	go p.readSenderRTCP(s)
	return &sender{pc: p, rtp: s, kind: track.Kind()}, nil
}

func (p *peerConnection) Senders() []ports.TrackSender {
	var out []ports.TrackSender
	for _, tr := range p.pc.GetTransceivers() {
		s := tr.Sender()
		if s == nil {
			continue
		}
		out = append(out, &sender{pc: p, rtp: s, kind: kindOf(tr.Kind())})
	}
	return out
}

func (p *peerConnection) Stats() []domain.RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.RemoteTrack, 0, len(p.inbound))
	for _, in := range p.inbound {
		t := in.track
		t.Packets = in.packets.Load()
		t.Bytes = in.bytes.Load()
		out = append(out, t)
	}
	return out
}

func (p *peerConnection) OnTrack(fn func(domain.RemoteTrack)) {
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		in := &inbound{track: domain.RemoteTrack{
			ID:       remote.ID(),
			StreamID: remote.StreamID(),
			Kind:     kindOf(remote.Kind()),
			Codec:    remote.Codec().MimeType,
		}}
		p.mu.Lock()
		p.inbound[remote.ID()] = in
		p.mu.Unlock()

		p.logger.Infow("remote track started",
			"track_id", remote.ID(),
			"kind", remote.Kind().String(),
			"codec", remote.Codec().MimeType,
		)
		go p.readRTP(remote, in)
		go p.readReceiverRTCP(receiver)
		fn(in.track)
	})
}

func (p *peerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *peerConnection) OnNegotiationNeeded(fn func()) {
	p.pc.OnNegotiationNeeded(fn)
}

func (p *peerConnection) OnConnectionStateChange(fn func(domain.PeerState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if st, ok := peerState(s); ok {
			fn(st)
		}
	})
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

func peerState(s webrtc.PeerConnectionState) (domain.PeerState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return domain.PeerConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return domain.PeerConnected, true
	case webrtc.PeerConnectionStateFailed:
		return domain.PeerFailed, true
	case webrtc.PeerConnectionStateClosed:
		return domain.PeerClosed, true
	}
	// disconnected may recover on its own
	return "", false
}

func kindOf(k webrtc.RTPCodecType) domain.TrackKind {
	if k == webrtc.RTPCodecTypeAudio {
		return domain.TrackAudio
	}
	return domain.TrackVideo
}

// readRTP drains the remote track, counting packets for Stats.
func (p *peerConnection) readRTP(remote *webrtc.TrackRemote, in *inbound) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debugw("remote track read ended", "track_id", remote.ID(), "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		in.packets.Add(1)
		in.bytes.Add(uint64(len(pkt.Payload)))
	}
}

func (p *peerConnection) readReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		pkts, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if sr, ok := pkt.(*rtcp.SenderReport); ok {
				p.logger.Debugw("sender report",
					"ssrc", sr.SSRC,
					"packets", sr.PacketCount,
					"octets", sr.OctetCount,
				)
			}
		}
	}
}

// readSenderRTCP must run for every sender so interceptors see the
// feedback; PLI and NACK counts are kept for diagnostics.
func (p *peerConnection) readSenderRTCP(s *webrtc.RTPSender) {
	for {
		pkts, _, err := s.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch r := pkt.(type) {
			case *rtcp.PictureLossIndication:
				p.pli.Add(1)
			case *rtcp.TransportLayerNack:
				p.nack.Add(uint64(len(r.Nacks)))
			case *rtcp.ReceiverReport:
				for _, rep := range r.Reports {
					if rep.FractionLost > 0 {
						p.logger.Debugw("receiver reports loss",
							"ssrc", rep.SSRC,
							"fraction_lost", float64(rep.FractionLost)/256,
							"jitter", rep.Jitter,
						)
					}
				}
			}
		}
	}
}

// Feedback returns the picture loss and NACK counts received so far.
func (p *peerConnection) Feedback() (pli, nack uint64) {
	return p.pli.Load(), p.nack.Load()
}

type sender struct {
	pc   *peerConnection
	rtp  *webrtc.RTPSender
	kind domain.TrackKind
}

func (s *sender) Kind() domain.TrackKind { return s.kind }

func (s *sender) Track() ports.LocalTrack {
	s.pc.mu.Lock()
	defer s.pc.mu.Unlock()
	return s.pc.tracks[s.rtp]
}

func (s *sender) ReplaceTrack(track ports.LocalTrack) error {
	if track == nil {
		if err := s.rtp.ReplaceTrack(nil); err != nil {
			return err
		}
		s.pc.mu.Lock()
		delete(s.pc.tracks, s.rtp)
		s.pc.mu.Unlock()
		return nil
	}
	pt, ok := track.(pionTrack)
	if !ok {
		return errForeignTrack
	}
	if track.Kind() != s.kind {
		return fmt.Errorf("cannot put a %s track on a %s sender", track.Kind(), s.kind)
	}
	if err := s.rtp.ReplaceTrack(pt.local()); err != nil {
		return err
	}
	s.pc.mu.Lock()
	s.pc.tracks[s.rtp] = track
	s.pc.mu.Unlock()
	return nil
}

package services

import (
	"testing"
	"time"

	"boardnet/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestIsPolite_Complementary(t *testing.T) {
	pairs := [][2]domain.ParticipantID{
		{"U1", "U2"},
		{"alice.3fa", "bob.001"},
		{"a", "ab"},
		{"Z", "a"},
	}
	for _, p := range pairs {
		assert.NotEqual(t, domain.IsPolite(p[0], p[1]), domain.IsPolite(p[1], p[0]), "%v", p)
	}
	assert.False(t, domain.IsPolite("U1", "U2"), "smaller id is impolite")
}

func TestPeerManager_GlareResolvesToOneConnection(t *testing.T) {
	for _, order := range []string{"impolite-first", "polite-first"} {
		t.Run(order, func(t *testing.T) {
			net := newSignalNet()
			fa, fb := newFakeFactory("U1"), newFakeFactory("U2")
			a, _ := net.join("U1", fa)
			b, _ := net.join("U2", fb)

			// Both sides offer before seeing the other's offer.
			_, err := a.CreatePeerConnection("U2", true)
			require.NoError(t, err)
			_, err = b.CreatePeerConnection("U1", true)
			require.NoError(t, err)

			offers := net.take()
			require.Len(t, offers, 2)
			if order == "polite-first" {
				offers[0], offers[1] = offers[1], offers[0]
			}
			for _, msg := range offers {
				net.deliver(msg)
			}
			net.pump()

			assert.Eventually(t, func() bool {
				return a.State("U2") == domain.PeerConnected && b.State("U1") == domain.PeerConnected
			}, waitFor, tick)

			require.Len(t, fa.pcs("U2"), 1, "impolite side keeps its offer")
			require.Len(t, fb.pcs("U1"), 2, "polite side answers on a fresh connection")
			_, closedA := fa.pcs("U2")[0].snapshot()
			_, replaced := fb.pcs("U1")[0].snapshot()
			_, closedB := fb.pcs("U1")[1].snapshot()
			assert.False(t, closedA)
			assert.True(t, replaced)
			assert.False(t, closedB)
			assert.Equal(t, webrtc.SignalingStateStable, fa.pcs("U2")[0].SignalingState())
			assert.Equal(t, webrtc.SignalingStateStable, fb.pcs("U1")[1].SignalingState())
			assert.Same(t, fb.pcs("U1")[1], b.Connections()["U1"])
		})
	}
}

func TestPeerManager_SimultaneousJoin(t *testing.T) {
	net := newSignalNet()
	fa, fb := newFakeFactory("U1"), newFakeFactory("U2")
	a, rosterA := net.join("U1", fa)
	b, rosterB := net.join("U2", fb)

	require.NoError(t, net.sender("U1")(domain.SignalMessage{Type: domain.SignalUserJoined, UserName: "Ann", AudioEnabled: true}))
	require.NoError(t, net.sender("U2")(domain.SignalMessage{Type: domain.SignalUserJoined, UserName: "Ben"}))
	net.pump()

	assert.Eventually(t, func() bool {
		return a.State("U2") == domain.PeerConnected && b.State("U1") == domain.PeerConnected
	}, waitFor, tick)
	assert.Len(t, fa.pcs("U2"), 1)
	assert.Len(t, fb.pcs("U1"), 1)

	pa, ok := rosterA.Get("U2")
	require.True(t, ok)
	assert.Equal(t, "Ben", pa.DisplayName)
	pb, ok := rosterB.Get("U1")
	require.True(t, ok)
	assert.Equal(t, "Ann", pb.DisplayName)
	assert.True(t, pb.AudioEnabled)
	assert.Eventually(t, func() bool {
		p, _ := rosterB.Get("U1")
		return p.State == domain.PeerConnected && !p.Connecting
	}, waitFor, tick)
}

func TestPeerManager_BuffersCandidatesInOrder(t *testing.T) {
	net := newSignalNet()
	fb := newFakeFactory("U2")
	b, _ := net.join("U2", fb)

	cands := []webrtc.ICECandidateInit{
		{Candidate: "candidate:1"},
		{Candidate: "candidate:2"},
		{Candidate: "candidate:3"},
	}
	for _, c := range cands {
		b.HandleICECandidate("U1", c)
	}
	assert.Empty(t, fb.pcs("U1"), "candidates alone do not create a connection")

	b.HandleOffer("U1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"})
	pcs := fb.pcs("U1")
	require.Len(t, pcs, 1)
	got, _ := pcs[0].snapshot()
	assert.Equal(t, cands, got)

	late := webrtc.ICECandidateInit{Candidate: "candidate:4"}
	b.HandleICECandidate("U1", late)
	got, _ = pcs[0].snapshot()
	assert.Equal(t, append(cands, late), got)

	b.mu.Lock()
	assert.Empty(t, b.pending)
	b.mu.Unlock()

	answers := net.take()
	require.Len(t, answers, 1)
	assert.Equal(t, domain.SignalAnswer, answers[0].Type)
	assert.Equal(t, domain.ParticipantID("U1"), answers[0].To)
}

func TestPeerManager_StaleAnswerIgnored(t *testing.T) {
	net := newSignalNet()
	fa := newFakeFactory("U1")
	a, _ := net.join("U1", fa)

	_, err := a.CreatePeerConnection("U2", false)
	require.NoError(t, err)
	a.HandleAnswer("U2", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "late"})

	pc := fa.pcs("U2")[0]
	assert.Nil(t, pc.RemoteDescription())
	assert.Equal(t, webrtc.SignalingStateStable, pc.SignalingState())
	assert.Empty(t, net.take())
}

func TestPeerManager_CreateIsIdempotent(t *testing.T) {
	net := newSignalNet()
	fa := newFakeFactory("U1")
	a, _ := net.join("U1", fa)

	first, err := a.CreatePeerConnection("U2", true)
	require.NoError(t, err)
	second, err := a.CreatePeerConnection("U2", true)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, net.take(), 1, "no second offer while one is in flight")
}

func TestPeerManager_UserLeftTearsDown(t *testing.T) {
	net := newSignalNet()
	fa, fb := newFakeFactory("U1"), newFakeFactory("U2")
	a, rosterA := net.join("U1", fa)
	net.join("U2", fb)

	require.NoError(t, net.sender("U2")(domain.SignalMessage{Type: domain.SignalUserJoined, UserName: "Ben"}))
	net.pump()
	require.Eventually(t, func() bool { return a.State("U2") == domain.PeerConnected }, waitFor, tick)

	a.HandleICECandidate("U3", webrtc.ICECandidateInit{Candidate: "orphan"})
	a.HandleSignal(domain.SignalMessage{Type: domain.SignalUserLeft, From: "U2"})
	a.HandleSignal(domain.SignalMessage{Type: domain.SignalUserLeft, From: "U3"})

	assert.Equal(t, domain.PeerAbsent, a.State("U2"))
	_, closed := fa.pcs("U2")[0].snapshot()
	assert.True(t, closed)
	_, ok := rosterA.Get("U2")
	assert.False(t, ok)
	a.mu.Lock()
	assert.Empty(t, a.pending)
	a.mu.Unlock()
}

func TestPeerManager_FailedConnectionRestartsICE(t *testing.T) {
	net := newSignalNet()
	fa, fb := newFakeFactory("U1"), newFakeFactory("U2")
	a, _ := net.join("U1", fa)
	b, _ := net.join("U2", fb)

	_, err := a.CreatePeerConnection("U2", true)
	require.NoError(t, err)
	net.pump()
	require.Eventually(t, func() bool {
		return a.State("U2") == domain.PeerConnected && b.State("U1") == domain.PeerConnected
	}, waitFor, tick)

	fa.pcs("U2")[0].fireState(domain.PeerFailed)
	msgs := net.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SignalOffer, msgs[0].Type)
	pcA := fa.pcs("U2")[0]
	pcA.mu.Lock()
	assert.True(t, pcA.lastRestart)
	pcA.mu.Unlock()

	fb.pcs("U1")[0].fireState(domain.PeerFailed)
	msgs = net.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SignalRequestOffer, msgs[0].Type, "polite side asks for the restart")
	assert.Equal(t, domain.ParticipantID("U1"), msgs[0].To)
}

func TestPeerManager_ClosedConnectionIsForgotten(t *testing.T) {
	net := newSignalNet()
	fa := newFakeFactory("U1")
	a, roster := net.join("U1", fa)

	_, err := a.CreatePeerConnection("U2", false)
	require.NoError(t, err)
	fa.pcs("U2")[0].fireState(domain.PeerClosed)

	assert.Equal(t, domain.PeerAbsent, a.State("U2"))
	assert.Zero(t, roster.Len())

	// A new announcement builds a fresh connection.
	a.HandleSignal(domain.SignalMessage{Type: domain.SignalCallState, From: "U2"})
	assert.Len(t, fa.pcs("U2"), 2)
}

func TestPeerManager_NegotiationNeeded(t *testing.T) {
	net := newSignalNet()
	fa, fb := newFakeFactory("U1"), newFakeFactory("U2")
	a, _ := net.join("U1", fa)
	b, _ := net.join("U2", fb)

	_, err := a.CreatePeerConnection("U2", false)
	require.NoError(t, err)
	_, err = b.CreatePeerConnection("U1", false)
	require.NoError(t, err)

	fb.pcs("U1")[0].fireNegotiationNeeded()
	msgs := net.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SignalRequestOffer, msgs[0].Type)

	fa.pcs("U2")[0].fireNegotiationNeeded()
	fa.pcs("U2")[0].fireNegotiationNeeded()
	msgs = net.take()
	require.Len(t, msgs, 1, "an offer in flight suppresses another")
	assert.Equal(t, domain.SignalOffer, msgs[0].Type)
}

func TestPeerManager_AttachesLocalTracksAndRemoteMedia(t *testing.T) {
	net := newSignalNet()
	fa := newFakeFactory("U1")
	a, roster := net.join("U1", fa)
	mic := &fakeTrack{id: "mic", kind: domain.TrackAudio, source: domain.SourceMicrophone}
	a.SetLocalMedia(staticMedia{mic})

	_, err := a.CreatePeerConnection("U2", false)
	require.NoError(t, err)
	pc := fa.pcs("U2")[0]

	var audio []string
	for _, s := range pc.Senders() {
		if s.Kind() == domain.TrackAudio && s.Track() != nil {
			audio = append(audio, s.Track().ID())
		}
	}
	assert.Equal(t, []string{"mic"}, audio)

	pc.fireTrack(domain.RemoteTrack{ID: "v1", StreamID: "s1", Kind: domain.TrackVideo})
	p, ok := roster.Get("U2")
	require.True(t, ok)
	require.NotNil(t, p.Media)
	assert.Equal(t, "s1", p.Media.StreamID)
	assert.Len(t, p.Media.Tracks, 1)
}

func TestPeerManager_CloseStopsEverything(t *testing.T) {
	net := newSignalNet()
	fa := newFakeFactory("U1")
	a, _ := net.join("U1", fa)
	_, err := a.CreatePeerConnection("U2", false)
	require.NoError(t, err)

	a.Close()
	_, closed := fa.pcs("U2")[0].snapshot()
	assert.True(t, closed)

	_, err = a.CreatePeerConnection("U3", true)
	assert.ErrorIs(t, err, domain.ErrPeerClosed)
	assert.Empty(t, fa.pcs("U3"))
}

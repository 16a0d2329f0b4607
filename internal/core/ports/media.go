package ports

import (
	"context"

	"boardnet/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PeerConnection is the slice of a WebRTC peer connection the negotiation
// logic needs. Callbacks may fire on any goroutine but never synchronously
// from inside one of the methods below.
type PeerConnection interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	RemoteDescription() *webrtc.SessionDescription

	AddTrack(track LocalTrack) (TrackSender, error)
	Senders() []TrackSender
	// Stats returns the inbound tracks with their packet counters.
	Stats() []domain.RemoteTrack

	OnTrack(fn func(track domain.RemoteTrack))
	OnICECandidate(fn func(candidate webrtc.ICECandidateInit))
	OnNegotiationNeeded(fn func())
	OnConnectionStateChange(fn func(state domain.PeerState))

	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(remote domain.ParticipantID) (PeerConnection, error)
}

// LocalTrack is an outbound media track owned by the local participant.
type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	Source() domain.TrackSource
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	// OnEnded fires once when the source stops on its own, e.g. the user
	// ends a screen share from outside the application.
	OnEnded(fn func())
}

// TrackSender is one outbound slot on a peer connection.
type TrackSender interface {
	Kind() domain.TrackKind
	// Track is nil while the slot sends nothing.
	Track() LocalTrack
	ReplaceTrack(track LocalTrack) error
}

// MediaDevices acquires local capture sources. A refused permission is
// reported as domain.ErrPermissionDenied.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, audio, video bool) ([]LocalTrack, error)
	GetDisplayMedia(ctx context.Context) (LocalTrack, error)
}

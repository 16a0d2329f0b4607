package domain

import "time"

// ParticipantID identifies one participant session inside a room. It is
// also the namespace for the element ids that participant creates.
type ParticipantID string

// IsPolite reports the negotiation role of local towards remote. The
// lexicographically smaller id is impolite and initiates offers.
func IsPolite(local, remote ParticipantID) bool {
	return local > remote
}

type PeerState string

const (
	PeerAbsent     PeerState = "absent"
	PeerConnecting PeerState = "connecting"
	PeerConnected  PeerState = "connected"
	PeerFailed     PeerState = "failed"
	PeerClosed     PeerState = "closed"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type TrackSource string

const (
	SourceMicrophone TrackSource = "microphone"
	SourceCamera     TrackSource = "camera"
	SourceScreen     TrackSource = "screen"
)

type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind
	Codec    string
	Packets  uint64
	Bytes    uint64
}

// MediaHandle is what a participant's inbound media looks like to us.
type MediaHandle struct {
	StreamID string
	Tracks   []RemoteTrack
}

type Participant struct {
	ID            ParticipantID
	DisplayName   string
	Media         *MediaHandle
	VideoEnabled  bool
	AudioEnabled  bool
	ScreenSharing bool
	State         PeerState
	// Connecting stays true until the first connected transition.
	Connecting bool
	JoinedAt   time.Time
	UpdatedAt  time.Time
}

// CallState is the capability snapshot announced with user-joined and
// call-state messages.
type CallState struct {
	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
}

package domain

import (
	"time"

	"github.com/pion/webrtc/v3"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalUserJoined   SignalType = "user-joined"
	SignalUserLeft     SignalType = "user-left"
	SignalCallState    SignalType = "call-state"
	SignalRequestOffer SignalType = "request-offer"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalUserJoined,
		SignalUserLeft, SignalCallState, SignalRequestOffer:
		return true
	}
	return false
}

// SignalMessage is one control message on the signaling channel. An empty
// To broadcasts to the whole room. Session descriptions and candidates are
// carried opaquely.
type SignalMessage struct {
	Type          SignalType                 `json:"type"`
	From          ParticipantID              `json:"from"`
	To            ParticipantID              `json:"to,omitempty"`
	Description   *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate     *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	UserName      string                     `json:"userName,omitempty"`
	VideoEnabled  bool                       `json:"videoEnabled,omitempty"`
	AudioEnabled  bool                       `json:"audioEnabled,omitempty"`
	ScreenSharing bool                       `json:"screenSharing,omitempty"`
	// SentAt is unix milliseconds at the sender.
	SentAt int64 `json:"sentAt"`
}

func (m SignalMessage) SentTime() time.Time {
	return time.UnixMilli(m.SentAt)
}

// AddressedTo reports whether a receiver with the given id should handle m.
func (m SignalMessage) AddressedTo(self ParticipantID) bool {
	if m.From == self {
		return false
	}
	return m.To == "" || m.To == self
}

func (m SignalMessage) CallState() CallState {
	return CallState{AudioEnabled: m.AudioEnabled, VideoEnabled: m.VideoEnabled, ScreenSharing: m.ScreenSharing}
}

package domain

import "errors"

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomAccessDenied = errors.New("room access denied")
	ErrNotRoomOwner     = errors.New("only the room owner may do this")
	ErrInvalidRoom      = errors.New("invalid room")

	ErrElementNotFound = errors.New("element not found")
	ErrForeignElement  = errors.New("element is owned by another participant")
	ErrInvalidElement  = errors.New("invalid element")

	ErrPeerNotFound     = errors.New("peer not found")
	ErrPeerClosed       = errors.New("peer connection closed")
	ErrInvalidSignal    = errors.New("invalid signal message")
	ErrPermissionDenied = errors.New("media permission denied")
	ErrNoMediaSource    = errors.New("no media source available")
	ErrNotJoined        = errors.New("session not joined")
	ErrInvalidToken     = errors.New("invalid token")
	ErrUnauthenticated  = errors.New("authentication required")

	ErrAssistantDisabled        = errors.New("assistant disabled")
	ErrEmptyPrompt              = errors.New("empty assistant prompt")
	ErrMalformedAssistantOutput = errors.New("malformed assistant output")
)

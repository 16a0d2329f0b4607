// Package relay fans replication updates out between the participants of
// a room. Each topic has a server-side replica that new connections sync
// from, so a late joiner needs nobody else online.
package relay

import (
	"fmt"
	"strings"

	"boardnet/internal/core/domain"
	"boardnet/pkg/codec"
)

const topicPrefix = "whiteboard-"

type FrameKind uint8

const (
	// FrameSync carries a full encoded document state.
	FrameSync FrameKind = iota + 1
	// FrameUpdate carries an incremental update.
	FrameUpdate
	// FrameError is sent by the relay before it drops a connection.
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameSync:
		return "sync"
	case FrameUpdate:
		return "update"
	case FrameError:
		return "error"
	}
	return fmt.Sprintf("frame(%d)", uint8(k))
}

// Frame is one binary websocket message.
type Frame struct {
	Kind    FrameKind `cbor:"1,keyasint"`
	Data    []byte    `cbor:"2,keyasint,omitempty"`
	Message string    `cbor:"3,keyasint,omitempty"`
}

func EncodeFrame(f Frame) ([]byte, error) {
	return codec.Marshal(f)
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := codec.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Kind {
	case FrameSync, FrameUpdate:
		if len(f.Data) == 0 {
			return Frame{}, fmt.Errorf("decode frame: empty %s", f.Kind)
		}
	case FrameError:
	default:
		return Frame{}, fmt.Errorf("decode frame: unknown kind %d", f.Kind)
	}
	return f, nil
}

// TopicForRoom names the replication topic of a room.
func TopicForRoom(id domain.RoomID) string {
	return topicPrefix + string(id)
}

func RoomFromTopic(topic string) (domain.RoomID, error) {
	id, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok || id == "" || strings.ContainsAny(id, " /*?[]") {
		return "", fmt.Errorf("invalid topic %q", topic)
	}
	return domain.RoomID(id), nil
}

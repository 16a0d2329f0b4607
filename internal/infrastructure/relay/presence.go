package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"boardnet/internal/core/domain"
)

// Participant is one live connection on a topic, as seen by every relay
// instance.
type Participant struct {
	ID       string        `cbor:"1,keyasint" json:"participant_id"`
	User     domain.UserID `cbor:"2,keyasint" json:"user_id,omitempty"`
	Conn     string        `cbor:"3,keyasint" json:"-"`
	Instance string        `cbor:"4,keyasint" json:"instance_id"`
	Since    time.Time     `cbor:"5,keyasint" json:"since"`
}

// Presence tracks who is connected to which topic across relay instances.
// Leave only removes the entry when conn still owns it, so a participant
// that reconnected elsewhere stays listed.
type Presence interface {
	Join(ctx context.Context, topic string, p Participant) error
	Leave(ctx context.Context, topic, participant, conn string) error
	Participants(ctx context.Context, topic string) ([]Participant, error)
	// Refresh keeps this instance's entries alive.
	Refresh(ctx context.Context) error
	// Cleanup drops every entry of this instance.
	Cleanup(ctx context.Context) error
}

func WithPresence(p Presence) Option { return func(s *Server) { s.presence = p } }

func (s *Server) join(ctx context.Context, topic string, c *client) {
	if s.presence == nil {
		return
	}
	err := s.presence.Join(ctx, topic, Participant{
		ID:       c.participant,
		User:     c.user,
		Conn:     c.id,
		Instance: s.instanceID,
		Since:    time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warnw("failed to record presence", "topic", topic, "participant_id", c.participant, "error", err)
	}
}

func (s *Server) leave(topic string, c *client) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.presence.Leave(ctx, topic, c.participant, c.id); err != nil {
		s.logger.Warnw("failed to clear presence", "topic", topic, "participant_id", c.participant, "error", err)
	}
}

// HandlePresence serves /presence?topic=whiteboard-<room> with the
// participants connected to the topic on any instance.
func (s *Server) HandlePresence(w http.ResponseWriter, r *http.Request) {
	if s.presence == nil {
		http.Error(w, "presence is disabled", http.StatusNotFound)
		return
	}
	topic := r.URL.Query().Get("topic")
	room, err := RoomFromTopic(topic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := s.authenticate(w, r, room); !ok {
		return
	}

	participants, err := s.presence.Participants(r.Context(), topic)
	if err != nil {
		s.logger.Errorw("failed to list presence", "topic", topic, "error", err)
		http.Error(w, "failed to list participants", http.StatusInternalServerError)
		return
	}
	if participants == nil {
		participants = []Participant{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"topic":        topic,
		"participants": participants,
	})
}

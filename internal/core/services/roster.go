package services

import (
	"sort"
	"sync"
	"time"

	"boardnet/internal/core/domain"
)

// Roster is the session's view of the other participants. Every update is
// an upsert keyed by participant id, so duplicate or reordered
// announcements are harmless.
type Roster struct {
	mu           sync.RWMutex
	participants map[domain.ParticipantID]*domain.Participant
	now          func() time.Time
}

func NewRoster() *Roster {
	return &Roster{
		participants: make(map[domain.ParticipantID]*domain.Participant),
		now:          time.Now,
	}
}

func (r *Roster) upsert(id domain.ParticipantID) *domain.Participant {
	p, ok := r.participants[id]
	if !ok {
		now := r.now()
		p = &domain.Participant{ID: id, State: domain.PeerAbsent, JoinedAt: now}
		r.participants[id] = p
	}
	p.UpdatedAt = r.now()
	return p
}

// Announce records a join or call-state announcement.
func (r *Roster) Announce(id domain.ParticipantID, displayName string, cs domain.CallState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.upsert(id)
	if displayName != "" {
		p.DisplayName = displayName
	}
	p.AudioEnabled = cs.AudioEnabled
	p.VideoEnabled = cs.VideoEnabled
	p.ScreenSharing = cs.ScreenSharing
}

func (r *Roster) SetState(id domain.ParticipantID, state domain.PeerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.upsert(id)
	p.State = state
	switch state {
	case domain.PeerConnecting:
		if p.Media == nil {
			p.Connecting = true
		}
	case domain.PeerConnected:
		p.Connecting = false
	}
}

// AttachTrack adds or refreshes an inbound track on the participant's media
// handle.
func (r *Roster) AttachTrack(id domain.ParticipantID, track domain.RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.upsert(id)
	if p.Media == nil {
		p.Media = &domain.MediaHandle{StreamID: track.StreamID}
	}
	for i, t := range p.Media.Tracks {
		if t.ID == track.ID {
			p.Media.Tracks[i] = track
			return
		}
	}
	p.Media.Tracks = append(p.Media.Tracks, track)
}

func (r *Roster) Remove(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[id]
	delete(r.participants, id)
	return ok
}

func (r *Roster) Get(id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return copyParticipant(p), true
}

// List returns the participants ordered by id.
func (r *Roster) List() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, copyParticipant(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

func copyParticipant(p *domain.Participant) domain.Participant {
	c := *p
	if p.Media != nil {
		m := *p.Media
		m.Tracks = append([]domain.RemoteTrack(nil), p.Media.Tracks...)
		c.Media = &m
	}
	return c
}

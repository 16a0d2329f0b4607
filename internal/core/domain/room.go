package domain

import (
	"fmt"
	"time"
)

type RoomID string

type Member struct {
	UserID   UserID     `json:"userId"`
	Role     MemberRole `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
}

type Room struct {
	ID           RoomID    `json:"id"`
	Name         string    `json:"name"`
	OwnerID      UserID    `json:"ownerId"`
	IsPublic     bool      `json:"isPublic"`
	Members      []Member  `json:"members"`
	Notes        string    `json:"notes"`
	CreatedAt    time.Time `json:"createdAt"`
	LastAccessed time.Time `json:"lastAccessed"`
}

// RoomPatch carries the fields a caller wants to change; nil means keep.
type RoomPatch struct {
	Name     *string `json:"name,omitempty"`
	IsPublic *bool   `json:"isPublic,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

// OwnerOnly reports whether the patch touches owner-restricted fields.
func (p RoomPatch) OwnerOnly() bool {
	return p.Name != nil || p.IsPublic != nil
}

func (p RoomPatch) Empty() bool {
	return p.Name == nil && p.IsPublic == nil && p.Notes == nil
}

// RoomSummary is the listing shape for public rooms.
type RoomSummary struct {
	Room
	MemberCount int `json:"memberCount"`
}

// Topic is the replication topic shared by every participant of the room.
func (id RoomID) Topic() string {
	return "whiteboard-" + string(id)
}

func DefaultRoomName(now time.Time) string {
	return fmt.Sprintf("Whiteboard %s", now.Format("1/2/2006"))
}

func (r *Room) IsOwner(u UserID) bool {
	return u != "" && r.OwnerID == u
}

func (r *Room) IsMember(u UserID) bool {
	if r.IsOwner(u) {
		return true
	}
	for _, m := range r.Members {
		if m.UserID == u {
			return true
		}
	}
	return false
}

func (r *Room) CanRead(u UserID) bool {
	return r.IsPublic || r.IsMember(u)
}

func (r *Room) CanWrite(u UserID) bool {
	return r.IsMember(u)
}

// AddMember is a no-op when the user already belongs to the room.
func (r *Room) AddMember(u UserID, role MemberRole, at time.Time) bool {
	if r.IsMember(u) {
		return false
	}
	r.Members = append(r.Members, Member{UserID: u, Role: role, JoinedAt: at})
	return true
}

func (r *Room) Apply(p RoomPatch) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.IsPublic != nil {
		r.IsPublic = *p.IsPublic
	}
	if p.Notes != nil {
		r.Notes = *p.Notes
	}
}

// Copy returns a deep copy safe to hand out of a repository.
func (r *Room) Copy() *Room {
	c := *r
	c.Members = append([]Member(nil), r.Members...)
	return &c
}

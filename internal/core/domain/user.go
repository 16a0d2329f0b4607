package domain

import "time"

type UserID string

// User is the identity handed to us by the auth provider.
type User struct {
	ID          UserID    `json:"id"`
	DisplayName string    `json:"displayName"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// Session is a signed identity issued to a client.
type Session struct {
	User      User      `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleMember MemberRole = "member"
)

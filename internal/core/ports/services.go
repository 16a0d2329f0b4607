package ports

import (
	"context"

	"boardnet/internal/core/domain"
)

// RoomService is the access-controlled room store. Missing rooms yield
// domain.ErrRoomNotFound; rooms the caller may not touch yield
// domain.ErrRoomAccessDenied or domain.ErrNotRoomOwner.
type RoomService interface {
	CreateRoom(ctx context.Context, caller domain.UserID, name string) (*domain.Room, error)
	GetRoom(ctx context.Context, caller domain.UserID, id domain.RoomID) (*domain.Room, error)
	UpdateRoom(ctx context.Context, caller domain.UserID, id domain.RoomID, patch domain.RoomPatch) (*domain.Room, error)
	DeleteRoom(ctx context.Context, caller domain.UserID, id domain.RoomID) error
	JoinRoom(ctx context.Context, caller domain.UserID, id domain.RoomID) (*domain.Room, error)
	ListRoomsForUser(ctx context.Context, caller domain.UserID) ([]*domain.Room, error)
	ListPublicRooms(ctx context.Context, caller domain.UserID) ([]domain.RoomSummary, error)

	GetElements(ctx context.Context, caller domain.UserID, id domain.RoomID) ([]domain.Element, error)
	ReplaceElements(ctx context.Context, caller domain.UserID, id domain.RoomID, elements []domain.Element, notes *string) error
	ClearElements(ctx context.Context, caller domain.UserID, id domain.RoomID) error
}

// BoardStore is the durable store as seen by one signed-in participant.
// It is satisfied by the HTTP store client and by a caller-scoped
// RoomService.
type BoardStore interface {
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	GetElements(ctx context.Context, id domain.RoomID) ([]domain.Element, error)
	ReplaceElements(ctx context.Context, id domain.RoomID, elements []domain.Element, notes *string) error
	ClearElements(ctx context.Context, id domain.RoomID) error
}

// AssistantModel is the external text model.
type AssistantModel interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

type AssistantService interface {
	Generate(ctx context.Context, prompt string) ([]domain.Element, error)
}

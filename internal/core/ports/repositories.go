package ports

import (
	"context"
	"time"

	"boardnet/internal/core/domain"
)

// RoomRepository stores room metadata and membership. Lookups of a missing
// room return domain.ErrRoomNotFound.
type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	Update(ctx context.Context, room *domain.Room) error
	Delete(ctx context.Context, id domain.RoomID) error
	Touch(ctx context.Context, id domain.RoomID, at time.Time) error
	// ListByMember returns the rooms the user owns or belongs to.
	ListByMember(ctx context.Context, userID domain.UserID) ([]*domain.Room, error)
	// ListPublic returns public rooms the user does not belong to, newest
	// access first, at most limit of them.
	ListPublic(ctx context.Context, excluding domain.UserID, limit int) ([]*domain.Room, error)
	// ListAll returns every stored room, oldest first.
	ListAll(ctx context.Context) ([]*domain.Room, error)
}

// ElementRepository stores the persisted element snapshot of each room in
// insertion order.
type ElementRepository interface {
	Get(ctx context.Context, roomID domain.RoomID) ([]domain.Element, error)
	// Replace deletes the stored snapshot and writes elements in its place.
	Replace(ctx context.Context, roomID domain.RoomID, elements []domain.Element) error
	Clear(ctx context.Context, roomID domain.RoomID) error
}

// HealthChecker is implemented by repositories with a backing server.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

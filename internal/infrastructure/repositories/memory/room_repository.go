package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms map[domain.RoomID]*domain.Room
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
	}
}

func (r *MemoryRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; exists {
		return fmt.Errorf("room already exists: %s", room.ID)
	}

	r.rooms[room.ID] = room.Copy()
	return nil
}

func (r *MemoryRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}

	return room.Copy(), nil
}

func (r *MemoryRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; !exists {
		return domain.ErrRoomNotFound
	}

	r.rooms[room.ID] = room.Copy()
	return nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[id]; !exists {
		return domain.ErrRoomNotFound
	}

	delete(r.rooms, id)
	return nil
}

func (r *MemoryRoomRepository) Touch(ctx context.Context, id domain.RoomID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return domain.ErrRoomNotFound
	}
	room.LastAccessed = at
	return nil
}

func (r *MemoryRoomRepository) ListByMember(ctx context.Context, userID domain.UserID) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rooms []*domain.Room
	for _, room := range r.rooms {
		if room.IsMember(userID) {
			rooms = append(rooms, room.Copy())
		}
	}
	sortByAccess(rooms)
	return rooms, nil
}

func (r *MemoryRoomRepository) ListPublic(ctx context.Context, excluding domain.UserID, limit int) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rooms []*domain.Room
	for _, room := range r.rooms {
		if room.IsPublic && !room.IsMember(excluding) {
			rooms = append(rooms, room.Copy())
		}
	}
	sortByAccess(rooms)
	if limit > 0 && len(rooms) > limit {
		rooms = rooms[:limit]
	}
	return rooms, nil
}

func (r *MemoryRoomRepository) ListAll(ctx context.Context) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]*domain.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room.Copy())
	}
	sortByCreation(rooms)
	return rooms, nil
}

func sortByCreation(rooms []*domain.Room) {
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
		}
		return rooms[i].ID < rooms[j].ID
	})
}

func sortByAccess(rooms []*domain.Room) {
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].LastAccessed.Equal(rooms[j].LastAccessed) {
			return rooms[i].LastAccessed.After(rooms[j].LastAccessed)
		}
		return rooms[i].ID < rooms[j].ID
	})
}

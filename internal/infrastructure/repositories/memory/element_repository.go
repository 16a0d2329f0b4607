package memory

import (
	"context"
	"sync"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"
)

type MemoryElementRepository struct {
	elements map[domain.RoomID][]domain.Element
	mu       sync.RWMutex
}

func NewMemoryElementRepository() ports.ElementRepository {
	return &MemoryElementRepository{
		elements: make(map[domain.RoomID][]domain.Element),
	}
}

func (r *MemoryElementRepository) Get(ctx context.Context, roomID domain.RoomID) ([]domain.Element, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.elements[roomID]
	out := make([]domain.Element, len(stored))
	for i, el := range stored {
		out[i] = el.Clone()
	}
	return out, nil
}

func (r *MemoryElementRepository) Replace(ctx context.Context, roomID domain.RoomID, elements []domain.Element) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(elements) == 0 {
		delete(r.elements, roomID)
		return nil
	}
	stored := make([]domain.Element, len(elements))
	for i, el := range elements {
		stored[i] = el.Clone()
	}
	r.elements[roomID] = stored
	return nil
}

func (r *MemoryElementRepository) Clear(ctx context.Context, roomID domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.elements, roomID)
	return nil
}

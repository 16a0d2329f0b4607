package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"
	"boardnet/pkg/utils"

	"go.uber.org/zap"
)

const (
	maxRoomNameLength = 100
	maxNotesLength    = 64 << 10
	publicRoomsLimit  = 50
)

type RoomService struct {
	rooms    ports.RoomRepository
	elements ports.ElementRepository
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// RoomServiceOption customizes the room service.
type RoomServiceOption func(*RoomService)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RoomServiceOption {
	return func(s *RoomService) { s.now = now }
}

func NewRoomService(rooms ports.RoomRepository, elements ports.ElementRepository, logger *zap.SugaredLogger, opts ...RoomServiceOption) *RoomService {
	s := &RoomService{
		rooms:    rooms,
		elements: elements,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ports.RoomService = (*RoomService)(nil)

func (s *RoomService) CreateRoom(ctx context.Context, caller domain.UserID, name string) (*domain.Room, error) {
	if caller == "" {
		return nil, domain.ErrUnauthenticated
	}
	now := s.now()
	name = utils.SanitizeString(name)
	if name == "" {
		name = domain.DefaultRoomName(now)
	}
	if utf8.RuneCountInString(name) > maxRoomNameLength {
		return nil, fmt.Errorf("%w: name longer than %d characters", domain.ErrInvalidRoom, maxRoomNameLength)
	}

	room := &domain.Room{
		ID:           domain.RoomID(utils.GenerateRoomID()),
		Name:         name,
		OwnerID:      caller,
		CreatedAt:    now,
		LastAccessed: now,
	}
	room.Members = []domain.Member{{UserID: caller, Role: domain.RoleOwner, JoinedAt: now}}

	if err := s.rooms.Create(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	s.logger.Infow("room created", "room_id", room.ID, "user_id", caller)
	return room, nil
}

// load fetches a room and checks the caller may read it, or write it when
// write is set. A missing room is reported before any access decision.
func (s *RoomService) load(ctx context.Context, caller domain.UserID, id domain.RoomID, write bool) (*domain.Room, error) {
	if caller == "" {
		return nil, domain.ErrUnauthenticated
	}
	room, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := room.CanRead(caller)
	if write {
		allowed = room.CanWrite(caller)
	}
	if !allowed {
		return nil, domain.ErrRoomAccessDenied
	}
	return room, nil
}

func (s *RoomService) touch(ctx context.Context, room *domain.Room) {
	now := s.now()
	room.LastAccessed = now
	if err := s.rooms.Touch(ctx, room.ID, now); err != nil {
		s.logger.Warnw("failed to record room access", "room_id", room.ID, "error", err)
	}
}

func (s *RoomService) GetRoom(ctx context.Context, caller domain.UserID, id domain.RoomID) (*domain.Room, error) {
	room, err := s.load(ctx, caller, id, false)
	if err != nil {
		return nil, err
	}
	s.touch(ctx, room)
	return room, nil
}

func (s *RoomService) UpdateRoom(ctx context.Context, caller domain.UserID, id domain.RoomID, patch domain.RoomPatch) (*domain.Room, error) {
	room, err := s.load(ctx, caller, id, true)
	if err != nil {
		return nil, err
	}
	if patch.OwnerOnly() && !room.IsOwner(caller) {
		return nil, domain.ErrNotRoomOwner
	}
	if patch.Empty() {
		return room, nil
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" || utf8.RuneCountInString(name) > maxRoomNameLength {
			return nil, fmt.Errorf("%w: name must be 1 to %d characters", domain.ErrInvalidRoom, maxRoomNameLength)
		}
		patch.Name = &name
	}
	if patch.Notes != nil && len(*patch.Notes) > maxNotesLength {
		return nil, fmt.Errorf("%w: notes too long", domain.ErrInvalidRoom)
	}

	room.Apply(patch)
	room.LastAccessed = s.now()
	if err := s.rooms.Update(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}
	return room, nil
}

func (s *RoomService) DeleteRoom(ctx context.Context, caller domain.UserID, id domain.RoomID) error {
	room, err := s.load(ctx, caller, id, false)
	if err != nil {
		return err
	}
	if !room.IsOwner(caller) {
		return domain.ErrNotRoomOwner
	}
	if err := s.elements.Clear(ctx, id); err != nil {
		return fmt.Errorf("failed to clear elements: %w", err)
	}
	if err := s.rooms.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	s.logger.Infow("room deleted", "room_id", id, "user_id", caller)
	return nil
}

// JoinRoom makes the caller a member of a public room. Joining a room the
// caller already belongs to is a no-op.
func (s *RoomService) JoinRoom(ctx context.Context, caller domain.UserID, id domain.RoomID) (*domain.Room, error) {
	room, err := s.load(ctx, caller, id, false)
	if err != nil {
		return nil, err
	}
	if room.IsMember(caller) {
		s.touch(ctx, room)
		return room, nil
	}
	if !room.IsPublic {
		return nil, domain.ErrRoomAccessDenied
	}

	now := s.now()
	room.AddMember(caller, domain.RoleMember, now)
	room.LastAccessed = now
	if err := s.rooms.Update(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to join room: %w", err)
	}
	return room, nil
}

func (s *RoomService) ListRoomsForUser(ctx context.Context, caller domain.UserID) ([]*domain.Room, error) {
	if caller == "" {
		return nil, domain.ErrUnauthenticated
	}
	rooms, err := s.rooms.ListByMember(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	if rooms == nil {
		rooms = []*domain.Room{}
	}
	return rooms, nil
}

func (s *RoomService) ListPublicRooms(ctx context.Context, caller domain.UserID) ([]domain.RoomSummary, error) {
	if caller == "" {
		return nil, domain.ErrUnauthenticated
	}
	rooms, err := s.rooms.ListPublic(ctx, caller, publicRoomsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list public rooms: %w", err)
	}
	out := make([]domain.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, domain.RoomSummary{Room: *r, MemberCount: len(r.Members)})
	}
	return out, nil
}

func (s *RoomService) GetElements(ctx context.Context, caller domain.UserID, id domain.RoomID) ([]domain.Element, error) {
	room, err := s.load(ctx, caller, id, false)
	if err != nil {
		return nil, err
	}
	elements, err := s.elements.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get elements: %w", err)
	}
	s.touch(ctx, room)
	return elements, nil
}

// ReplaceElements swaps the stored snapshot for elements. Nothing is
// written if any element is invalid. Notes, when given, are saved too.
func (s *RoomService) ReplaceElements(ctx context.Context, caller domain.UserID, id domain.RoomID, elements []domain.Element, notes *string) error {
	room, err := s.load(ctx, caller, id, true)
	if err != nil {
		return err
	}
	for i, el := range elements {
		if err := el.Validate(); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	if notes != nil && len(*notes) > maxNotesLength {
		return fmt.Errorf("%w: notes too long", domain.ErrInvalidRoom)
	}

	if err := s.elements.Replace(ctx, id, elements); err != nil {
		return fmt.Errorf("failed to replace elements: %w", err)
	}

	if notes != nil && *notes != room.Notes {
		room.Notes = *notes
		room.LastAccessed = s.now()
		if err := s.rooms.Update(ctx, room); err != nil {
			return fmt.Errorf("failed to save notes: %w", err)
		}
		return nil
	}
	s.touch(ctx, room)
	return nil
}

func (s *RoomService) ClearElements(ctx context.Context, caller domain.UserID, id domain.RoomID) error {
	room, err := s.load(ctx, caller, id, true)
	if err != nil {
		return err
	}
	if err := s.elements.Clear(ctx, id); err != nil {
		return fmt.Errorf("failed to clear elements: %w", err)
	}
	s.touch(ctx, room)
	return nil
}

// Scoped binds the service to one caller, giving the store view a
// participant's persistence bridge works against.
func (s *RoomService) Scoped(caller domain.UserID) ports.BoardStore {
	return &scopedStore{svc: s, caller: caller}
}

type scopedStore struct {
	svc    ports.RoomService
	caller domain.UserID
}

func (s *scopedStore) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	return s.svc.GetRoom(ctx, s.caller, id)
}

func (s *scopedStore) GetElements(ctx context.Context, id domain.RoomID) ([]domain.Element, error) {
	return s.svc.GetElements(ctx, s.caller, id)
}

func (s *scopedStore) ReplaceElements(ctx context.Context, id domain.RoomID, elements []domain.Element, notes *string) error {
	return s.svc.ReplaceElements(ctx, s.caller, id, elements, notes)
}

func (s *scopedStore) ClearElements(ctx context.Context, id domain.RoomID) error {
	return s.svc.ClearElements(ctx, s.caller, id)
}

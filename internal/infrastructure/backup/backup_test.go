package backup

import (
	"context"
	"testing"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/infrastructure/repositories/memory"
	"boardnet/pkg/backup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedRoom(t *testing.T, ctx context.Context, rooms interface {
	Create(context.Context, *domain.Room) error
}, id domain.RoomID, name string) *domain.Room {
	t.Helper()
	// Archives keep whole seconds.
	now := time.Now().UTC().Truncate(time.Second)
	room := &domain.Room{
		ID:           id,
		Name:         name,
		OwnerID:      "alice",
		Members:      []domain.Member{{UserID: "alice", Role: domain.RoleOwner, JoinedAt: now}},
		Notes:        "agenda",
		CreatedAt:    now,
		LastAccessed: now,
	}
	require.NoError(t, rooms.Create(ctx, room))
	return room
}

func rect(id domain.ElementID) domain.Element {
	return domain.Element{Tool: domain.ToolRectangle, Props: domain.Props{ID: id, X: 1, Y: 2, Width: 30, Height: 40, Stroke: "#000"}}
}

func TestSchedulerAndRestore(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	storage, err := backup.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	archive := NewArchive(storage)

	rooms := memory.NewMemoryRoomRepository()
	elements := memory.NewMemoryElementRepository()
	seedRoom(t, ctx, rooms, "room-a", "alpha")
	seedRoom(t, ctx, rooms, "room-b", "beta")
	require.NoError(t, elements.Replace(ctx, "room-a", []domain.Element{rect("p1-1"), rect("p1-2")}))

	name, err := NewScheduler(archive, rooms, elements, Config{Interval: time.Hour, Retain: 3}, log).RunOnce(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	freshRooms := memory.NewMemoryRoomRepository()
	freshElements := memory.NewMemoryElementRepository()
	res, err := NewRestoreService(archive, freshRooms, freshElements, log).Restore(ctx, Latest, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, name, res.Archive)
	assert.Equal(t, 2, res.Restored)
	assert.Zero(t, res.Skipped)

	got, err := freshRooms.GetByID(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)
	assert.Equal(t, "agenda", got.Notes)
	require.Len(t, got.Members, 1)
	assert.Equal(t, domain.RoleOwner, got.Members[0].Role)

	els, err := freshElements.Get(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, []domain.Element{rect("p1-1"), rect("p1-2")}, els)

	els, err = freshElements.Get(ctx, "room-b")
	require.NoError(t, err)
	assert.Empty(t, els)
}

func TestRestore_SkipsExistingUnlessOverwriting(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	storage, err := backup.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	archive := NewArchive(storage)

	rooms := memory.NewMemoryRoomRepository()
	elements := memory.NewMemoryElementRepository()
	seedRoom(t, ctx, rooms, "room-a", "alpha")
	require.NoError(t, elements.Replace(ctx, "room-a", []domain.Element{rect("p1-1")}))

	_, err = NewScheduler(archive, rooms, elements, Config{Interval: time.Hour}, log).RunOnce(ctx)
	require.NoError(t, err)

	// The live room moves on after the archive was written.
	room, err := rooms.GetByID(ctx, "room-a")
	require.NoError(t, err)
	room.Name = "renamed"
	require.NoError(t, rooms.Update(ctx, room))
	require.NoError(t, elements.Clear(ctx, "room-a"))

	restore := NewRestoreService(archive, rooms, elements, log)
	res, err := restore.Restore(ctx, Latest, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	room, err = rooms.GetByID(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, "renamed", room.Name)

	res, err = restore.Restore(ctx, Latest, RestoreOptions{OverwriteExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restored)
	room, err = rooms.GetByID(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", room.Name)
	els, err := elements.Get(ctx, "room-a")
	require.NoError(t, err)
	assert.Len(t, els, 1)
}

func TestRestore_NoArchives(t *testing.T) {
	storage, err := backup.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	restore := NewRestoreService(NewArchive(storage), memory.NewMemoryRoomRepository(), memory.NewMemoryElementRepository(), zap.NewNop().Sugar())

	_, err = restore.Restore(context.Background(), Latest, RestoreOptions{})
	assert.ErrorIs(t, err, backup.ErrNoBackups)
}

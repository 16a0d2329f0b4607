package backup

import (
	"context"
	"errors"
	"fmt"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"
	"boardnet/pkg/backup"
	"boardnet/pkg/tracing"

	"go.uber.org/zap"
)

// Latest names the newest archive in Restore.
const Latest = "latest"

type RestoreOptions struct {
	// OverwriteExisting replaces rooms that already exist in the store.
	// Otherwise they are skipped.
	OverwriteExisting bool
}

type RestoreResult struct {
	Archive  string
	Restored int
	Skipped  int
}

type RestoreService struct {
	archive  *backup.Archive
	rooms    ports.RoomRepository
	elements ports.ElementRepository
	logger   *zap.SugaredLogger
}

func NewRestoreService(
	archive *backup.Archive,
	rooms ports.RoomRepository,
	elements ports.ElementRepository,
	logger *zap.SugaredLogger,
) *RestoreService {
	return &RestoreService{archive: archive, rooms: rooms, elements: elements, logger: logger}
}

// Restore loads the named archive, or the newest one for Latest, into the
// store.
func (rs *RestoreService) Restore(ctx context.Context, name string, opts RestoreOptions) (res *RestoreResult, err error) {
	ctx, span := tracing.TraceBackup(ctx, "restore")
	defer func() { tracing.End(span, err) }()

	if name == Latest {
		latest, err := rs.archive.Latest(ctx)
		if err != nil {
			return nil, err
		}
		name = latest
	}

	tracing.AddSpanAttributes(ctx, tracing.ArchiveKey.String(name))

	var snap Snapshot
	createdAt, err := rs.archive.Load(ctx, name, &snap)
	if err != nil {
		return nil, err
	}
	rs.logger.Infow("starting restore", "backup_name", name, "created_at", createdAt, "rooms", len(snap.Rooms))

	res = &RestoreResult{Archive: name}
	for _, rec := range snap.Rooms {
		if rec.Room == nil {
			continue
		}
		restored, err := rs.restoreRoom(ctx, rec, opts)
		if err != nil {
			return res, fmt.Errorf("failed to restore room %s: %w", rec.Room.ID, err)
		}
		if restored {
			res.Restored++
		} else {
			res.Skipped++
		}
	}

	rs.logger.Infow("restore completed", "backup_name", name, "restored", res.Restored, "skipped", res.Skipped)
	return res, nil
}

func (rs *RestoreService) restoreRoom(ctx context.Context, rec RoomSnapshot, opts RestoreOptions) (bool, error) {
	_, err := rs.rooms.GetByID(ctx, rec.Room.ID)
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		if err := rs.rooms.Create(ctx, rec.Room); err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	case !opts.OverwriteExisting:
		rs.logger.Debugw("room exists, skipping", "room_id", rec.Room.ID)
		return false, nil
	default:
		if err := rs.rooms.Update(ctx, rec.Room); err != nil {
			return false, err
		}
	}

	if len(rec.Elements) == 0 {
		return true, rs.elements.Clear(ctx, rec.Room.ID)
	}
	return true, rs.elements.Replace(ctx, rec.Room.ID, rec.Elements)
}

// Package backup archives the room store on a schedule and restores it.
package backup

import (
	"context"
	"fmt"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"
	"boardnet/pkg/backup"
	"boardnet/pkg/tracing"

	"go.uber.org/zap"
)

const (
	archivePrefix = "rooms"
	// snapshotVersion is bumped whenever Snapshot changes incompatibly.
	snapshotVersion = 1
)

// Snapshot is the archived content of the room store.
type Snapshot struct {
	Rooms []RoomSnapshot `cbor:"rooms"`
}

type RoomSnapshot struct {
	Room     *domain.Room     `cbor:"room"`
	Elements []domain.Element `cbor:"elements"`
}

type Config struct {
	Interval time.Duration
	// Retain is how many archives survive pruning.
	Retain int
}

// Scheduler writes an archive of every room every Interval.
type Scheduler struct {
	archive  *backup.Archive
	rooms    ports.RoomRepository
	elements ports.ElementRepository
	cfg      Config
	logger   *zap.SugaredLogger
}

func NewArchive(storage backup.Storage) *backup.Archive {
	return backup.NewArchive(storage, archivePrefix, snapshotVersion)
}

func NewScheduler(
	archive *backup.Archive,
	rooms ports.RoomRepository,
	elements ports.ElementRepository,
	cfg Config,
	logger *zap.SugaredLogger,
) *Scheduler {
	if cfg.Retain < 1 {
		cfg.Retain = 1
	}
	return &Scheduler{
		archive:  archive,
		rooms:    rooms,
		elements: elements,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run archives once immediately and then on every tick until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runBackup(ctx)
	for {
		select {
		case <-ticker.C:
			s.runBackup(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runBackup(ctx context.Context) {
	name, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Errorw("scheduled backup failed", "error", err)
		return
	}
	s.logger.Infow("backup created", "backup_name", name)
}

// RunOnce archives the store, prunes old archives and returns the new
// archive's name.
func (s *Scheduler) RunOnce(ctx context.Context) (name string, err error) {
	ctx, span := tracing.TraceBackup(ctx, "save")
	defer func() { tracing.End(span, err) }()

	snap, err := s.collect(ctx)
	if err != nil {
		return "", err
	}
	name, err = s.archive.Save(ctx, snap)
	if err != nil {
		return "", err
	}
	tracing.AddSpanAttributes(ctx, tracing.ArchiveKey.String(name))

	removed, err := s.archive.Prune(ctx, s.cfg.Retain)
	if err != nil {
		s.logger.Warnw("failed to prune old backups", "error", err)
	} else if removed > 0 {
		s.logger.Debugw("pruned old backups", "removed", removed)
	}
	return name, nil
}

func (s *Scheduler) collect(ctx context.Context) (*Snapshot, error) {
	rooms, err := s.rooms.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	snap := &Snapshot{Rooms: make([]RoomSnapshot, 0, len(rooms))}
	for _, room := range rooms {
		elements, err := s.elements.Get(ctx, room.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read elements of room %s: %w", room.ID, err)
		}
		snap.Rooms = append(snap.Rooms, RoomSnapshot{Room: room, Elements: elements})
	}
	return snap, nil
}

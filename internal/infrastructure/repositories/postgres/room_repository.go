package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"
	"boardnet/pkg/batch"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const roomColumns = `id, name, owner_id, is_public, notes, created_at, last_accessed`

type PostgresRoomRepository struct {
	pool    *pgxpool.Pool
	touches *batch.Coalescer[domain.RoomID, time.Time]
}

func NewPostgresRoomRepository(pool *pgxpool.Pool, touchInterval time.Duration, logger *zap.SugaredLogger) *PostgresRoomRepository {
	r := &PostgresRoomRepository{pool: pool}
	r.touches = batch.New[domain.RoomID, time.Time](256, touchInterval, r.flushTouches, func(err error) {
		logger.Warnw("failed to write room access times", "error", err)
	})
	return r
}

var _ ports.RoomRepository = (*PostgresRoomRepository)(nil)

func (r *PostgresRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO rooms (`+roomColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			string(room.ID), room.Name, string(room.OwnerID), room.IsPublic, room.Notes, room.CreatedAt, room.LastAccessed,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("room already exists: %s", room.ID)
			}
			return fmt.Errorf("failed to insert room: %w", err)
		}
		return writeMembers(ctx, tx, room)
	})
}

func writeMembers(ctx context.Context, tx pgx.Tx, room *domain.Room) error {
	b := &pgx.Batch{}
	b.Queue(`DELETE FROM room_members WHERE room_id = $1`, string(room.ID))
	for _, m := range room.Members {
		b.Queue(`INSERT INTO room_members (room_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)`,
			string(room.ID), string(m.UserID), string(m.Role), m.JoinedAt)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("failed to write members: %w", err)
	}
	return nil
}

func scanRoom(row pgx.Row) (*domain.Room, error) {
	var (
		room      domain.Room
		id, owner string
	)
	err := row.Scan(&id, &room.Name, &owner, &room.IsPublic, &room.Notes, &room.CreatedAt, &room.LastAccessed)
	if err != nil {
		return nil, err
	}
	room.ID = domain.RoomID(id)
	room.OwnerID = domain.UserID(owner)
	return &room, nil
}

func (r *PostgresRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	room, err := scanRoom(r.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	if err := r.loadMembers(ctx, []*domain.Room{room}); err != nil {
		return nil, err
	}
	return room, nil
}

func (r *PostgresRoomRepository) loadMembers(ctx context.Context, rooms []*domain.Room) error {
	if len(rooms) == 0 {
		return nil
	}
	byID := make(map[string]*domain.Room, len(rooms))
	ids := make([]string, 0, len(rooms))
	for _, room := range rooms {
		byID[string(room.ID)] = room
		ids = append(ids, string(room.ID))
	}

	rows, err := r.pool.Query(ctx,
		`SELECT room_id, user_id, role, joined_at FROM room_members WHERE room_id = ANY($1) ORDER BY joined_at, user_id`, ids)
	if err != nil {
		return fmt.Errorf("failed to get members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			roomID, userID, role string
			joined               time.Time
		)
		if err := rows.Scan(&roomID, &userID, &role, &joined); err != nil {
			return fmt.Errorf("failed to scan member: %w", err)
		}
		if room := byID[roomID]; room != nil {
			room.Members = append(room.Members, domain.Member{
				UserID:   domain.UserID(userID),
				Role:     domain.MemberRole(role),
				JoinedAt: joined,
			})
		}
	}
	return rows.Err()
}

func (r *PostgresRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE rooms SET name = $2, is_public = $3, notes = $4, last_accessed = $5 WHERE id = $1`,
			string(room.ID), room.Name, room.IsPublic, room.Notes, room.LastAccessed,
		)
		if err != nil {
			return fmt.Errorf("failed to update room: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrRoomNotFound
		}
		return writeMembers(ctx, tx, room)
	})
}

func (r *PostgresRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

// Touch records an access. The write is deferred to the next batch.
func (r *PostgresRoomRepository) Touch(ctx context.Context, id domain.RoomID, at time.Time) error {
	r.touches.Add(id, at)
	return nil
}

func (r *PostgresRoomRepository) flushTouches(ctx context.Context, touches map[domain.RoomID]time.Time) error {
	b := &pgx.Batch{}
	for id, at := range touches {
		b.Queue(`UPDATE rooms SET last_accessed = GREATEST(last_accessed, $2) WHERE id = $1`, string(id), at)
	}
	return r.pool.SendBatch(ctx, b).Close()
}

func (r *PostgresRoomRepository) queryRooms(ctx context.Context, sql string, args ...any) ([]*domain.Room, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*domain.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := r.loadMembers(ctx, rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (r *PostgresRoomRepository) ListByMember(ctx context.Context, userID domain.UserID) ([]*domain.Room, error) {
	return r.queryRooms(ctx, `
SELECT `+roomColumns+` FROM rooms r
WHERE r.owner_id = $1
   OR EXISTS (SELECT 1 FROM room_members m WHERE m.room_id = r.id AND m.user_id = $1)
ORDER BY r.last_accessed DESC, r.id`, string(userID))
}

func (r *PostgresRoomRepository) ListPublic(ctx context.Context, excluding domain.UserID, limit int) ([]*domain.Room, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryRooms(ctx, `
SELECT `+roomColumns+` FROM rooms r
WHERE r.is_public
  AND r.owner_id <> $1
  AND NOT EXISTS (SELECT 1 FROM room_members m WHERE m.room_id = r.id AND m.user_id = $1)
ORDER BY r.last_accessed DESC, r.id
LIMIT $2`, string(excluding), limit)
}

func (r *PostgresRoomRepository) ListAll(ctx context.Context) ([]*domain.Room, error) {
	return r.queryRooms(ctx, `SELECT `+roomColumns+` FROM rooms r ORDER BY r.created_at, r.id`)
}

func (r *PostgresRoomRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close writes pending access times.
func (r *PostgresRoomRepository) Close() {
	r.touches.Stop()
}

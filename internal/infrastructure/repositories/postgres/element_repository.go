package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresElementRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresElementRepository(pool *pgxpool.Pool) ports.ElementRepository {
	return &PostgresElementRepository{pool: pool}
}

func (r *PostgresElementRepository) Get(ctx context.Context, roomID domain.RoomID) ([]domain.Element, error) {
	rows, err := r.pool.Query(ctx, `SELECT data FROM elements WHERE room_id = $1 ORDER BY position`, string(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to get elements: %w", err)
	}
	defer rows.Close()

	elements := []domain.Element{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan element: %w", err)
		}
		var el domain.Element
		if err := json.Unmarshal(data, &el); err != nil {
			return nil, fmt.Errorf("failed to unmarshal element: %w", err)
		}
		elements = append(elements, el)
	}
	return elements, rows.Err()
}

// Replace deletes and rewrites the room's elements in one transaction.
func (r *PostgresElementRepository) Replace(ctx context.Context, roomID domain.RoomID, elements []domain.Element) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		b.Queue(`DELETE FROM elements WHERE room_id = $1`, string(roomID))
		for i, el := range elements {
			data, err := json.Marshal(el)
			if err != nil {
				return fmt.Errorf("failed to marshal element: %w", err)
			}
			b.Queue(`INSERT INTO elements (room_id, position, data) VALUES ($1, $2, $3)`, string(roomID), i, string(data))
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("failed to replace elements: %w", err)
		}
		return nil
	})
}

func (r *PostgresElementRepository) Clear(ctx context.Context, roomID domain.RoomID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM elements WHERE room_id = $1`, string(roomID)); err != nil {
		return fmt.Errorf("failed to clear elements: %w", err)
	}
	return nil
}

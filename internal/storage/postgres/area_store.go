package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/glfleet/backend/internal/store"
)

// UpsertAreas inserts discovered areas with insert-or-ignore semantics and
// reports how many rows were new. Re-reporting the same path is a no-op.
func (s *Store) UpsertAreas(ctx context.Context, areas []store.Area) (int64, error) {
	var inserted int64
	for _, area := range areas {
		tag, err := s.pool.Exec(ctx, `
INSERT INTO areas (full_path, gitlab_id, name, type)
VALUES ($1, $2, $3, $4)
ON CONFLICT (full_path) DO NOTHING`,
			area.FullPath, area.GitLabID, area.Name, area.Type)
		if err != nil {
			return inserted, fmt.Errorf("upsert area %s: %w", area.FullPath, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// GetArea loads one area by full path.
func (s *Store) GetArea(ctx context.Context, fullPath string) (store.Area, error) {
	var area store.Area
	err := s.pool.QueryRow(ctx, `
SELECT full_path, gitlab_id, name, type FROM areas WHERE full_path = $1`,
		fullPath).Scan(&area.FullPath, &area.GitLabID, &area.Name, &area.Type)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Area{}, store.ErrNotFound
		}
		return store.Area{}, fmt.Errorf("get area %s: %w", fullPath, err)
	}
	return area, nil
}

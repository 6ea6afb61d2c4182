package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/glfleet/backend/internal/store"
)

// AccountToken resolves the crawl credential for an account. ErrNotFound
// means the account has no usable token on file.
func (s *Store) AccountToken(ctx context.Context, accountID string) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx,
		`SELECT access_token FROM account_tokens WHERE account_id = $1`,
		accountID).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("load token for account %s: %w", accountID, err)
	}
	if token == "" {
		return "", store.ErrNotFound
	}
	return token, nil
}

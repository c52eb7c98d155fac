package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

// TokenRepository stores OAuth credentials per external account.
type TokenRepository struct {
	BaseRepository
}

// NewTokenRepository creates a new token repository.
func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Get retrieves the token of an account. Returns nil when none is stored.
func (r *TokenRepository) Get(ctx context.Context, accountID string) (*models.AccountToken, error) {
	var (
		t      models.AccountToken
		expiry sql.NullTime
	)
	err := r.DB().QueryRowContext(ctx, `
		SELECT account_id, access_token, refresh_token, token_type, expiry, updated_at
		FROM account_tokens WHERE account_id = ?
	`, accountID).Scan(&t.AccountID, &t.AccessToken, &t.RefreshToken, &t.TokenType, &expiry, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}
	t.Expiry = timePtr(expiry)
	return &t, nil
}

// Save inserts or replaces the token of an account.
func (r *TokenRepository) Save(ctx context.Context, t *models.AccountToken) error {
	t.UpdatedAt = r.Now()
	if t.TokenType == "" {
		t.TokenType = "Bearer"
	}

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO account_tokens (account_id, access_token, refresh_token, token_type, expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at
	`, t.AccountID, t.AccessToken, t.RefreshToken, t.TokenType, nullTime(t.Expiry), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"time"
)

type totpSecretsRepo struct {
	db *sql.DB
}

func (r *totpSecretsRepo) Get(ctx context.Context, userID string) (string, error) {
	var secret string
	err := r.db.QueryRowContext(ctx, `SELECT secret FROM totp_secrets WHERE user_id = ?`, userID).Scan(&secret)
	if err != nil {
		return "", mapNotFound(err)
	}
	return secret, nil
}

func (r *totpSecretsRepo) Set(ctx context.Context, userID, secret string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO totp_secrets (user_id, secret, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET secret = excluded.secret, updated_at = excluded.updated_at
	`, userID, secret, time.Now().UTC())
	return err
}

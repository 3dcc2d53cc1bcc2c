package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/arcobank/scaflow/internal/sca/domain"
	"github.com/arcobank/scaflow/internal/sca/store"
)

type credentialsRepo struct {
	db *sql.DB
}

func (r *credentialsRepo) Create(ctx context.Context, c domain.Credential) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (id, user_id, username, policy_name, status, fail_count,
			secret_hash, recent_hashes, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.Username, c.PolicyName, c.Status, c.FailCount,
		c.SecretHash, joinList(c.RecentHashes), c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return store.ErrAlreadyExists
	}
	return err
}

const credentialColumns = `id, user_id, username, policy_name, status, fail_count,
	secret_hash, recent_hashes, version, created_at, updated_at`

func scanCredential(row *sql.Row) (domain.Credential, error) {
	var c domain.Credential
	var recentHashes string
	if err := row.Scan(&c.ID, &c.UserID, &c.Username, &c.PolicyName, &c.Status, &c.FailCount,
		&c.SecretHash, &recentHashes, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Credential{}, mapNotFound(err)
	}
	c.RecentHashes = splitList(recentHashes)
	return c, nil
}

func (r *credentialsRepo) GetByID(ctx context.Context, id string) (domain.Credential, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

func (r *credentialsRepo) GetByUser(ctx context.Context, userID, policyName string) (domain.Credential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials WHERE user_id = ? AND policy_name = ?
	`, userID, policyName)
	return scanCredential(row)
}

func (r *credentialsRepo) UsernameExists(ctx context.Context, username string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM credentials WHERE username = ?`, username).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IncrementFailCount is a single-statement atomic increment; the returned row
// reflects the post-increment state even under concurrent callers.
func (r *credentialsRepo) IncrementFailCount(ctx context.Context, id string) (domain.Credential, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE credentials SET fail_count = fail_count + 1, version = version + 1
		WHERE id = ?
		RETURNING `+credentialColumns+`
	`, id)
	return scanCredential(row)
}

func (r *credentialsRepo) Update(ctx context.Context, c domain.Credential) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET status = ?, fail_count = ?, secret_hash = ?, recent_hashes = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, c.Status, c.FailCount, c.SecretHash, joinList(c.RecentHashes), c.UpdatedAt, c.ID, c.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM credentials WHERE id = ?`, c.ID).Scan(&exists); err != nil {
			return mapNotFound(err)
		}
		return store.ErrConflict
	}
	return nil
}

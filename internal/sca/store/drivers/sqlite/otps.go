package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/arcobank/scaflow/internal/sca/domain"
	"github.com/arcobank/scaflow/internal/sca/store"
)

type otpsRepo struct {
	db *sql.DB
}

func (r *otpsRepo) Create(ctx context.Context, o domain.Otp) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO otps (id, operation_id, operation_name, policy_name, code, salt,
			attempt_count, verified, verified_at, version, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.OperationID, o.OperationName, o.PolicyName, o.Code, o.Salt,
		o.AttemptCount, o.Verified, o.VerifiedAt, o.Version, o.CreatedAt, o.ExpiresAt)
	return err
}

const otpColumns = `id, operation_id, operation_name, policy_name, code, salt,
	attempt_count, verified, verified_at, version, created_at, expires_at`

func scanOtp(row *sql.Row) (domain.Otp, error) {
	var o domain.Otp
	var verifiedAt sql.NullTime
	if err := row.Scan(&o.ID, &o.OperationID, &o.OperationName, &o.PolicyName, &o.Code, &o.Salt,
		&o.AttemptCount, &o.Verified, &verifiedAt, &o.Version, &o.CreatedAt, &o.ExpiresAt); err != nil {
		return domain.Otp{}, mapNotFound(err)
	}
	o.VerifiedAt = mapNullTimePtr(verifiedAt)
	return o, nil
}

func (r *otpsRepo) GetByID(ctx context.Context, id string) (domain.Otp, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+otpColumns+` FROM otps WHERE id = ?`, id)
	return scanOtp(row)
}

func (r *otpsRepo) GetActiveByOperation(ctx context.Context, operationID string) (domain.Otp, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+otpColumns+` FROM otps
		WHERE operation_id = ? AND verified = 0 AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1
	`, operationID, time.Now().UTC())
	return scanOtp(row)
}

// IncrementAttempts is a single-statement atomic increment, so the counter is
// monotonic under concurrent verifications.
func (r *otpsRepo) IncrementAttempts(ctx context.Context, id string) (domain.Otp, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE otps SET attempt_count = attempt_count + 1, version = version + 1
		WHERE id = ?
		RETURNING `+otpColumns+`
	`, id)
	return scanOtp(row)
}

// MarkVerified flips verified exactly once. The verified = 0 guard means a
// second caller racing the first sees ErrConflict, never a double success.
func (r *otpsRepo) MarkVerified(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE otps SET verified = 1, verified_at = ?, version = version + 1
		WHERE id = ? AND verified = 0
	`, at, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM otps WHERE id = ?`, id).Scan(&exists); err != nil {
			return mapNotFound(err)
		}
		return store.ErrConflict
	}
	return nil
}

func (r *otpsRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM otps WHERE expires_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

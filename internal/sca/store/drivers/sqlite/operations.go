package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/arcobank/scaflow/internal/sca/domain"
	"github.com/arcobank/scaflow/internal/sca/store"
)

type operationsRepo struct {
	db *sql.DB
}

func (r *operationsRepo) Create(ctx context.Context, op domain.Operation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO operations (id, name, data, user_id, result, failure_reason, version, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.Name, op.Data, op.UserID, op.Result, op.FailureReason, op.Version, op.CreatedAt, op.ExpiresAt)
	return err
}

func (r *operationsRepo) GetByID(ctx context.Context, id string) (domain.Operation, error) {
	var op domain.Operation
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, data, user_id, result, failure_reason, version, created_at, expires_at
		FROM operations WHERE id = ?
	`, id)
	if err := row.Scan(&op.ID, &op.Name, &op.Data, &op.UserID, &op.Result,
		&op.FailureReason, &op.Version, &op.CreatedAt, &op.ExpiresAt); err != nil {
		return domain.Operation{}, mapNotFound(err)
	}

	history, err := r.loadHistory(ctx, id)
	if err != nil {
		return domain.Operation{}, err
	}
	op.History = history
	return op, nil
}

func (r *operationsRepo) loadHistory(ctx context.Context, operationID string) ([]domain.StepHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT auth_method, step_result, recorded_at
		FROM operation_history WHERE operation_id = ? ORDER BY id ASC
	`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.StepHistoryEntry
	for rows.Next() {
		var entry domain.StepHistoryEntry
		if err := rows.Scan(&entry.Method, &entry.StepResult, &entry.RecordedAt); err != nil {
			return nil, err
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

// Update applies an optimistic-concurrency write: the row is only touched
// when its stored version still matches op.Version. New history entries are
// appended in the same transaction so a lost update can never leave a
// half-recorded step behind.
func (r *operationsRepo) Update(ctx context.Context, op domain.Operation, newEntries []domain.StepHistoryEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE operations
		SET user_id = ?, result = ?, failure_reason = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, op.UserID, op.Result, op.FailureReason, op.ID, op.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM operations WHERE id = ?`, op.ID).Scan(&exists); err != nil {
			return mapNotFound(err)
		}
		return store.ErrConflict
	}

	for _, entry := range newEntries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO operation_history (operation_id, auth_method, step_result, recorded_at)
			VALUES (?, ?, ?, ?)
		`, op.ID, entry.Method, entry.StepResult, entry.RecordedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *operationsRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM operations WHERE expires_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

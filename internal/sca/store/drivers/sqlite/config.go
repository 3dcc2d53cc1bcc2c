package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/arcobank/scaflow/internal/sca/domain"
)

type configRepo struct {
	db *sql.DB
}

func (r *configRepo) ListStepDefinitions(ctx context.Context) ([]domain.StepDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, operation_name, request_type, request_auth_method, request_step_result,
			response_priority, response_auth_method, response_result
		FROM step_definitions ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []domain.StepDefinition
	for rows.Next() {
		var d domain.StepDefinition
		var reqMethod, reqResult, respMethod sql.NullString
		if err := rows.Scan(&d.ID, &d.OperationName, &d.RequestType, &reqMethod, &reqResult,
			&d.ResponsePriority, &respMethod, &d.ResponseResult); err != nil {
			return nil, err
		}
		if reqMethod.Valid {
			m := domain.AuthMethod(reqMethod.String)
			d.RequestAuthMethod = &m
		}
		if reqResult.Valid {
			sr := domain.AuthStepResult(reqResult.String)
			d.RequestStepResult = &sr
		}
		if respMethod.Valid {
			m := domain.AuthMethod(respMethod.String)
			d.ResponseAuthMethod = &m
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (r *configRepo) ListCredentialPolicies(ctx context.Context) ([]domain.CredentialPolicy, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, min_length, max_length, allowed_pattern,
			gen_algorithm, gen_letter_count, gen_digit_count,
			username_length, username_gen_max_attempts,
			soft_limit, hard_limit, history_depth,
			hash_version, hash_iterations, hash_memory_kib, hash_parallelism, hash_output_length,
			encryption
		FROM credential_policies ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []domain.CredentialPolicy
	for rows.Next() {
		var p domain.CredentialPolicy
		if err := rows.Scan(&p.Name, &p.MinLength, &p.MaxLength, &p.AllowedPattern,
			&p.GenAlgorithm, &p.GenLetterCount, &p.GenDigitCount,
			&p.UsernameLength, &p.UsernameGenMaxAttempts,
			&p.SoftLimit, &p.HardLimit, &p.HistoryDepth,
			&p.Hashing.Version, &p.Hashing.Iterations, &p.Hashing.MemoryKiB,
			&p.Hashing.Parallelism, &p.Hashing.OutputLength,
			&p.Encryption); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (r *configRepo) ListOtpPolicies(ctx context.Context) ([]domain.OtpPolicy, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, algorithm, length, group_count, attempt_limit, ttl_seconds
		FROM otp_policies ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []domain.OtpPolicy
	for rows.Next() {
		var p domain.OtpPolicy
		var ttlSeconds int64
		if err := rows.Scan(&p.Name, &p.Algorithm, &p.Length, &p.GroupCount,
			&p.AttemptLimit, &ttlSeconds); err != nil {
			return nil, err
		}
		p.TTL = time.Duration(ttlSeconds) * time.Second
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

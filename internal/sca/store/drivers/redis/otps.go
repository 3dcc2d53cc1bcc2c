// Package redis is an alternative store.Otps driver for deployments that keep
// short-lived one-time codes out of the primary database. Counters move
// through HINCRBY and the verified flip runs as a Lua script, so the same
// atomicity guarantees hold as with the sqlite driver.
package redis

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"time"

	"github.com/arcobank/scaflow/internal/sca/domain"
	"github.com/arcobank/scaflow/internal/sca/store"

	"github.com/redis/go-redis/v9"
)

const (
	otpKeyPrefix   = "sca:otp:id:"
	opIndexPrefix  = "sca:otp:op:"
	timeWireFormat = time.RFC3339Nano
)

// markVerifiedScript flips verified exactly once; a second run returns 0.
var markVerifiedScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'verified') == '1' then
	return 0
end
redis.call('HSET', KEYS[1], 'verified', '1', 'verified_at', ARGV[1])
return 1
`)

type OtpStore struct {
	client *redis.Client
}

func NewOtpStore(client *redis.Client) *OtpStore {
	return &OtpStore{client: client}
}

func otpKey(id string) string       { return otpKeyPrefix + id }
func opIndexKey(opID string) string { return opIndexPrefix + opID }

func (s *OtpStore) Create(ctx context.Context, o domain.Otp) error {
	fields := map[string]any{
		"operation_id":   o.OperationID,
		"operation_name": o.OperationName,
		"policy_name":    o.PolicyName,
		"code":           o.Code,
		"salt":           base64.StdEncoding.EncodeToString(o.Salt),
		"attempt_count":  o.AttemptCount,
		"verified":       boolField(o.Verified),
		"verified_at":    "",
		"version":        o.Version,
		"created_at":     o.CreatedAt.UTC().Format(timeWireFormat),
		"expires_at":     o.ExpiresAt.UTC().Format(timeWireFormat),
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, otpKey(o.ID), fields)
	pipe.ZAdd(ctx, opIndexKey(o.OperationID), redis.Z{
		Score:  float64(o.CreatedAt.UTC().UnixNano()),
		Member: o.ID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *OtpStore) GetByID(ctx context.Context, id string) (domain.Otp, error) {
	fields, err := s.client.HGetAll(ctx, otpKey(id)).Result()
	if err != nil {
		return domain.Otp{}, err
	}
	if len(fields) == 0 {
		return domain.Otp{}, store.ErrNotFound
	}
	return otpFromFields(id, fields)
}

func (s *OtpStore) GetActiveByOperation(ctx context.Context, operationID string) (domain.Otp, error) {
	ids, err := s.client.ZRevRange(ctx, opIndexKey(operationID), 0, -1).Result()
	if err != nil {
		return domain.Otp{}, err
	}
	now := time.Now().UTC()
	for _, id := range ids {
		o, err := s.GetByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return domain.Otp{}, err
		}
		if !o.Verified && !o.Expired(now) {
			return o, nil
		}
	}
	return domain.Otp{}, store.ErrNotFound
}

func (s *OtpStore) IncrementAttempts(ctx context.Context, id string) (domain.Otp, error) {
	exists, err := s.client.Exists(ctx, otpKey(id)).Result()
	if err != nil {
		return domain.Otp{}, err
	}
	if exists == 0 {
		return domain.Otp{}, store.ErrNotFound
	}

	attempts, err := s.client.HIncrBy(ctx, otpKey(id), "attempt_count", 1).Result()
	if err != nil {
		return domain.Otp{}, err
	}
	if _, err := s.client.HIncrBy(ctx, otpKey(id), "version", 1).Result(); err != nil {
		return domain.Otp{}, err
	}

	o, err := s.GetByID(ctx, id)
	if err != nil {
		return domain.Otp{}, err
	}
	// HIncrBy returned the post-increment value of our increment; a concurrent
	// caller may already have moved the hash further by the time we re-read.
	o.AttemptCount = int(attempts)
	return o, nil
}

func (s *OtpStore) MarkVerified(ctx context.Context, id string, at time.Time) error {
	exists, err := s.client.Exists(ctx, otpKey(id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return store.ErrNotFound
	}

	flipped, err := markVerifiedScript.Run(ctx, s.client,
		[]string{otpKey(id)}, at.UTC().Format(timeWireFormat)).Int()
	if err != nil {
		return err
	}
	if flipped == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *OtpStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	iter := s.client.Scan(ctx, 0, otpKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		expiresAt, err := s.client.HGet(ctx, key, "expires_at").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return deleted, err
		}
		ts, err := time.Parse(timeWireFormat, expiresAt)
		if err != nil || !ts.Before(before) {
			continue
		}
		opID, err := s.client.HGet(ctx, key, "operation_id").Result()
		if err != nil && err != redis.Nil {
			return deleted, err
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, key)
		if opID != "" {
			pipe.ZRem(ctx, opIndexKey(opID), key[len(otpKeyPrefix):])
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, err
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func otpFromFields(id string, fields map[string]string) (domain.Otp, error) {
	o := domain.Otp{
		ID:            id,
		OperationID:   fields["operation_id"],
		OperationName: fields["operation_name"],
		PolicyName:    fields["policy_name"],
		Code:          fields["code"],
		Verified:      fields["verified"] == "1",
	}

	if salt := fields["salt"]; salt != "" {
		raw, err := base64.StdEncoding.DecodeString(salt)
		if err != nil {
			return domain.Otp{}, err
		}
		o.Salt = raw
	}

	var err error
	if o.AttemptCount, err = strconv.Atoi(fields["attempt_count"]); err != nil {
		return domain.Otp{}, err
	}
	if o.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return domain.Otp{}, err
	}
	if o.CreatedAt, err = time.Parse(timeWireFormat, fields["created_at"]); err != nil {
		return domain.Otp{}, err
	}
	if o.ExpiresAt, err = time.Parse(timeWireFormat, fields["expires_at"]); err != nil {
		return domain.Otp{}, err
	}
	if v := fields["verified_at"]; v != "" {
		ts, err := time.Parse(timeWireFormat, v)
		if err != nil {
			return domain.Otp{}, err
		}
		o.VerifiedAt = &ts
	}
	return o, nil
}

package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces key records inside the shared keyspace.
const redisKeyPrefix = "keygate:key:"

// RedisStore keeps JSON-encoded key records in a remote redis instance.
// Records carry no TTL: expiry is evaluated lazily on read, matching the
// other media. Network failures and timeouts surface as errors, never as
// assumed success.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store over an existing client. The client owns its
// connection pool; Close releases it.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

func (s *RedisStore) Get(ctx context.Context, id string) (*KeyRecord, error) {
	data, err := s.client.Get(ctx, redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key record: %w", err)
	}
	return decodeRecord(data)
}

// Insert relies on SETNX, so the existence check and the write are one
// server-side operation.
func (s *RedisStore) Insert(ctx context.Context, rec *KeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode key record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, redisKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to insert key record: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// UpdateSeats runs the compare-and-swap under WATCH: if the record changes
// between the read and the MULTI/EXEC write, redis aborts the transaction
// and the claim is retried by the caller.
func (s *RedisStore) UpdateSeats(ctx context.Context, id string, expect, next []string) error {
	key := redisKey(id)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to read key record: %w", err)
		}

		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if !seatsEqual(rec.Seats, expect) {
			return ErrSeatConflict
		}

		rec.Seats = append([]string(nil), next...)
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode key record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrSeatConflict
	}
	return err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRecord(data []byte) (*KeyRecord, error) {
	rec := &KeyRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode key record: %w", err)
	}
	if rec.Seats == nil {
		rec.Seats = []string{}
	}
	return rec, nil
}

var _ Store = (*RedisStore)(nil)

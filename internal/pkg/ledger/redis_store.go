package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dhstx/productpage-sub002/app/models"
)

const RedisKeyPrefix = "ledger:account:"

// RedisStore keeps each ledger as a JSON document and implements
// compare-and-swap with WATCH/MULTI on the ledger key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: RedisKeyPrefix}
}

func (s *RedisStore) key(accountID string) string {
	return s.prefix + accountID
}

func (s *RedisStore) Get(ctx context.Context, accountID string) (*models.UsageLedger, error) {
	raw, err := s.client.Get(ctx, s.key(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get ledger: %w", err)
	}
	return decodeLedger(raw)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *models.UsageLedger) (bool, error) {
	key := s.key(next.AccountID)
	swapped := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		version, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if version != expectedVersion {
			return nil
		}

		candidate := next.Clone()
		candidate.Version = expectedVersion + 1
		data, err := json.Marshal(candidate)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		next.Version = candidate.Version
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis compare-and-swap ledger: %w", err)
	}
	return swapped, nil
}

func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	l, err := decodeLedger(raw)
	if err != nil {
		return 0, err
	}
	return l.Version, nil
}

func decodeLedger(raw []byte) (*models.UsageLedger, error) {
	var l models.UsageLedger
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	return &l, nil
}

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
)

const (
	// DefaultKeyPrefix 預設 key 前綴
	DefaultKeyPrefix = "ledger:request:"
	// DefaultReservationTTL 佔用逾時，持有者當機時 key 會自動過期
	DefaultReservationTTL = 30 * time.Second
)

// IdempotencyStore 以 Redis SET NX 實作的處理中請求表
// 多個程序共用同一個 Redis 時，同一個 RequestID 同時只會有一個程序在處理
type IdempotencyStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewIdempotencyStore 建立 Redis 處理中請求表
//
// 參數:
//
//	client: Redis 客戶端
//	prefix: key 前綴，空字串使用 DefaultKeyPrefix
//	ttl: 佔用逾時，<= 0 使用 DefaultReservationTTL
func NewIdempotencyStore(client goredis.UniversalClient, prefix string, ttl time.Duration) *IdempotencyStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &IdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *IdempotencyStore) key(requestID uuid.UUID) string {
	return s.prefix + requestID.String()
}

// Reserve 佔用 key，已被佔用回傳 false
func (s *IdempotencyStore) Reserve(ctx context.Context, requestID uuid.UUID) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(requestID), time.Now().UnixMilli(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: reserve %s: %w", requestID, err)
	}
	return ok, nil
}

// Release 釋放 key
func (s *IdempotencyStore) Release(ctx context.Context, requestID uuid.UUID) error {
	if err := s.client.Del(ctx, s.key(requestID)).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", requestID, err)
	}
	return nil
}

var _ usecase.IdempotencyStore = (*IdempotencyStore)(nil)

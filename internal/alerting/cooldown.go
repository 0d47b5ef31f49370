package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// CooldownStore 记录每个借款人最近一次成功发送告警的时间。
type CooldownStore interface {
	LastSent(ctx context.Context, borrower common.Address) (time.Time, bool, error)
	MarkSent(ctx context.Context, borrower common.Address, at time.Time) error
}

// MemoryCooldownStore 进程内的冷却表。
type MemoryCooldownStore struct {
	mu   sync.Mutex
	last map[common.Address]time.Time
}

// NewMemoryCooldownStore 构造内存冷却表。
func NewMemoryCooldownStore() *MemoryCooldownStore {
	return &MemoryCooldownStore{last: make(map[common.Address]time.Time)}
}

// LastSent 返回最近一次发送时间。
func (s *MemoryCooldownStore) LastSent(_ context.Context, borrower common.Address) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.last[borrower]
	return at, ok, nil
}

// MarkSent 更新发送时间。
func (s *MemoryCooldownStore) MarkSent(_ context.Context, borrower common.Address, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[borrower] = at
	return nil
}

// RedisCooldownStore 将冷却表放在 Redis 中，供多个实例共享。
type RedisCooldownStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisCooldownStore 构造 Redis 冷却表。ttl 通常等于冷却窗口。
func NewRedisCooldownStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisCooldownStore {
	if prefix == "" {
		prefix = "liquidator:cooldown"
	}
	return &RedisCooldownStore{client: client, prefix: strings.TrimRight(prefix, ":"), ttl: ttl}
}

func (s *RedisCooldownStore) key(borrower common.Address) string {
	return s.prefix + ":" + strings.ToLower(borrower.Hex())
}

// LastSent 返回最近一次发送时间。
func (s *RedisCooldownStore) LastSent(ctx context.Context, borrower common.Address) (time.Time, bool, error) {
	ms, err := s.client.Get(ctx, s.key(borrower)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read cooldown: %w", err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// MarkSent 更新发送时间。
func (s *RedisCooldownStore) MarkSent(ctx context.Context, borrower common.Address, at time.Time) error {
	if err := s.client.Set(ctx, s.key(borrower), at.UnixMilli(), s.ttl).Err(); err != nil {
		return fmt.Errorf("write cooldown: %w", err)
	}
	return nil
}

var (
	_ CooldownStore = (*MemoryCooldownStore)(nil)
	_ CooldownStore = (*RedisCooldownStore)(nil)
)

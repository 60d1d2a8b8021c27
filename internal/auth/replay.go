package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// defaultReplayEntries 是内存重放缓存的容量上限。
const defaultReplayEntries = 1 << 16

// ReplayCache 记录已经接受过的签名请求。
type ReplayCache interface {
	// Remember 登记 key，key 在 ttl 内已登记过时返回 false。
	Remember(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryReplayCache 是单实例部署使用的进程内缓存，条目按 ttl 过期。
type MemoryReplayCache struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, struct{}]
	ttl     time.Duration
}

// NewMemoryReplayCache 创建容量为 size 的缓存，size 非正时使用默认容量。
// ttl 为条目的存活时间，通常取签名时间窗口的两倍。
func NewMemoryReplayCache(size int, ttl time.Duration) *MemoryReplayCache {
	if size <= 0 {
		size = defaultReplayEntries
	}
	return &MemoryReplayCache{
		entries: expirable.NewLRU[string, struct{}](size, nil, ttl),
		ttl:     ttl,
	}
}

// Remember 实现 ReplayCache。ttl 由构造时确定，参数仅用于校验。
func (m *MemoryReplayCache) Remember(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl > m.ttl {
		return false, fmt.Errorf("重放缓存的存活时间 %s 小于请求的 %s", m.ttl, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.entries.Get(key); seen {
		return false, nil
	}
	m.entries.Add(key, struct{}{})
	return true, nil
}

// redisSetter 是重放缓存用到的 Redis 命令子集，*redis.Client 满足该接口。
type redisSetter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisReplayCache 让多个实例共享已接受的签名，依赖 SET NX 的原子性。
type RedisReplayCache struct {
	client redisSetter
	prefix string
}

// NewRedisReplayCache 使用已有的 Redis 客户端。
func NewRedisReplayCache(client redisSetter, prefix string) (*RedisReplayCache, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	if prefix == "" {
		prefix = "rentescrow:replay:"
	}
	return &RedisReplayCache{client: client, prefix: prefix}, nil
}

// Remember 实现 ReplayCache。
func (r *RedisReplayCache) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	fresh, err := r.client.SetNX(ctx, r.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("写入重放缓存失败: %w", err)
	}
	return fresh, nil
}

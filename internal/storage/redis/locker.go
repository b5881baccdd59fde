package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"AgentForge/internal/lock"
	"AgentForge/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// LockerConfig 描述 Redis 锁的连接参数。
type LockerConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
	RetryWait time.Duration
}

// Locker 基于 SET NX PX 实现的分布式锁。
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

var _ lock.Locker = (*Locker)(nil)

var (
	releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	renewScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// NewLocker 创建 Redis 锁并检查连通性。
func NewLocker(ctx context.Context, cfg LockerConfig) (*Locker, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewLockerWithClient(client, cfg), nil
}

// NewLockerWithClient 复用已有的 Redis 客户端。
func NewLockerWithClient(client *redis.Client, cfg LockerConfig) *Locker {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentforge:lock:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	wait := cfg.RetryWait
	if wait <= 0 {
		wait = 50 * time.Millisecond
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl, wait: wait}
}

// Lock 实现 lock.Locker 接口，持有期间按 TTL 的三分之一周期续约。
func (l *Locker) Lock(ctx context.Context, key string) (lock.Unlock, error) {
	redisKey := l.prefix + key
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(l.wait)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("Redis 加锁失败: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	renewCtx, stopRenew := context.WithCancel(context.Background())
	done := make(chan struct{})
	go l.renew(renewCtx, redisKey, token, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenew()
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				logger.L().Warn("释放 Redis 锁失败", "key", redisKey, "error", err)
			}
		})
	}, nil
}

func (l *Locker) renew(ctx context.Context, key, token string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() == nil {
					logger.L().Warn("续约 Redis 锁失败", "key", key, "error", err)
				}
				continue
			}
			if res == 0 {
				logger.L().Error("Redis 锁已丢失", "key", key)
				return
			}
		}
	}
}

// Close 关闭底层客户端。
func (l *Locker) Close() error {
	return l.client.Close()
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成锁令牌失败: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

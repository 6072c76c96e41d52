package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrNotAcquired = errors.New("lock is held by another invocation")

// Locker - 배치 단위 상호 배제
type Locker interface {
	// Acquire - 성공 시 해제 함수 반환, 이미 잡혀 있으면 ErrNotAcquired
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// 토큰이 일치할 때만 삭제 (TTL 만료 후 다른 소유자의 락을 지우지 않도록)
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker - SET NX PX 기반 분산 락
type RedisLocker struct {
	rdb    redis.Cmdable
	prefix string
	log    *zap.Logger
}

func NewRedisLocker(rdb redis.Cmdable, log *zap.Logger) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: "lock:generation:", log: log.Named("lock")}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// 해제 실패 시 TTL 만료까지 다른 호출은 InProgress
		if err := releaseScript.Run(ctx, l.rdb, []string{redisKey}, token).Err(); err != nil {
			l.log.Warn("⚠️ Failed to release batch lock", zap.String("key", redisKey), zap.Error(err))
		}
	}, nil
}

// MemoryLocker - 단일 인스턴스용 (REDIS_ENABLED=false, 테스트)
type MemoryLocker struct {
	held *cache.Cache
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: cache.New(cache.NoExpiration, time.Minute)}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	if err := l.held.Add(key, token, ttl); err != nil {
		return nil, ErrNotAcquired
	}

	return func() {
		if current, ok := l.held.Get(key); ok && current == token {
			l.held.Delete(key)
		}
	}, nil
}

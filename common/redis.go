package common

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/go-redis/redis/v8"

	"github.com/causewayapi/causeway/common/config"
	"github.com/causewayapi/causeway/common/logger"
)

// RedisEnabled reports whether a shared Redis cache is configured.
var RedisEnabled = false

// RDB is the shared Redis client, nil unless RedisEnabled.
var RDB *redis.Client

// InitRedisClient connects to Redis when REDIS_CONN_STRING is set. The
// gateway works without Redis; the keystore then runs on its local map only.
func InitRedisClient() error {
	if config.RedisConnString == "" {
		logger.Logger.Info("REDIS_CONN_STRING not set, redis is disabled")
		return nil
	}

	opt, err := redis.ParseURL(config.RedisConnString)
	if err != nil {
		return errors.Wrap(err, "parse REDIS_CONN_STRING")
	}
	RDB = redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := RDB.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "ping redis")
	}

	RedisEnabled = true
	logger.Logger.Info("redis connected", zap.String("addr", opt.Addr))
	return nil
}

// RedisSet stores a value with a TTL.
func RedisSet(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.Wrap(RDB.Set(ctx, key, value, ttl).Err(), "redis set")
}

// RedisGet fetches a value; a missing key returns redis.Nil wrapped.
func RedisGet(ctx context.Context, key string) (string, error) {
	v, err := RDB.Get(ctx, key).Result()
	if err != nil {
		return "", errors.Wrap(err, "redis get")
	}
	return v, nil
}

// RedisDel removes a key, ignoring missing keys.
func RedisDel(ctx context.Context, key string) error {
	return errors.Wrap(RDB.Del(ctx, key).Err(), "redis del")
}

package model

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/go-redis/redis/v8"

	"github.com/causewayapi/causeway/common"
	"github.com/causewayapi/causeway/common/helper"
	"github.com/causewayapi/causeway/common/logger"
	"github.com/causewayapi/causeway/common/metrics"
)

// ErrKeyNotFound is returned when no usable key matches a hash.
var ErrKeyNotFound = errors.New("api key not found")

const (
	keystoreRedisPrefix = "causeway:apikey:"
	keystoreRedisTTL    = 10 * time.Minute
)

// Keystore resolves downstream key hashes to ApiKey rows. Reads go against a
// copy-on-write map so the hot path never locks; Refresh swaps in a new map.
// When Redis is configured, a local miss consults the shared cache before
// the database so freshly created keys work across replicas between
// refreshes.
type Keystore struct {
	byHash atomic.Pointer[map[string]*ApiKey]
}

// NewKeystore returns an empty keystore; call Refresh before serving.
func NewKeystore() *Keystore {
	ks := &Keystore{}
	empty := map[string]*ApiKey{}
	ks.byHash.Store(&empty)
	return ks
}

// Refresh reloads every key row and swaps the lookup map.
func (ks *Keystore) Refresh(ctx context.Context) error {
	var keys []*ApiKey
	if err := DB.WithContext(ctx).Find(&keys).Error; err != nil {
		return errors.Wrap(err, "load api keys")
	}
	next := make(map[string]*ApiKey, len(keys))
	for _, key := range keys {
		next[key.KeyHash] = key
	}
	ks.byHash.Store(&next)
	logger.FromContext(ctx).Debug("keystore refreshed", zap.Int("keys", len(keys)))
	return nil
}

// Resolve authenticates a key hash. Inactive and expired keys fail exactly
// like unknown ones so probing cannot distinguish them.
func (ks *Keystore) Resolve(ctx context.Context, keyHash string) (*ApiKey, error) {
	key, err := ks.lookup(ctx, keyHash)
	if err != nil {
		metrics.GlobalRecorder.RecordKeyAuth(false)
		return nil, err
	}
	if !key.IsUsable(helper.NowMilli()) {
		metrics.GlobalRecorder.RecordKeyAuth(false)
		return nil, ErrKeyNotFound
	}
	metrics.GlobalRecorder.RecordKeyAuth(true)
	return key, nil
}

func (ks *Keystore) lookup(ctx context.Context, keyHash string) (*ApiKey, error) {
	if keyHash == "" {
		return nil, ErrKeyNotFound
	}
	if key, ok := (*ks.byHash.Load())[keyHash]; ok {
		return key, nil
	}

	if common.RedisEnabled {
		if key, err := keystoreRedisGet(ctx, keyHash); err == nil {
			ks.backfill(key)
			return key, nil
		} else if !errors.Is(err, redis.Nil) {
			logger.FromContext(ctx).Warn("keystore redis lookup failed", zap.Error(err))
		}
	}

	key, err := GetApiKeyByHash(keyHash)
	if err != nil {
		return nil, ErrKeyNotFound
	}
	ks.backfill(key)
	if common.RedisEnabled {
		if err := keystoreRedisSet(ctx, key); err != nil {
			logger.FromContext(ctx).Warn("keystore redis backfill failed", zap.Error(err))
		}
	}
	return key, nil
}

// backfill adds one key to the lookup map without waiting for the next full
// refresh. Copy-on-write keeps concurrent readers consistent.
func (ks *Keystore) backfill(key *ApiKey) {
	for {
		current := ks.byHash.Load()
		if _, ok := (*current)[key.KeyHash]; ok {
			return
		}
		next := make(map[string]*ApiKey, len(*current)+1)
		for h, k := range *current {
			next[h] = k
		}
		next[key.KeyHash] = key
		if ks.byHash.CompareAndSwap(current, &next) {
			return
		}
	}
}

// cachedApiKey is the Redis wire form. ApiKey's own JSON tags hide the hash
// and allow-list from API responses, so the cache uses an explicit mirror.
type cachedApiKey struct {
	Id                 int64  `json:"id"`
	KeyHash            string `json:"key_hash"`
	Name               string `json:"name"`
	Active             bool   `json:"active"`
	ExpiresAt          *int64 `json:"expires_at,omitempty"`
	AllowedUpstreamIds string `json:"allowed_upstream_ids"`
}

func keystoreRedisGet(ctx context.Context, keyHash string) (*ApiKey, error) {
	raw, err := common.RedisGet(ctx, keystoreRedisPrefix+keyHash)
	if err != nil {
		return nil, err
	}
	var cached cachedApiKey
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return nil, errors.Wrap(err, "decode cached api key")
	}
	return &ApiKey{
		Id:                 cached.Id,
		KeyHash:            cached.KeyHash,
		Name:               cached.Name,
		Active:             cached.Active,
		ExpiresAt:          cached.ExpiresAt,
		AllowedUpstreamIds: cached.AllowedUpstreamIds,
	}, nil
}

func keystoreRedisSet(ctx context.Context, key *ApiKey) error {
	raw, err := json.Marshal(cachedApiKey{
		Id:                 key.Id,
		KeyHash:            key.KeyHash,
		Name:               key.Name,
		Active:             key.Active,
		ExpiresAt:          key.ExpiresAt,
		AllowedUpstreamIds: key.AllowedUpstreamIds,
	})
	if err != nil {
		return errors.Wrap(err, "encode api key")
	}
	return common.RedisSet(ctx, keystoreRedisPrefix+key.KeyHash, string(raw), keystoreRedisTTL)
}

// InvalidateCachedKey drops a key from the shared Redis cache, used after
// revocation so other replicas stop accepting it.
func InvalidateCachedKey(ctx context.Context, keyHash string) error {
	if !common.RedisEnabled {
		return nil
	}
	return common.RedisDel(ctx, keystoreRedisPrefix+keyHash)
}

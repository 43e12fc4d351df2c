package storage

import (
	"PPulse/logger"
	chatmodel "PPulse/module/chat/model"
	rds "PPulse/service/storage/redis"
	"context"
	"time"

	"go.uber.org/zap"
)

// IdentityCache 用户身份解析：routing key 里的 userType 段查这里。
// Redis 缓存 1 小时，miss 回源 users 表；缓存不可用时直接走库。
type IdentityCache struct {
	users chatmodel.User
	ttl   time.Duration
}

const (
	identityKeyPrefix  = "ppulse:utype:"
	defaultIdentityTTL = time.Hour
	defaultUserType    = "user"
)

func NewIdentityCache() *IdentityCache {
	return &IdentityCache{ttl: defaultIdentityTTL}
}

func identityKey(tenantID, userID string) string {
	return identityKeyPrefix + tenantID + ":" + userID
}

// GetUserType 查不到用户时返回默认 "user"，不报错
func (c *IdentityCache) GetUserType(ctx context.Context, tenantID, userID string) (string, error) {
	if tenantID == "" || userID == "" {
		return defaultUserType, nil
	}

	rdb := rds.TryGetRedis()
	key := identityKey(tenantID, userID)
	if rdb != nil {
		if cached, err := rdb.Get(ctx, key).Result(); err == nil && cached != "" {
			return cached, nil
		}
	}

	row, err := c.users.Get(ctx, tenantID, userID)
	if err != nil {
		return "", err
	}
	userType := defaultUserType
	if row != nil && row.UserType != "" {
		userType = row.UserType
	}

	if rdb != nil {
		if err := rdb.Set(ctx, key, userType, c.ttl).Err(); err != nil {
			logger.Debug("identity cache write failed", zap.String("user", userID), zap.Error(err))
		}
	}
	return userType, nil
}

// Invalidate 用户类型变更时让缓存失效
func (c *IdentityCache) Invalidate(ctx context.Context, tenantID, userID string) {
	if rdb := rds.TryGetRedis(); rdb != nil {
		if err := rdb.Del(ctx, identityKey(tenantID, userID)).Err(); err != nil {
			logger.Debug("identity cache invalidate failed", zap.String("user", userID), zap.Error(err))
		}
	}
}

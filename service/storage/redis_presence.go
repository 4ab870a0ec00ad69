package storage

import (
	"context"
	"time"

	redisx "SProject/service/storage/redis"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: sync:presence:<user>:<device>
// Value: device_type, TTL controls the online validity period
func presenceKey(user, device string) string { return "sync:presence:" + user + ":" + device }

// PresenceOnline sets the device as online and renews the TTL
func PresenceOnline(ctx context.Context, user, device, deviceType string, ttl time.Duration) error {
	rdb, ok := redisx.TryGetRedis()
	if !ok {
		return errors.New("redis not initialized")
	}
	return rdb.Set(ctx, presenceKey(user, device), deviceType, ttl).Err()
}

// PresenceOffline actively sets the device offline (deletes the key)
func PresenceOffline(ctx context.Context, user, device string) error {
	rdb, ok := redisx.TryGetRedis()
	if !ok {
		return errors.New("redis not initialized")
	}
	return rdb.Del(ctx, presenceKey(user, device)).Err()
}

// PresenceLookup checks whether the device is online
func PresenceLookup(ctx context.Context, user, device string) (deviceType string, online bool, err error) {
	rdb, ok := redisx.TryGetRedis()
	if !ok {
		return "", false, errors.New("redis not initialized")
	}
	val, err := rdb.Get(ctx, presenceKey(user, device)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

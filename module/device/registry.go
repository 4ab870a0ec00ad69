package device

import (
	"context"
	"time"

	"SProject/logger"
	"SProject/module/sync/model"
	"SProject/module/sync/store"
	"SProject/service/storage"

	"go.uber.org/zap"
)

var presenceLookup = storage.PresenceLookup

// Registry 设备在场登记。纯运营遥测：它挂了同步照常。
type Registry struct {
	db          store.DB
	presenceTTL time.Duration // Redis 在线镜像的有效期
	mirror      bool          // 是否写 Redis 镜像
}

func NewRegistry(db store.DB, presenceTTL time.Duration, mirror bool) *Registry {
	if presenceTTL <= 0 {
		presenceTTL = 10 * time.Minute
	}
	return &Registry{db: db, presenceTTL: presenceTTL, mirror: mirror}
}

// Touch 上报即在线：upsert Mongo 行，顺手刷 Redis 镜像（皆尽力而为）。
func (r *Registry) Touch(ctx context.Context, d *model.DevicePresence) error {
	d.LastSeenAt = time.Now()
	if err := r.db.UpsertDevice(ctx, d); err != nil {
		return err
	}
	if r.mirror {
		if err := storage.PresenceOnline(ctx, d.UserID, d.DeviceID, d.DeviceType, r.presenceTTL); err != nil {
			logger.Warn("presence mirror failed",
				zap.String("user_id", d.UserID), zap.String("device_id", d.DeviceID), zap.Error(err))
		}
	}
	return nil
}

// List 返回用户全部设备；有 Redis 镜像时用它覆盖 online 位（更及时）。
func (r *Registry) List(ctx context.Context, userID string) ([]*model.DevicePresence, error) {
	devices, err := r.db.ListDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	if r.mirror {
		for _, d := range devices {
			_, online, err := presenceLookup(ctx, userID, d.DeviceID)
			if err != nil {
				continue // 镜像不可用就保留 Mongo 的判断
			}
			// 键在 = 在线；键缺失不等于离线（可能从未写入），交给 Mongo 扫描
			if online {
				d.OnlineStatus = true
			}
		}
	}
	return devices, nil
}

// Forget 删除设备：在场行、它的全部本地映射、Redis 镜像一起清。
func (r *Registry) Forget(ctx context.Context, userID, deviceID string) error {
	if err := r.db.DeleteDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	if err := r.db.DeleteMetadataByDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	if r.mirror {
		if err := storage.PresenceOffline(ctx, userID, deviceID); err != nil {
			logger.Warn("presence mirror offline failed",
				zap.String("user_id", userID), zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	return nil
}

// MarkStaleOffline 维护扫描：threshold 内没露面的统一置离线。
func (r *Registry) MarkStaleOffline(ctx context.Context, threshold time.Duration) (int64, error) {
	n, err := r.db.MarkStaleOffline(ctx, time.Now().Add(-threshold))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("stale devices marked offline", zap.Int64("count", n))
	}
	return n, nil
}

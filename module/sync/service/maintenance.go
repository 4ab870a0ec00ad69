package service

import (
	"context"
	"time"

	"SProject/logger"
	"SProject/module/sync/store"

	"go.uber.org/zap"
)

// SeqTrimmer 裁剪后同步推进用户序号表的 min_seq。
type SeqTrimmer interface {
	AdvanceMin(ctx context.Context, userID string, newMin int64) error
}

// Maintenance 后台清理：delta 保留期裁剪。
// 只删同时满足两个条件的记录：超过保留窗口，且低于该用户所有
// 活跃设备的游标（没人还要读它）。
type Maintenance struct {
	db        store.DB
	retention time.Duration // e.g. 7d
	staleFor  time.Duration // 多久没露面算不活跃设备
	trimmer   SeqTrimmer    // 可选
}

func NewMaintenance(db store.DB, retention, staleFor time.Duration) *Maintenance {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if staleFor <= 0 {
		staleFor = 30 * 24 * time.Hour
	}
	return &Maintenance{db: db, retention: retention, staleFor: staleFor}
}

// WithSeqTrimmer 挂上序号表裁剪（Mongo 部署用 seq.DAO）。
func (m *Maintenance) WithSeqTrimmer(t SeqTrimmer) *Maintenance {
	m.trimmer = t
	return m
}

// PruneDeltas 跑一轮全量用户的裁剪，返回删除总数。
func (m *Maintenance) PruneDeltas(ctx context.Context) (int64, error) {
	users, err := m.db.DistinctDeltaUsers(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-m.retention)
	activeSince := time.Now().Add(-m.staleFor)

	var total int64
	for _, userID := range users {
		floor, ok, err := m.cursorFloor(ctx, userID, activeSince)
		if err != nil {
			logger.Warn("prune: cursor floor failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if !ok {
			// 没有活跃设备信息就不动这个用户的台账
			continue
		}
		n, err := m.db.PruneDeltas(ctx, userID, cutoff, floor)
		if err != nil {
			logger.Warn("prune: delete failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		total += n
		if n > 0 && m.trimmer != nil {
			if err := m.trimmer.AdvanceMin(ctx, userID, floor); err != nil {
				logger.Warn("prune: advance min_seq failed", zap.String("user_id", userID), zap.Error(err))
			}
		}
	}
	if total > 0 {
		logger.Info("delta prune sweep done", zap.Int64("pruned", total))
	}
	return total, nil
}

// cursorFloor 该用户所有活跃设备里最小的游标。
func (m *Maintenance) cursorFloor(ctx context.Context, userID string, activeSince time.Time) (int64, bool, error) {
	devices, err := m.db.ListDevices(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	var (
		floor int64
		found bool
	)
	for _, d := range devices {
		if d.LastSeenAt.Before(activeSince) {
			continue // 长期失联设备不挡清理
		}
		if !found || d.SyncCursor < floor {
			floor = d.SyncCursor
			found = true
		}
	}
	return floor, found, nil
}

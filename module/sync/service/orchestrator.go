package service

import (
	"context"
	"time"

	"SProject/logger"
	"SProject/module/sync/model"
	"SProject/module/sync/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier 实时侧的“有增量”提醒，尽力而为，不参与正确性。
type Notifier interface {
	PublishSyncChanged(ctx context.Context, userID, originDeviceID string, seq int64) error
}

// Presence 在场登记入口（device.Registry 实现）。
// 除了 Mongo 行还负责刷新 Redis 在线镜像。
type Presence interface {
	Touch(ctx context.Context, d *model.DevicePresence) error
}

type Options struct {
	MaxBatchSize int           // local_changes 上限
	PullPageSize int           // 单次拉取上限
	SyncInterval time.Duration // next_sync_recommended_at 的固定间隔提示
}

func DefaultOptions() Options {
	return Options{
		MaxBatchSize: 100,
		PullPageSize: 100,
		SyncInterval: 5 * time.Minute,
	}
}

// Orchestrator 同步编排：无状态，横向扩展，
// 跨请求协调全部落在存储层（版本、游标、序号）。
type Orchestrator struct {
	db       store.DB
	applier  *Applier
	notifier Notifier // 可空
	presence Presence // 可空；空则直接 upsert Mongo 行
	opts     Options
}

func NewOrchestrator(db store.DB, notifier Notifier, opts Options) *Orchestrator {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultOptions().MaxBatchSize
	}
	if opts.PullPageSize <= 0 {
		opts.PullPageSize = DefaultOptions().PullPageSize
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultOptions().SyncInterval
	}
	return &Orchestrator{
		db:       db,
		applier:  NewApplier(db),
		notifier: notifier,
		opts:     opts,
	}
}

// WithPresence 挂上在场登记（带 Redis 镜像的 Registry）。
func (o *Orchestrator) WithPresence(p Presence) *Orchestrator {
	o.presence = p
	return o
}

// Sync 推 + 拉一轮：先整体校验，再逐条独立事务应用（尽力而为），
// 最后从 delta 台账补齐该设备缺的增量。游标只增不减。
func (o *Orchestrator) Sync(ctx context.Context, userID string, req *SyncRequest) (*SyncResponse, error) {
	if err := req.Validate(o.opts.MaxBatchSize); err != nil {
		return nil, err
	}

	now := time.Now()

	// 1) 在场登记：失败只记日志，不影响本次同步
	caps := model.DeviceCapabilities{}
	if req.Capabilities != nil {
		caps = *req.Capabilities
	}
	dp := &model.DevicePresence{
		UserID:       userID,
		DeviceID:     req.DeviceID,
		DeviceName:   req.DeviceName,
		DeviceType:   req.DeviceType,
		AppVersion:   req.AppVersion,
		Capabilities: caps,
		LastSeenAt:   now,
		SyncCursor:   req.LastSyncCursor,
	}
	touch := o.db.UpsertDevice
	if o.presence != nil {
		touch = o.presence.Touch // Registry 顺带刷 Redis 在线镜像
	}
	if err := touch(ctx, dp); err != nil {
		logger.Warn("presence upsert failed",
			zap.String("user_id", userID), zap.String("device_id", req.DeviceID), zap.Error(err))
	}

	// 2) 逐条推：单条失败/冲突不阻断后续
	var (
		summary    = SyncStatusSummary{TotalProcessed: len(req.LocalChanges)}
		conflicts  []model.ConflictRecord
		maxWritten int64
	)
	for i := range req.LocalChanges {
		res := o.applier.Apply(ctx, userID, req.DeviceID, req.LocalChanges[i])
		switch {
		case res.Err != nil:
			summary.Errors++
			logger.Warn("apply change failed",
				zap.String("user_id", userID),
				zap.String("entity_type", req.LocalChanges[i].EntityType),
				zap.String("client_id", req.LocalChanges[i].ClientID),
				zap.Error(res.Err))
		case res.Conflict != nil:
			summary.Conflicts++
			conflicts = append(conflicts, *res.Conflict)
			o.auditConflict(ctx, userID, req.DeviceID, res.Conflict)
		default:
			summary.Successful++
			if res.Seq > maxWritten {
				maxWritten = res.Seq
			}
		}
	}

	// 3) 拉：排除本设备回声
	pulled, err := o.db.QueryDeltas(ctx, userID, store.DeltaQuery{
		SinceSeq:        req.LastSyncCursor,
		EntityTypes:     req.EntityTypes,
		ExcludeDeviceID: req.DeviceID,
		Limit:           o.opts.PullPageSize,
	})
	if err != nil {
		return nil, err
	}

	// 4) 游标 = max(库里已有, 请求携带, 拉到的, 刚写的)；永不回退。
	// 库里的下限挡住「裁剪后重放旧游标」把已发过的游标又报低的情况
	newCursor := req.LastSyncCursor
	if dev, err := o.db.GetDevice(ctx, userID, req.DeviceID); err == nil && dev != nil && dev.SyncCursor > newCursor {
		newCursor = dev.SyncCursor
	}
	changes := make([]ServerChange, 0, len(pulled))
	for _, d := range pulled {
		changes = append(changes, ServerChange{
			EntityType: d.EntityType,
			EntityID:   d.EntityID,
			Operation:  d.Operation,
			Seq:        d.Seq,
			Data:       d.DeltaData,
			CreatedAt:  d.CreateTime,
		})
		if d.Seq > newCursor {
			newCursor = d.Seq
		}
	}
	if maxWritten > newCursor {
		newCursor = maxWritten
	}
	if err := o.db.AdvanceDeviceCursor(ctx, userID, req.DeviceID, newCursor); err != nil {
		logger.Warn("advance cursor failed",
			zap.String("user_id", userID), zap.String("device_id", req.DeviceID), zap.Error(err))
	}

	// 5) 有接受的变更且设备声明实时能力 → 给其它在线设备递个信
	realTime := o.notifier != nil
	if realTime && summary.Successful > 0 && caps.SupportsRealTime {
		if err := o.notifier.PublishSyncChanged(ctx, userID, req.DeviceID, maxWritten); err != nil {
			logger.Warn("sync nudge publish failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}

	return &SyncResponse{
		SyncCursor:            newCursor,
		DeviceID:              req.DeviceID,
		ServerChanges:         changes,
		Conflicts:             conflicts,
		SyncStatus:            summary,
		NextSyncRecommendedAt: now.Add(o.opts.SyncInterval),
		RealTimeEnabled:       realTime,
	}, nil
}

// RecentConflicts 最近的冲突审计，新的在前。
func (o *Orchestrator) RecentConflicts(ctx context.Context, userID string, limit int) ([]*model.ConflictLog, error) {
	return o.db.ListConflictLogs(ctx, userID, limit)
}

// 冲突落盘审计：尽力而为，不在事务内
func (o *Orchestrator) auditConflict(ctx context.Context, userID, deviceID string, rec *model.ConflictRecord) {
	err := o.db.InsertConflictLog(ctx, &model.ConflictLog{
		ConflictID: uuid.NewString(),
		UserID:     userID,
		DeviceID:   deviceID,
		Record:     *rec,
		DetectedAt: time.Now(),
	})
	if err != nil {
		logger.Warn("conflict audit insert failed",
			zap.String("user_id", userID), zap.Error(err))
	}
}

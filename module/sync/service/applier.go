package service

import (
	"context"
	"errors"
	"time"

	"SProject/module/sync/model"
	"SProject/module/sync/store"
	"SProject/tools/ids"
)

// errCreateRaced 并发 create 撞上唯一索引时从事务里抛出，
// 让已插入的实体行随回滚消失；对外仍作为冲突上报。
var errCreateRaced = errors.New("create raced on metadata unique index")

// ApplyResult 单条变更的结局：accepted / conflict / error 三选一。
type ApplyResult struct {
	Accepted bool
	Seq      int64 // 接受时写入的台账序号；幂等 no-op 删除为 0
	Conflict *model.ConflictRecord
	Err      error
}

// Applier 冲突检测 + 落库。每条变更独占一个事务：
// 实体行、映射行、台账追加要么一起生效，要么都不生效。
type Applier struct {
	db store.DB
}

func NewApplier(db store.DB) *Applier { return &Applier{db: db} }

func (a *Applier) Apply(ctx context.Context, userID, deviceID string, ch LocalChange) ApplyResult {
	var res ApplyResult
	err := a.db.Tx(ctx, func(ctx context.Context) error {
		switch ch.Operation {
		case model.OpCreate:
			res = a.applyCreate(ctx, userID, deviceID, ch)
		case model.OpUpdate:
			res = a.applyUpdate(ctx, userID, deviceID, ch)
		case model.OpDelete:
			res = a.applyDelete(ctx, userID, deviceID, ch)
		}
		return res.Err
	})
	if errors.Is(err, errCreateRaced) {
		res.Err = nil // 冲突照常上报，实体行已随事务回滚
	} else if err != nil && res.Err == nil {
		res = ApplyResult{Err: err}
	}
	return res
}

// create：映射已存在 = 重试或并发竞争，拒绝且不动状态（幂等）。
func (a *Applier) applyCreate(ctx context.Context, userID, deviceID string, ch LocalChange) ApplyResult {
	existing, err := a.db.GetMetadata(ctx, userID, ch.EntityType, ch.ClientID, deviceID)
	if err != nil {
		return ApplyResult{Err: err}
	}
	if existing != nil {
		return a.duplicateCreateConflict(ctx, userID, existing, ch)
	}

	now := time.Now()
	serverID := ids.GenerateString()

	entity := &model.Entity{
		UserID:      userID,
		EntityType:  ch.EntityType,
		ServerID:    serverID,
		SyncVersion: 1,
		Data:        ch.Data,
		CreateTime:  now,
		UpdateTime:  now,
	}
	if err := a.db.InsertEntity(ctx, entity); err != nil {
		return ApplyResult{Err: err}
	}

	meta := &model.SyncMetadata{
		UserID:         userID,
		EntityType:     ch.EntityType,
		ClientID:       ch.ClientID,
		DeviceID:       deviceID,
		ServerID:       serverID,
		SyncVersion:    1,
		SyncStatus:     model.SyncStatusSynced,
		LastModifiedAt: now,
		LastSyncedAt:   now,
		CreateTime:     now,
	}
	if err := a.db.InsertMetadata(ctx, meta); err != nil {
		if a.db.IsDuplicateErr(err) {
			// 两个并发 create 同时过了前置查找，唯一索引收口。
			// 上面的实体行已经插了，必须跟着事务一起回滚
			res := a.duplicateCreateConflict(ctx, userID, nil, ch)
			res.Err = errCreateRaced
			return res
		}
		return ApplyResult{Err: err}
	}

	seq, err := a.appendDelta(ctx, userID, deviceID, ch.EntityType, serverID, model.OpCreate, entity.Data, now)
	if err != nil {
		return ApplyResult{Err: err}
	}
	return ApplyResult{Accepted: true, Seq: seq}
}

func (a *Applier) duplicateCreateConflict(ctx context.Context, userID string, existing *model.SyncMetadata, ch LocalChange) ApplyResult {
	rec := &model.ConflictRecord{
		EntityType:     ch.EntityType,
		ConflictType:   model.ConflictConcurrentEdit,
		ClientVersion:  ch.Data,
		ResolutionHint: model.ResolutionMergeRequired,
		AutoResolvable: false,
	}
	if existing != nil {
		rec.EntityID = existing.ServerID
		if cur, err := a.db.GetEntity(ctx, userID, ch.EntityType, existing.ServerID); err == nil {
			rec.ServerVersion = cur
		}
	}
	return ApplyResult{Conflict: rec}
}

// update：版本位被占则冲突，绝不静默挑赢家（负载不可字段级合并）。
func (a *Applier) applyUpdate(ctx context.Context, userID, deviceID string, ch LocalChange) ApplyResult {
	now := time.Now()
	matched, err := a.db.UpdateEntityData(ctx, userID, ch.EntityType, ch.ServerID, ch.Version, ch.Data, now)
	if err != nil {
		return ApplyResult{Err: err}
	}
	if !matched {
		cur, err := a.db.GetEntity(ctx, userID, ch.EntityType, ch.ServerID)
		if err != nil {
			return ApplyResult{Err: err}
		}
		return ApplyResult{Conflict: &model.ConflictRecord{
			EntityType:     ch.EntityType,
			EntityID:       ch.ServerID,
			ConflictType:   model.ConflictVersionMismatch,
			ClientVersion:  ch.Data,
			ServerVersion:  cur, // nil = 实体已不存在
			ResolutionHint: model.ResolutionMergeRequired,
			AutoResolvable: false,
		}}
	}

	if err := a.db.UpdateMetadataSynced(ctx, userID, ch.EntityType, ch.ClientID, deviceID, ch.Version+1, now); err != nil {
		return ApplyResult{Err: err}
	}

	seq, err := a.appendDelta(ctx, userID, deviceID, ch.EntityType, ch.ServerID, model.OpUpdate, ch.Data, now)
	if err != nil {
		return ApplyResult{Err: err}
	}
	return ApplyResult{Accepted: true, Seq: seq}
}

// delete：目标已不在 = 幂等成功（想要的终态已成立），不补第二条墓碑。
func (a *Applier) applyDelete(ctx context.Context, userID, deviceID string, ch LocalChange) ApplyResult {
	cur, err := a.db.GetEntity(ctx, userID, ch.EntityType, ch.ServerID)
	if err != nil {
		return ApplyResult{Err: err}
	}
	if cur == nil {
		return ApplyResult{Accepted: true}
	}
	if cur.SyncVersion != ch.Version {
		// 可能有未见过的编辑将被销毁，偏保守
		return ApplyResult{Conflict: &model.ConflictRecord{
			EntityType:     ch.EntityType,
			EntityID:       ch.ServerID,
			ConflictType:   model.ConflictDelete,
			ClientVersion:  ch.Data,
			ServerVersion:  cur,
			ResolutionHint: model.ResolutionManual,
			AutoResolvable: false,
		}}
	}

	matched, err := a.db.DeleteEntityVersioned(ctx, userID, ch.EntityType, ch.ServerID, ch.Version)
	if err != nil {
		return ApplyResult{Err: err}
	}
	if !matched {
		// 读后删之间版本被人推走了，按冲突处理
		cur2, _ := a.db.GetEntity(ctx, userID, ch.EntityType, ch.ServerID)
		return ApplyResult{Conflict: &model.ConflictRecord{
			EntityType:     ch.EntityType,
			EntityID:       ch.ServerID,
			ConflictType:   model.ConflictDelete,
			ClientVersion:  ch.Data,
			ServerVersion:  cur2,
			ResolutionHint: model.ResolutionManual,
			AutoResolvable: false,
		}}
	}

	if err := a.db.DeleteMetadataByServerID(ctx, userID, ch.EntityType, ch.ServerID); err != nil {
		return ApplyResult{Err: err}
	}

	now := time.Now()
	seq, err := a.appendDelta(ctx, userID, deviceID, ch.EntityType, ch.ServerID,
		model.OpDelete, model.DeleteTombstone(cur.SyncVersion), now)
	if err != nil {
		return ApplyResult{Err: err}
	}
	return ApplyResult{Accepted: true, Seq: seq}
}

func (a *Applier) appendDelta(ctx context.Context, userID, deviceID, entityType, entityID, op string, snapshot map[string]any, now time.Time) (int64, error) {
	seq, err := a.db.NextSeq(ctx, userID)
	if err != nil {
		return 0, err
	}
	err = a.db.AppendDelta(ctx, &model.DeltaRecord{
		UserID:     userID,
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		DeviceID:   deviceID,
		Seq:        seq,
		DeltaData:  snapshot,
		CreateTime: now,
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

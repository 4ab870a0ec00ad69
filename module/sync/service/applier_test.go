package service

import (
	"context"
	"testing"
	"time"

	"SProject/module/sync/model"
	"SProject/module/sync/store"
)

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

func characterData(name string) map[string]any {
	return map[string]any{
		"name":        name,
		"description": "brave knight",
		"traits":      []any{"brave", "loyal"},
	}
}

func createChange(clientID string, data map[string]any) LocalChange {
	return LocalChange{
		EntityType: model.EntityTypeCharacter,
		ClientID:   clientID,
		Operation:  model.OpCreate,
		Data:       data,
		Version:    1,
		Timestamp:  nowISO(),
	}
}

func TestApplyCreate(t *testing.T) {
	db := store.NewMemDB()
	a := NewApplier(db)
	ctx := context.Background()

	res := a.Apply(ctx, "u1", "dev-a", createChange("c1", characterData("Luna")))
	if res.Err != nil {
		t.Fatalf("apply create: %v", res.Err)
	}
	if !res.Accepted || res.Conflict != nil {
		t.Fatalf("expected accepted, got %+v", res)
	}
	if res.Seq != 1 {
		t.Fatalf("first delta should take seq 1, got %d", res.Seq)
	}

	meta, err := db.GetMetadata(ctx, "u1", model.EntityTypeCharacter, "c1", "dev-a")
	if err != nil || meta == nil {
		t.Fatalf("metadata missing after create: %v", err)
	}
	if meta.SyncVersion != 1 || meta.SyncStatus != model.SyncStatusSynced {
		t.Fatalf("metadata not synced at v1: %+v", meta)
	}

	ent, err := db.GetEntity(ctx, "u1", model.EntityTypeCharacter, meta.ServerID)
	if err != nil || ent == nil {
		t.Fatalf("entity missing after create: %v", err)
	}
	if ent.SyncVersion != 1 {
		t.Fatalf("new entity must start at version 1, got %d", ent.SyncVersion)
	}
}

// 同 (type, client_id, device) 重复 create：重试或并发竞争，拒绝且不改任何状态。
func TestApplyCreateDuplicateIsConflict(t *testing.T) {
	db := store.NewMemDB()
	a := NewApplier(db)
	ctx := context.Background()

	first := a.Apply(ctx, "u1", "dev-a", createChange("c1", characterData("Luna")))
	if !first.Accepted {
		t.Fatalf("first create rejected: %+v", first)
	}

	retry := a.Apply(ctx, "u1", "dev-a", createChange("c1", characterData("Luna v2")))
	if retry.Err != nil {
		t.Fatalf("retry errored: %v", retry.Err)
	}
	if retry.Conflict == nil {
		t.Fatalf("duplicate create must surface a conflict, got %+v", retry)
	}
	if retry.Conflict.ConflictType != model.ConflictConcurrentEdit {
		t.Fatalf("conflict_type = %s, want %s", retry.Conflict.ConflictType, model.ConflictConcurrentEdit)
	}
	if retry.Conflict.ServerVersion == nil || retry.Conflict.ServerVersion.SyncVersion != 1 {
		t.Fatalf("conflict must carry current server state: %+v", retry.Conflict.ServerVersion)
	}

	// 状态没被动过
	ent, _ := db.GetEntity(ctx, "u1", model.EntityTypeCharacter, retry.Conflict.EntityID)
	if ent == nil || ent.Data["name"] != "Luna" {
		t.Fatalf("server state mutated by rejected create: %+v", ent)
	}

	// 同名 client_id 从另一设备 create 是另一条映射，不算重复
	other := a.Apply(ctx, "u1", "dev-b", createChange("c1", characterData("Nova")))
	if !other.Accepted {
		t.Fatalf("same client_id on other device should be independent: %+v", other)
	}
}

// racingStore 复现并发竞争窗口：前置查找查不到映射行，插入时唯一索引仍收口。
// Tx 在出错时撤销本事务插入的实体，对应 Mongo 会话回滚。
type racingStore struct {
	store.DB
	hideMeta bool
	inserted []*model.Entity
}

func (s *racingStore) GetMetadata(ctx context.Context, userID, entityType, clientID, deviceID string) (*model.SyncMetadata, error) {
	if s.hideMeta {
		return nil, nil
	}
	return s.DB.GetMetadata(ctx, userID, entityType, clientID, deviceID)
}

func (s *racingStore) InsertEntity(ctx context.Context, e *model.Entity) error {
	if err := s.DB.InsertEntity(ctx, e); err != nil {
		return err
	}
	s.inserted = append(s.inserted, e)
	return nil
}

func (s *racingStore) Tx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.inserted = nil
	err := s.DB.Tx(ctx, fn)
	if err != nil {
		for _, e := range s.inserted {
			_, _ = s.DB.DeleteEntityVersioned(ctx, e.UserID, e.EntityType, e.ServerID, e.SyncVersion)
		}
	}
	return err
}

// 竞争分支必须让事务回滚：落败方插入的实体行不能留下孤儿。
func TestApplyCreateRaceRollsBackEntity(t *testing.T) {
	rs := &racingStore{DB: store.NewMemDB()}
	a := NewApplier(rs)
	ctx := context.Background()

	first := a.Apply(ctx, "u1", "dev-a", createChange("c1", characterData("Luna")))
	if !first.Accepted {
		t.Fatalf("first create rejected: %+v", first)
	}

	rs.hideMeta = true
	res := a.Apply(ctx, "u1", "dev-a", createChange("c1", characterData("Luna again")))
	if res.Err != nil {
		t.Fatalf("race must surface a conflict, not an error: %v", res.Err)
	}
	if res.Conflict == nil || res.Conflict.ConflictType != model.ConflictConcurrentEdit {
		t.Fatalf("expected concurrent_edit conflict, got %+v", res)
	}

	if len(rs.inserted) != 1 {
		t.Fatalf("raced create should have attempted one entity insert, got %d", len(rs.inserted))
	}
	loser := rs.inserted[0]
	if got, _ := rs.GetEntity(ctx, loser.UserID, loser.EntityType, loser.ServerID); got != nil {
		t.Fatalf("orphan entity %s survived the rollback: %+v", loser.ServerID, got)
	}

	// 赢家的实体、映射、台账都完好
	rs.hideMeta = false
	meta, _ := rs.GetMetadata(ctx, "u1", model.EntityTypeCharacter, "c1", "dev-a")
	if meta == nil {
		t.Fatalf("winner metadata lost")
	}
	if ent, _ := rs.GetEntity(ctx, "u1", model.EntityTypeCharacter, meta.ServerID); ent == nil || ent.Data["name"] != "Luna" {
		t.Fatalf("winner entity damaged: %+v", ent)
	}
	deltas, _ := rs.QueryDeltas(ctx, "u1", store.DeltaQuery{SinceSeq: 0})
	if len(deltas) != 1 {
		t.Fatalf("no delta should be appended on the losing side, got %d", len(deltas))
	}
}

func TestApplyUpdate(t *testing.T) {
	db := store.NewMemDB()
	a := NewApplier(db)
	ctx := context.Background()

	created := a.Apply(ctx, "u1", "dev-a", createChange("c1", characterData("Luna")))
	meta, _ := db.GetMetadata(ctx, "u1", model.EntityTypeCharacter, "c1", "dev-a")

	up := a.Apply(ctx, "u1", "dev-a", LocalChange{
		EntityType: model.EntityTypeCharacter,
		ClientID:   "c1",
		ServerID:   meta.ServerID,
		Operation:  model.OpUpdate,
		Data:       characterData("Luna Prime"),
		Version:    1,
		Timestamp:  nowISO(),
	})
	if up.Err != nil || !up.Accepted {
		t.Fatalf("update rejected: %+v", up)
	}
	if up.Seq <= created.Seq {
		t.Fatalf("delta seq must advance: create=%d update=%d", created.Seq, up.Seq)
	}

	ent, _ := db.GetEntity(ctx, "u1", model.EntityTypeCharacter, meta.ServerID)
	if ent.SyncVersion != 2 {
		t.Fatalf("version must bump to 2, got %d", ent.SyncVersion)
	}
	if ent.Data["name"] != "Luna Prime" {
		t.Fatalf("data not applied: %+v", ent.Data)
	}
}

// 两个设备基于同一版本更新：先到的赢下版本位，后到的拿 version_mismatch。
func TestApplyUpdateStaleVersionConflict(t *testing.T) {
	db := store.NewMemDB()
	a := NewApplier(db)
	ctx := context.Background()

	a.Apply(ctx, "u1", "dev-a", createChange("c1", characterData("Luna")))
	meta, _ := db.GetMetadata(ctx, "u1", model.EntityTypeCharacter, "c1", "dev-a")

	winner := a.Apply(ctx, "u1", "dev-a", LocalChange{
		EntityType: model.EntityTypeCharacter,
		ClientID:   "c1",
		ServerID:   meta.ServerID,
		Operation:  model.OpUpdate,
		Data:       characterData("Luna A"),
		Version:    1,
		Timestamp:  nowISO(),
	})
	if !winner.Accepted {
		t.Fatalf("first update should win: %+v", winner)
	}

	loser := a.Apply(ctx, "u1", "dev-b", LocalChange{
		EntityType: model.EntityTypeCharacter,
		ClientID:   "c1-b",
		ServerID:   meta.ServerID,
		Operation:  model.OpUpdate,
		Data:       characterData("Luna B"),
		Version:    1, // 已被推到 2
		Timestamp:  nowISO(),
	})
	if loser.Conflict == nil {
		t.Fatalf("stale update must conflict, got %+v", loser)
	}
	if loser.Conflict.ConflictType != model.ConflictVersionMismatch {
		t.Fatalf("conflict_type = %s", loser.Conflict.ConflictType)
	}
	if loser.Conflict.ServerVersion == nil || loser.Conflict.ServerVersion.SyncVersion != 2 {
		t.Fatalf("conflict must carry winner state: %+v", loser.Conflict.ServerVersion)
	}
	if loser.Conflict.ClientVersion["name"] != "Luna B" {
		t.Fatalf("conflict must carry rejected payload: %+v", loser.Conflict.ClientVersion)
	}

	// 服务端仍是赢家的数据
	ent, _ := db.GetEntity(ctx, "u1", model.EntityTypeCharacter, meta.ServerID)
	if ent.Data["name"] != "Luna A" || ent.SyncVersion != 2 {
		t.Fatalf("loser leaked into server state: %+v", ent)
	}
}

func TestApplyUpdateMissingEntityConflict(t *testing.T) {
	db := store.NewMemDB()
	a := NewApplier(db)

	res := a.Apply(context.Background(), "u1", "dev-a", LocalChange{
		EntityType: model.EntityTypeCharacter,
		ClientID:   "c1",
		ServerID:   "no-such-id",
		Operation:  model.OpUpdate,
		Data:       characterData("ghost"),
		Version:    1,
		Timestamp:  nowISO(),
	})
	if res.Conflict == nil || res.Conflict.ConflictType != model.ConflictVersionMismatch {
		t.Fatalf("update of missing entity must be version_mismatch: %+v", res)
	}
	if res.Conflict.ServerVersion != nil {
		t.Fatalf("server_version must be nil for missing entity")
	}
}

func TestApplyDelete(t *testing.T) {
	db := store.NewMemDB()
	a := NewApplier(db)
	ctx := context.Background()

	a.Apply(ctx, "u1", "dev-a", createChange("c1", characterData("Luna")))
	meta, _ := db.GetMetadata(ctx, "u1", model.EntityTypeCharacter, "c1", "dev-a")

	del := a.Apply(ctx, "u1", "dev-a", LocalChange{
		EntityType: model.EntityTypeCharacter,
		ClientID:   "c1",
		ServerID:   meta.ServerID,
		Operation:  model.OpDelete,
		Version:    1,
		Timestamp:  nowISO(),
	})
	if del.Err != nil || !del.Accepted {
		t.Fatalf("delete rejected: %+v", del)
	}

	ent, _ := db.GetEntity(ctx, "u1", model.EntityTypeCharacter, meta.ServerID)
	if ent != nil {
		t.Fatalf("entity should be gone")
	}
	m, _ := db.GetMetadata(ctx, "u1", model.EntityTypeCharacter, "c1", "dev-a")
	if m != nil {
		t.Fatalf("mapping should be gone with the entity")
	}

	// 墓碑增量
	deltas, _ := db.QueryDeltas(ctx, "u1", store.DeltaQuery{SinceSeq: 0})
	last := deltas[len(deltas)-1]
	if last.Operation != model.OpDelete {
		t.Fatalf("last delta should be the tombstone, got %s", last.Operation)
	}
	if flag, ok := last.DeltaData["deleted"].(bool); !ok || !flag {
		t.Fatalf("tombstone must flag deleted: %+v", last.DeltaData)
	}
}

// 目标已不存在的 delete：想要的终态已成立，幂等成功且不补第二条墓碑。
func TestApplyDeleteAbsentIsIdempotent(t *testing.T) {
	db := store.NewMemDB()
	a := NewApplier(db)
	ctx := context.Background()

	res := a.Apply(ctx, "u1", "dev-a", LocalChange{
		EntityType: model.EntityTypeCharacter,
		ClientID:   "c1",
		ServerID:   "already-gone",
		Operation:  model.OpDelete,
		Version:    3,
		Timestamp:  nowISO(),
	})
	if res.Err != nil || !res.Accepted || res.Conflict != nil {
		t.Fatalf("absent delete must be a no-op success: %+v", res)
	}
	if res.Seq != 0 {
		t.Fatalf("no-op delete must not write a delta, got seq %d", res.Seq)
	}
	deltas, _ := db.QueryDeltas(ctx, "u1", store.DeltaQuery{SinceSeq: 0})
	if len(deltas) != 0 {
		t.Fatalf("no tombstone expected, got %d deltas", len(deltas))
	}
}

func TestApplyDeleteStaleVersionConflict(t *testing.T) {
	db := store.NewMemDB()
	a := NewApplier(db)
	ctx := context.Background()

	a.Apply(ctx, "u1", "dev-a", createChange("c1", characterData("Luna")))
	meta, _ := db.GetMetadata(ctx, "u1", model.EntityTypeCharacter, "c1", "dev-a")

	// dev-b 先推了一版
	a.Apply(ctx, "u1", "dev-b", LocalChange{
		EntityType: model.EntityTypeCharacter,
		ClientID:   "cb",
		ServerID:   meta.ServerID,
		Operation:  model.OpUpdate,
		Data:       characterData("Luna B"),
		Version:    1,
		Timestamp:  nowISO(),
	})

	// dev-a 带着旧版本来删
	res := a.Apply(ctx, "u1", "dev-a", LocalChange{
		EntityType: model.EntityTypeCharacter,
		ClientID:   "c1",
		ServerID:   meta.ServerID,
		Operation:  model.OpDelete,
		Version:    1,
		Timestamp:  nowISO(),
	})
	if res.Conflict == nil || res.Conflict.ConflictType != model.ConflictDelete {
		t.Fatalf("stale delete must be delete_conflict: %+v", res)
	}
	if res.Conflict.ResolutionHint != model.ResolutionManual {
		t.Fatalf("delete conflicts resolve manually, got %s", res.Conflict.ResolutionHint)
	}

	// 实体活着
	ent, _ := db.GetEntity(ctx, "u1", model.EntityTypeCharacter, meta.ServerID)
	if ent == nil || ent.SyncVersion != 2 {
		t.Fatalf("entity must survive stale delete: %+v", ent)
	}
}

// N 次接受的 update 后版本必须是 1+N，无跳号无重复。
func TestVersionMonotonicity(t *testing.T) {
	db := store.NewMemDB()
	a := NewApplier(db)
	ctx := context.Background()

	a.Apply(ctx, "u1", "dev-a", createChange("c1", characterData("Luna")))
	meta, _ := db.GetMetadata(ctx, "u1", model.EntityTypeCharacter, "c1", "dev-a")

	const n = 5
	for i := 0; i < n; i++ {
		res := a.Apply(ctx, "u1", "dev-a", LocalChange{
			EntityType: model.EntityTypeCharacter,
			ClientID:   "c1",
			ServerID:   meta.ServerID,
			Operation:  model.OpUpdate,
			Data:       characterData("Luna"),
			Version:    int64(1 + i),
			Timestamp:  nowISO(),
		})
		if !res.Accepted {
			t.Fatalf("update %d rejected: %+v", i, res)
		}
	}

	ent, _ := db.GetEntity(ctx, "u1", model.EntityTypeCharacter, meta.ServerID)
	if ent.SyncVersion != 1+n {
		t.Fatalf("after %d updates version = %d, want %d", n, ent.SyncVersion, 1+n)
	}
}

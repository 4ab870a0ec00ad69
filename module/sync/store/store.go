package store

import (
	"context"
	"time"

	"SProject/module/sync/model"
)

// DeltaQuery 拉取条件：seq > SinceSeq，按 seq 升序，排除回声设备。
type DeltaQuery struct {
	SinceSeq        int64
	EntityTypes     []string // 空=全部已知类型
	ExcludeDeviceID string
	Limit           int
}

// DB 事务化存储抽象：编排逻辑只写一次，生产实现 Mongo，
// 内存实现（mem.go）用于测试与单机开发。
type DB interface {
	// Tx 内的写要么全部可见，要么全部不可见。
	Tx(ctx context.Context, fn func(ctx context.Context) error) error

	// —— 实体（权威快照） ——
	GetEntity(ctx context.Context, userID, entityType, serverID string) (*model.Entity, error)
	InsertEntity(ctx context.Context, e *model.Entity) error
	// UpdateEntityData 条件更新：仅当当前版本等于 expectVersion 时替换负载并 +1。
	// 返回是否命中（false = 版本已被别的设备占走）。
	UpdateEntityData(ctx context.Context, userID, entityType, serverID string, expectVersion int64, data map[string]any, now time.Time) (bool, error)
	// DeleteEntityVersioned 条件删除，语义同上。
	DeleteEntityVersioned(ctx context.Context, userID, entityType, serverID string, expectVersion int64) (bool, error)

	// —— 映射（元数据索引） ——
	GetMetadata(ctx context.Context, userID, entityType, clientID, deviceID string) (*model.SyncMetadata, error)
	InsertMetadata(ctx context.Context, m *model.SyncMetadata) error
	UpdateMetadataSynced(ctx context.Context, userID, entityType, clientID, deviceID string, version int64, now time.Time) error
	DeleteMetadataByServerID(ctx context.Context, userID, entityType, serverID string) error
	// DeleteMetadataByDevice 遗忘设备时清掉它的全部本地映射。
	DeleteMetadataByDevice(ctx context.Context, userID, deviceID string) error

	// —— delta 台账 ——
	NextSeq(ctx context.Context, userID string) (int64, error) // 存储原生原子自增
	AppendDelta(ctx context.Context, d *model.DeltaRecord) error
	QueryDeltas(ctx context.Context, userID string, q DeltaQuery) ([]*model.DeltaRecord, error)
	// PruneDeltas 只删 create_time < before 且 seq <= belowSeq 的记录。
	PruneDeltas(ctx context.Context, userID string, before time.Time, belowSeq int64) (int64, error)
	DistinctDeltaUsers(ctx context.Context) ([]string, error)

	// —— 设备在场 ——
	UpsertDevice(ctx context.Context, d *model.DevicePresence) error
	GetDevice(ctx context.Context, userID, deviceID string) (*model.DevicePresence, error)
	ListDevices(ctx context.Context, userID string) ([]*model.DevicePresence, error)
	DeleteDevice(ctx context.Context, userID, deviceID string) error
	// AdvanceDeviceCursor 用 $max 语义推进，永不回退。
	AdvanceDeviceCursor(ctx context.Context, userID, deviceID string, cursor int64) error
	MarkStaleOffline(ctx context.Context, lastSeenBefore time.Time) (int64, error)

	// —— 冲突审计（尽力而为） ——
	InsertConflictLog(ctx context.Context, c *model.ConflictLog) error
	ListConflictLogs(ctx context.Context, userID string, limit int) ([]*model.ConflictLog, error)

	// —— 错误分类 ——
	IsDuplicateErr(err error) bool
	IsTransientErr(err error) bool
}

package model

import (
	"time"

	"SProject/service/mgo"

	"go.mongodb.org/mongo-driver/mongo"
)

// 同步状态机
const (
	SyncStatusPending  = "pending"
	SyncStatusSyncing  = "syncing"
	SyncStatusSynced   = "synced"
	SyncStatusConflict = "conflict"
	SyncStatusFailed   = "failed"
)

// SyncMetadata 设备本地ID与服务端ID的双向映射，一设备一条。
// 唯一键 (user_id, entity_type, client_id, device_id)；
// 同一 server_id 可被多台设备各自映射。
type SyncMetadata struct {
	UserID     string `bson:"user_id" json:"user_id"`
	EntityType string `bson:"entity_type" json:"entity_type"`
	ClientID   string `bson:"client_id" json:"client_id"` // 设备在离线时生成的本地ID
	DeviceID   string `bson:"device_id" json:"device_id"`
	ServerID   string `bson:"server_id" json:"server_id"`

	SyncVersion int64  `bson:"sync_version" json:"sync_version"` // 随实体版本一起推进（影子值，权威在实体）
	SyncStatus  string `bson:"sync_status" json:"sync_status"`

	LastModifiedAt time.Time `bson:"last_modified_at" json:"last_modified_at"`
	LastSyncedAt   time.Time `bson:"last_synced_at" json:"last_synced_at"`
	CreateTime     time.Time `bson:"create_time" json:"create_time"`
}

const (
	MetaFieldUserID         = "user_id"
	MetaFieldEntityType     = "entity_type"
	MetaFieldClientID       = "client_id"
	MetaFieldDeviceID       = "device_id"
	MetaFieldServerID       = "server_id"
	MetaFieldSyncVersion    = "sync_version"
	MetaFieldSyncStatus     = "sync_status"
	MetaFieldLastModifiedAt = "last_modified_at"
	MetaFieldLastSyncedAt   = "last_synced_at"
	MetaFieldCreateTime     = "create_time"
)

func (m *SyncMetadata) GetTableName() string { return "sync_metadata" }

func (m *SyncMetadata) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(m.GetTableName())
}

package model

import (
	"time"

	"SProject/service/mgo"

	"go.mongodb.org/mongo-driver/mongo"
)

const (
	ConflictVersionMismatch = "version_mismatch"
	ConflictConcurrentEdit  = "concurrent_edit"
	ConflictDelete          = "delete_conflict"
)

const (
	ResolutionClientWins    = "client_wins"
	ResolutionServerWins    = "server_wins"
	ResolutionMergeRequired = "merge_required" // 服务端不实现合并，由客户端解决
	ResolutionManual        = "manual"
)

// ConflictRecord 随响应返回的结构化冲突，不是失败。
// client_version 是设备想要应用的负载，server_version 是当前权威状态。
type ConflictRecord struct {
	EntityType     string         `bson:"entity_type" json:"entity_type"`
	EntityID       string         `bson:"entity_id" json:"entity_id"`
	ConflictType   string         `bson:"conflict_type" json:"conflict_type"`
	ClientVersion  map[string]any `bson:"client_version" json:"client_version"`
	ServerVersion  *Entity        `bson:"server_version" json:"server_version,omitempty"`
	ResolutionHint string         `bson:"resolution_hint" json:"resolution_hint"`
	AutoResolvable bool           `bson:"auto_resolvable" json:"auto_resolvable"`
}

// ConflictLog 冲突落盘审计（尽力而为，不在事务内）。
type ConflictLog struct {
	ConflictID string         `bson:"conflict_id" json:"conflict_id"`
	UserID     string         `bson:"user_id" json:"user_id"`
	DeviceID   string         `bson:"device_id" json:"device_id"`
	Record     ConflictRecord `bson:"record" json:"record"`
	DetectedAt time.Time      `bson:"detected_at" json:"detected_at"`
}

const (
	ConflictFieldConflictID = "conflict_id"
	ConflictFieldUserID     = "user_id"
	ConflictFieldDeviceID   = "device_id"
	ConflictFieldDetectedAt = "detected_at"
)

func (c *ConflictLog) GetTableName() string { return "sync_conflict_log" }

func (c *ConflictLog) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(c.GetTableName())
}

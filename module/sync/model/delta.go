package model

import (
	"time"

	"SProject/service/mgo"

	"go.mongodb.org/mongo-driver/mongo"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

func IsValidOperation(op string) bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// DeltaRecord 只追加的变更台账，一条一个已接受的变更。
// 对同一 user_id，seq 严格递增（允许有洞），是拉取协议唯一的序关系。
// 记录一旦写入不再改写，只被保留期清理删除。
type DeltaRecord struct {
	UserID     string         `bson:"user_id" json:"user_id"`
	EntityType string         `bson:"entity_type" json:"entity_type"`
	EntityID   string         `bson:"entity_id" json:"entity_id"` // = server_id
	Operation  string         `bson:"operation" json:"operation"` // create/update/delete
	DeviceID   string         `bson:"device_id" json:"device_id"` // 变更来源设备
	Seq        int64          `bson:"seq" json:"sequence_number"`
	DeltaData  map[string]any `bson:"delta_data" json:"delta_data"` // 变更后的完整快照，非字段diff

	CreateTime time.Time `bson:"create_time" json:"created_at"`
}

const (
	DeltaFieldUserID     = "user_id"
	DeltaFieldEntityType = "entity_type"
	DeltaFieldEntityID   = "entity_id"
	DeltaFieldOperation  = "operation"
	DeltaFieldDeviceID   = "device_id"
	DeltaFieldSeq        = "seq"
	DeltaFieldDeltaData  = "delta_data"
	DeltaFieldCreateTime = "create_time"
)

func (d *DeltaRecord) GetTableName() string { return "sync_delta" }

func (d *DeltaRecord) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(d.GetTableName())
}

// DeleteTombstone 删除操作的 delta 负载：区分“从未存在”与“已删除”。
func DeleteTombstone(version int64) map[string]any {
	return map[string]any{"deleted": true, "version": version}
}

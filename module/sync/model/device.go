package model

import (
	"time"

	"SProject/service/mgo"

	"go.mongodb.org/mongo-driver/mongo"
)

const (
	DeviceTypeIOS     = "ios"
	DeviceTypeAndroid = "android"
	DeviceTypeWeb     = "web"
)

func IsValidDeviceType(t string) bool {
	return t == DeviceTypeIOS || t == DeviceTypeAndroid || t == DeviceTypeWeb
}

// DeviceCapabilities 设备自述能力，影响批量与实时提示，不影响正确性。
type DeviceCapabilities struct {
	SupportsRealTime bool `bson:"supports_real_time" json:"supports_real_time"`
	SupportsFileSync bool `bson:"supports_file_sync" json:"supports_file_sync"`
	MaxBatchSize     int  `bson:"max_batch_size" json:"max_batch_size"`
}

// DevicePresence 一用户一设备一条；纯运营可见性，不参与同步正确性。
type DevicePresence struct {
	UserID     string `bson:"user_id" json:"user_id"`
	DeviceID   string `bson:"device_id" json:"device_id"`
	DeviceName string `bson:"device_name" json:"device_name"`
	DeviceType string `bson:"device_type" json:"device_type"` // ios/android/web
	AppVersion string `bson:"app_version" json:"app_version"`

	Capabilities DeviceCapabilities `bson:"capabilities" json:"capabilities"`

	LastSeenAt   time.Time `bson:"last_seen_at" json:"last_seen_at"`
	OnlineStatus bool      `bson:"online_status" json:"online_status"`
	SyncCursor   int64     `bson:"sync_cursor" json:"sync_cursor"` // 该设备已成功拉到的最大 seq

	CreateTime time.Time `bson:"create_time" json:"create_time"`
	UpdateTime time.Time `bson:"update_time" json:"update_time"`
}

const (
	DeviceFieldUserID       = "user_id"
	DeviceFieldDeviceID     = "device_id"
	DeviceFieldDeviceName   = "device_name"
	DeviceFieldDeviceType   = "device_type"
	DeviceFieldAppVersion   = "app_version"
	DeviceFieldCapabilities = "capabilities"
	DeviceFieldLastSeenAt   = "last_seen_at"
	DeviceFieldOnlineStatus = "online_status"
	DeviceFieldSyncCursor   = "sync_cursor"
	DeviceFieldCreateTime   = "create_time"
	DeviceFieldUpdateTime   = "update_time"
)

func (d *DevicePresence) GetTableName() string { return "device_presence" }

func (d *DevicePresence) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(d.GetTableName())
}

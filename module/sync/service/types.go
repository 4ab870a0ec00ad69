package service

import (
	"time"

	"SProject/module/sync/model"
	"SProject/tools/errs"
)

// LocalChange 设备离线期间积累的一条本地变更。
type LocalChange struct {
	EntityType string         `json:"entity_type"`
	ClientID   string         `json:"client_id"`
	ServerID   string         `json:"server_id,omitempty"` // update/delete 必填，create 不填
	Operation  string         `json:"operation"`
	Data       map[string]any `json:"data"`
	Version    int64          `json:"version"`   // 设备认为的当前版本（乐观锁token）
	Timestamp  string         `json:"timestamp"` // ISO-8601
}

type SyncRequest struct {
	DeviceID       string                    `json:"device_id"`
	DeviceType     string                    `json:"device_type"` // ios/android/web
	DeviceName     string                    `json:"device_name,omitempty"`
	AppVersion     string                    `json:"app_version,omitempty"`
	LastSyncCursor int64                     `json:"last_sync_cursor"`
	EntityTypes    []string                  `json:"entity_types,omitempty"`
	LocalChanges   []LocalChange             `json:"local_changes"`
	Capabilities   *model.DeviceCapabilities `json:"capabilities,omitempty"`
}

// ServerChange 拉取侧的一条增量（delta 台账投影）。
type ServerChange struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Operation  string         `json:"operation"`
	Seq        int64          `json:"sequence_number"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"created_at"`
}

type SyncStatusSummary struct {
	TotalProcessed int `json:"total_processed"`
	Successful     int `json:"successful"`
	Conflicts      int `json:"conflicts"`
	Errors         int `json:"errors"`
}

type SyncResponse struct {
	SyncCursor            int64                  `json:"sync_cursor"`
	DeviceID              string                 `json:"device_id"`
	ServerChanges         []ServerChange         `json:"server_changes"`
	Conflicts             []model.ConflictRecord `json:"conflicts"`
	SyncStatus            SyncStatusSummary      `json:"sync_status"`
	NextSyncRecommendedAt time.Time              `json:"next_sync_recommended_at"`
	RealTimeEnabled       bool                   `json:"real_time_enabled"`
}

// Validate 整体校验：任何一处不合法则整个调用拒绝，不做任何处理。
func (r *SyncRequest) Validate(maxBatch int) error {
	if r.DeviceID == "" {
		return errs.ErrArgs.WrapMsg("device_id is required")
	}
	if !model.IsValidDeviceType(r.DeviceType) {
		return errs.ErrArgs.WrapMsg("invalid device_type", "device_type", r.DeviceType)
	}
	if r.LastSyncCursor < 0 {
		return errs.ErrArgs.WrapMsg("last_sync_cursor must be >= 0")
	}
	if maxBatch > 0 && len(r.LocalChanges) > maxBatch {
		return errs.ErrBatchTooLarge.WrapMsg("local_changes over limit",
			"size", len(r.LocalChanges), "max", maxBatch)
	}
	for _, et := range r.EntityTypes {
		if !model.IsKnownEntityType(et) {
			return errs.ErrUnknownEntity.WrapMsg("entity_types filter", "entity_type", et)
		}
	}
	for i := range r.LocalChanges {
		if err := r.LocalChanges[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *LocalChange) Validate() error {
	if !model.IsKnownEntityType(c.EntityType) {
		return errs.ErrUnknownEntity.WrapMsg("local change", "entity_type", c.EntityType)
	}
	if !model.IsValidOperation(c.Operation) {
		return errs.ErrInvalidOperation.WrapMsg("local change", "operation", c.Operation)
	}
	if c.ClientID == "" {
		return errs.ErrArgs.WrapMsg("client_id is required")
	}
	if c.Version < 1 {
		return errs.ErrArgs.WrapMsg("version must be >= 1", "version", c.Version)
	}
	if c.Timestamp == "" {
		return errs.ErrArgs.WrapMsg("timestamp is required")
	}
	if _, err := time.Parse(time.RFC3339, c.Timestamp); err != nil {
		return errs.ErrArgs.WrapMsg("timestamp not ISO-8601", "timestamp", c.Timestamp)
	}
	switch c.Operation {
	case model.OpCreate:
		if c.Data == nil {
			return errs.ErrArgs.WrapMsg("data is required for create")
		}
	case model.OpUpdate:
		if c.ServerID == "" {
			return errs.ErrArgs.WrapMsg("server_id is required for update")
		}
		if c.Data == nil {
			return errs.ErrArgs.WrapMsg("data is required for update")
		}
	case model.OpDelete:
		if c.ServerID == "" {
			return errs.ErrArgs.WrapMsg("server_id is required for delete")
		}
	}
	if c.Data != nil {
		// 形状校验一次；未知字段保留，负载本身对编排不透明
		if err := model.ValidatePayload(c.EntityType, c.Data); err != nil {
			return errs.ErrArgs.WrapMsg("bad payload", "entity_type", c.EntityType, "cause", err.Error())
		}
	}
	return nil
}

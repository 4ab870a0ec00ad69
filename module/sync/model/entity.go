package model

import (
	"time"

	"SProject/service/mgo"
	"SProject/tools/decode"
	"SProject/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
)

// 可同步实体类型（封闭集合）
const (
	EntityTypeCharacter    = "character"
	EntityTypeStory        = "story"
	EntityTypeCustomEvent  = "custom_event"
	EntityTypeScene        = "scene"
	EntityTypeIllustration = "illustration"
)

// KnownEntityTypes 返回全部已知类型（拉取时未指定过滤即用它）。
func KnownEntityTypes() []string {
	return []string{
		EntityTypeCharacter,
		EntityTypeStory,
		EntityTypeCustomEvent,
		EntityTypeScene,
		EntityTypeIllustration,
	}
}

func IsKnownEntityType(t string) bool {
	switch t {
	case EntityTypeCharacter, EntityTypeStory, EntityTypeCustomEvent,
		EntityTypeScene, EntityTypeIllustration:
		return true
	}
	return false
}

// Entity 当前权威快照，一行一个逻辑实体。
// sync_version 是唯一的乐观锁计数器，存在实体上而不是映射上。
type Entity struct {
	UserID      string         `bson:"user_id" json:"user_id"`
	EntityType  string         `bson:"entity_type" json:"entity_type"`
	ServerID    string         `bson:"server_id" json:"server_id"` // 服务端权威ID（雪花）
	SyncVersion int64          `bson:"sync_version" json:"sync_version"`
	Data        map[string]any `bson:"data" json:"data"` // 对编排层不透明的业务负载

	CreateTime time.Time `bson:"create_time" json:"create_time"`
	UpdateTime time.Time `bson:"update_time" json:"update_time"`
}

const (
	EntityFieldUserID      = "user_id"
	EntityFieldEntityType  = "entity_type"
	EntityFieldServerID    = "server_id"
	EntityFieldSyncVersion = "sync_version"
	EntityFieldData        = "data"
	EntityFieldCreateTime  = "create_time"
	EntityFieldUpdateTime  = "update_time"
)

func (e *Entity) GetTableName() string { return "sync_entity" }

func (e *Entity) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(e.GetTableName())
}

// —— 按类型的负载结构 ——
// 负载对编排层不透明；这里只做形状校验，未知字段保留（前向兼容）。

type CharacterPayload struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	AvatarRef   string   `json:"avatar_ref"`   // 生成形象的引用（整体替换）
	VoiceRef    string   `json:"voice_ref"`    // TTS 声音引用
	Traits      []string `json:"traits"`
}

type StoryPayload struct {
	Title        string   `json:"title"`
	CharacterIDs []string `json:"character_ids"`
	Text         string   `json:"text"`
	AudioRef     string   `json:"audio_ref"` // 整篇朗读音频引用
	CoverRef     string   `json:"cover_ref"`
	Status       string   `json:"status"` // draft/generated/archived
}

type CustomEventPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	OccursAt    string `json:"occurs_at"`
}

type ScenePayload struct {
	StoryID  string `json:"story_id"`
	Index    int    `json:"index"`
	Text     string `json:"text"`
	ImageRef string `json:"image_ref"`
}

type IllustrationPayload struct {
	StoryID  string `json:"story_id"`
	SceneID  string `json:"scene_id"`
	AssetRef string `json:"asset_ref"` // 二进制资产整体替换，不做字节级diff
	Style    string `json:"style"`
}

// ValidatePayload 将弱类型负载按 entity_type 解码一次做编译期字段校验；
// 入库仍存原始 map，保持对新字段的前向兼容。
func ValidatePayload(entityType string, data map[string]any) error {
	var err error
	switch entityType {
	case EntityTypeCharacter:
		_, err = decode.Struct[CharacterPayload](data)
	case EntityTypeStory:
		_, err = decode.Struct[StoryPayload](data)
	case EntityTypeCustomEvent:
		_, err = decode.Struct[CustomEventPayload](data)
	case EntityTypeScene:
		_, err = decode.Struct[ScenePayload](data)
	case EntityTypeIllustration:
		_, err = decode.Struct[IllustrationPayload](data)
	default:
		return errs.ErrUnknownEntity.WrapMsg("validate payload", "entity_type", entityType)
	}
	return err
}

package model

import "SProject/data/database"

// 所有落 Mongo 的文档模型遵守统一的 Table 约定
var (
	_ database.Table = (*Entity)(nil)
	_ database.Table = (*SyncMetadata)(nil)
	_ database.Table = (*DeltaRecord)(nil)
	_ database.Table = (*DevicePresence)(nil)
	_ database.Table = (*SeqUser)(nil)
	_ database.Table = (*ConflictLog)(nil)
)

package errs

// 错误码分段：1xx 通用；11xx 认证；12xx 参数；13xx 同步业务。
const (
	ServerInternalError = 500  // 服务器内部错误
	ArgsError           = 1201 // 参数错误（请求整体拒绝）
	NoPermissionError   = 1101 // 权限不足
	TokenInvalidError   = 1102 // token 无效
	TokenExpiredError   = 1103 // token 过期

	BatchTooLargeError    = 1301 // local_changes 超过批量上限
	UnknownEntityError    = 1302 // 未知 entity_type
	InvalidOperationError = 1303 // 非法 operation
	SyncConflictError     = 1304 // 版本/并发冲突（结构化返回，不算失败）
	StoreTransientError   = 1305 // 存储暂时不可用，单条可重试
)

var (
	ErrInternalServer = NewCodeError(ServerInternalError, "server internal error")
	ErrArgs           = NewCodeError(ArgsError, "args error")
	ErrNoPermission   = NewCodeError(NoPermissionError, "no permission")
	ErrTokenInvalid   = NewCodeError(TokenInvalidError, "token invalid")
	ErrTokenExpired   = NewCodeError(TokenExpiredError, "token expired")

	ErrBatchTooLarge    = NewCodeError(BatchTooLargeError, "batch too large")
	ErrUnknownEntity    = NewCodeError(UnknownEntityError, "unknown entity type")
	ErrInvalidOperation = NewCodeError(InvalidOperationError, "invalid operation")
	ErrSyncConflict     = NewCodeError(SyncConflictError, "sync conflict")
	ErrStoreTransient   = NewCodeError(StoreTransientError, "store temporarily unavailable")
)

package natsx

import (
	"context"
	"encoding/json"
	"time"
)

// SyncChangedSubjectPrefix 每用户一个 subject，客户端按自己的 user 订阅。
const SyncChangedSubjectPrefix = "sync.changed."

// SyncChangedEvent 增量提醒。只说“有新东西”，不携带实体数据，
// 收到的设备该走正常同步把变更拉下来。
type SyncChangedEvent struct {
	UserID         string `json:"user_id"`
	OriginDeviceID string `json:"origin_device_id"` // 产生变更的设备，订阅方可据此忽略自己
	MaxSeq         int64  `json:"max_seq"`
	EmittedAt      int64  `json:"emitted_at"` // unix 毫秒
}

// SyncNotifier 把增量提醒发到 NATS，带简单重试
type SyncNotifier struct {
	Client  *NatsxClient
	Retries int
	Backoff time.Duration
}

func NewSyncNotifier(c *NatsxClient) *SyncNotifier {
	return &SyncNotifier{Client: c, Retries: 2, Backoff: 100 * time.Millisecond}
}

func (n *SyncNotifier) PublishSyncChanged(ctx context.Context, userID, originDeviceID string, seq int64) error {
	ev := SyncChangedEvent{
		UserID:         userID,
		OriginDeviceID: originDeviceID,
		MaxSeq:         seq,
		EmittedAt:      time.Now().UnixMilli(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	hdr := map[string]string{"X-Origin-Device": originDeviceID}
	subject := SyncChangedSubjectPrefix + userID

	var last error
	for i := 0; i <= n.Retries; i++ {
		if last = n.Client.Publish(ctx, subject, data, hdr); last == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.Backoff):
		}
	}
	return last
}

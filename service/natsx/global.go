package natsx

import (
	"log"
	"sync"
)

var (
	globalClient *NatsxClient
	startOnce    sync.Once
	mu           sync.Mutex
)

// StartNats 启动全局 NATS（只会执行一次）。连不上直接 fatal，
// 想让 NATS 可选就别调它。
func StartNats(cfg NatsxConfig) {
	startOnce.Do(func() {
		c, err := NewNatsxClient(cfg)
		if err != nil {
			log.Fatalf("failed to start nats client: %v", err)
		}
		mu.Lock()
		globalClient = c
		mu.Unlock()
	})
}

// StopNats 优雅关闭（可选）
func StopNats() error {
	mu.Lock()
	defer mu.Unlock()
	if globalClient == nil {
		return nil
	}
	err := globalClient.Close()
	globalClient = nil
	return err
}

// TryGetNats 取全局客户端；未启动返回 false
func TryGetNats() (*NatsxClient, bool) {
	mu.Lock()
	defer mu.Unlock()
	return globalClient, globalClient != nil
}

package global

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"SProject/logger"

	"go.uber.org/zap"
)

type ServerConfig struct {
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
}

type MongoConfig struct {
	Uri         string `yaml:"uri"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	MaxPoolSize int    `yaml:"max_pool_size"`
	MaxRetry    int    `yaml:"max_retry"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NatsConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Servers      []string `yaml:"servers"`
	Name         string   `yaml:"name"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	UseJetStream bool     `yaml:"use_jetstream"`
}

type JwtConfig struct {
	Secret string   `yaml:"secret"`
	TTL    Duration `yaml:"ttl"`
}

// SyncConfig 同步编排的运行参数
type SyncConfig struct {
	MaxBatchSize   int      `yaml:"max_batch_size"`  // 单次上报上限
	PullPageSize   int      `yaml:"pull_page_size"`  // 单次下发上限
	SyncInterval   Duration `yaml:"sync_interval"`   // 建议的下次同步间隔
	StaleThreshold Duration `yaml:"stale_threshold"` // 超过视为设备离线
	DeltaRetention Duration `yaml:"delta_retention"` // 增量日志保留
	PresenceTTL    Duration `yaml:"presence_ttl"`    // Redis 在线镜像有效期
	SeqBlockSize   int64    `yaml:"seq_block_size"`  // Redis 段缓存一段的大小
}

// Duration 让 yaml 里能写 "5m" 这种人话
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type AppConfig struct {
	NodeId int64        `yaml:"node_id"` // 雪花 ID 节点号
	Server ServerConfig `yaml:"server"`
	Mongo  MongoConfig  `yaml:"mongo"`
	Redis  RedisConfig  `yaml:"redis"`
	Nats   NatsConfig   `yaml:"nats"`
	Jwt    JwtConfig    `yaml:"jwt"`
	Sync   SyncConfig   `yaml:"sync"`
}

// Global 默认值；LoadConfig 之后就是生效配置。
var Global = AppConfig{
	NodeId: 100,
	Server: ServerConfig{Addr: "0.0.0.0", Port: 8080},
	Mongo: MongoConfig{
		Uri:         "mongodb://localhost:27017",
		Database:    "storySync",
		MaxPoolSize: 20,
		MaxRetry:    3,
	},
	Redis: RedisConfig{Addr: "127.0.0.1:6379"},
	Nats:  NatsConfig{Servers: []string{"nats://127.0.0.1:4222"}, Name: "story-sync"},
	Jwt:   JwtConfig{TTL: Duration(24 * time.Hour)},
	Sync: SyncConfig{
		MaxBatchSize:   100,
		PullPageSize:   100,
		SyncInterval:   Duration(5 * time.Minute),
		StaleThreshold: Duration(10 * time.Minute),
		DeltaRetention: Duration(168 * time.Hour),
		PresenceTTL:    Duration(10 * time.Minute),
		SeqBlockSize:   64,
	},
}

// LoadConfig 叠加 yaml 文件与少量环境变量覆盖。文件不存在不算错，
// 用默认值跑（本地开发常态）。
func LoadConfig(path string) error {
	if path == "" {
		path = "config/app.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("config file not found, using defaults", zap.String("path", path))
		} else {
			return err
		}
	} else if err := yaml.Unmarshal(data, &Global); err != nil {
		return err
	}
	applyEnvOverrides()
	return nil
}

func applyEnvOverrides() {
	if v := os.Getenv("SYNC_MONGO_URI"); v != "" {
		Global.Mongo.Uri = v
	}
	if v := os.Getenv("SYNC_REDIS_ADDR"); v != "" {
		Global.Redis.Addr = v
		Global.Redis.Enabled = true
	}
	if v := os.Getenv("SYNC_NATS_SERVERS"); v != "" {
		Global.Nats.Servers = []string{v}
		Global.Nats.Enabled = true
	}
	if v := os.Getenv("SYNC_JWT_SECRET"); v != "" {
		Global.Jwt.Secret = v
	}
	if v := os.Getenv("SYNC_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			Global.Server.Port = p
		}
	}
	if v := os.Getenv("SYNC_NODE_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			Global.NodeId = n
		}
	}
}

func GetJwtSecret() []byte {
	if Global.Jwt.Secret == "" {
		// 开发兜底，线上必须通过配置或 SYNC_JWT_SECRET 下发
		return []byte("mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o=")
	}
	return []byte(Global.Jwt.Secret)
}

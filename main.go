package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SProject/data/database/mgo/mongoutil"
	"SProject/global"
	"SProject/logger"
	mid "SProject/middleware"
	"SProject/module/device"
	syncmod "SProject/module/sync"
	"SProject/module/sync/seq"
	syncsrv "SProject/module/sync/service"
	"SProject/module/sync/store"
	mgoSrv "SProject/service/mgo"
	"SProject/service/natsx"
	redisx "SProject/service/storage/redis"
	"SProject/tools/ids"
	"SProject/tools/safe"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	if err := global.LoadConfig(os.Getenv("SYNC_CONFIG")); err != nil {
		logger.Error("load config failed", zap.Error(err))
		os.Exit(1)
	}
	cfg := &global.Global
	ids.SetNodeID(cfg.NodeId)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Mongo：异步连，就绪前不开始监听
	mongoCfg := &mongoutil.Config{
		Uri:         cfg.Mongo.Uri,
		Database:    cfg.Mongo.Database,
		Username:    cfg.Mongo.Username,
		Password:    cfg.Mongo.Password,
		MaxPoolSize: cfg.Mongo.MaxPoolSize,
		MaxRetry:    cfg.Mongo.MaxRetry,
	}
	mgoSrv.StartAsync(ctx, mongoCfg)
	if err := mgoSrv.WaitReady(ctx); err != nil {
		logger.Error("mongo not ready", zap.Error(err), zap.NamedError("last", mgoSrv.Err()))
		// 前台再探一次，把更具体的连接错误打出来
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if cerr := mongoutil.Check(checkCtx, mongoCfg); cerr != nil {
			logger.Error("mongo preflight", zap.Error(cerr))
		}
		cancel()
		os.Exit(1)
	}
	db := mgoSrv.GetDB()
	if err := store.EnsureIndexes(ctx, db); err != nil {
		logger.Error("ensure indexes failed", zap.Error(err))
		os.Exit(1)
	}

	// Redis 可选：没有就全部回源 Mongo
	seqDAO := &seq.DAO{DB: db}
	alloc := &seq.Allocator{DAO: seqDAO}
	if cfg.Sync.SeqBlockSize > 0 {
		block := cfg.Sync.SeqBlockSize
		alloc.BlockSizeFn = func(_ string, want int64) int64 {
			if want > block {
				return want
			}
			return block
		}
	}
	redisUp := false
	if cfg.Redis.Enabled {
		err := redisx.InitRedis(redisx.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Warn("redis init failed, running without cache", zap.Error(err))
		} else if rdb, ok := redisx.TryGetRedis(); ok {
			alloc.Rdb = rdb
			redisUp = true
		}
	}

	storeDB := store.NewMongoDB(db, mgoSrv.GetTx(), alloc)

	// NATS 可选：只影响实时提醒
	var notifier syncsrv.Notifier
	if cfg.Nats.Enabled {
		natsx.StartNats(natsx.NatsxConfig{
			Servers:      cfg.Nats.Servers,
			Name:         cfg.Nats.Name,
			Username:     cfg.Nats.Username,
			Password:     cfg.Nats.Password,
			UseJetStream: cfg.Nats.UseJetStream,
		})
		if nc, ok := natsx.TryGetNats(); ok {
			notifier = natsx.NewSyncNotifier(nc)
		}
	}

	registry := device.NewRegistry(storeDB, cfg.Sync.PresenceTTL.Std(), redisUp)
	orch := syncsrv.NewOrchestrator(storeDB, notifier, syncsrv.Options{
		MaxBatchSize: cfg.Sync.MaxBatchSize,
		PullPageSize: cfg.Sync.PullPageSize,
		SyncInterval: cfg.Sync.SyncInterval.Std(),
	}).WithPresence(registry)
	handler := syncmod.NewHandler(orch, registry)

	// 后台维护：离线判定扫描 + 增量台账裁剪
	staleFor := cfg.Sync.StaleThreshold.Std()
	safe.GoTicker(ctx, "stale-device-sweep", staleFor/2, func(ctx context.Context) {
		if _, err := registry.MarkStaleOffline(ctx, staleFor); err != nil {
			logger.Warn("stale sweep failed", zap.Error(err))
		}
	})
	maint := syncsrv.NewMaintenance(storeDB, cfg.Sync.DeltaRetention.Std(), staleFor).WithSeqTrimmer(seqDAO)
	safe.GoTicker(ctx, "delta-prune", time.Hour, func(ctx context.Context) {
		if _, err := maint.PruneDeltas(ctx); err != nil {
			logger.Warn("delta prune failed", zap.Error(err))
		}
	})

	mid.Manager().Add(mid.Origin())

	r := gin.New()
	r.Use(gin.Recovery(), mid.Manager().Use())
	handler.Register(r)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Addr, cfg.Server.Port)
	logger.Info("sync server listening", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		logger.Error("http server exited", zap.Error(err))
		os.Exit(1)
	}
}

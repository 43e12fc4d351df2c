package main

import (
	"PPulse/global"
	"PPulse/logger"
	"PPulse/module/chat/readsweep"
	"PPulse/module/counter"
	"PPulse/module/update"
	"PPulse/service/broker"
	"PPulse/service/mgo"
	"PPulse/service/storage"
	rds "PPulse/service/storage/redis"
	"PPulse/tools/ids"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	cfg := global.Load()
	ids.SetNodeID(int64(os.Getpid() % 1024))

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Mongo 异步起，首个请求前等就绪
	mgo.StartAsync(rootCtx, cfg.Mongo)
	waitCtx, waitCancel := context.WithTimeout(rootCtx, 30*time.Second)
	if err := mgo.WaitReady(waitCtx); err != nil {
		waitCancel()
		logger.Error("mongo not ready", zap.Error(err))
		os.Exit(1)
	}
	waitCancel()

	// redis 只服务 identity 缓存，连不上降级走库
	if err := rds.InitRedis(cfg.Redis); err != nil {
		logger.Warn("redis unavailable, identity cache disabled", zap.Error(err))
	}

	gw := broker.New(cfg.Broker)
	if err := gw.Connect(); err != nil {
		logger.Error("broker connect failed", zap.Error(err))
		os.Exit(1)
	}

	// counter ←→ update 互指，先各自构造再接线
	ledger := counter.NewLedger(counter.NewMongoStore(), counter.NewRuntime(cfg.ContextTTL))
	engine := update.NewEngine(update.Deps{
		Updates:         update.NewMongoUpdateStore(),
		Members:         update.NewMongoMemberStore(),
		Messages:        update.NewMongoMessageStore(),
		Meta:            update.NewMongoMetaStore(),
		Identity:        storage.NewIdentityCache(),
		Stats:           ledger,
		Broker:          gw,
		UpdatesExchange: cfg.Broker.UpdateExchange,
	})
	ledger.SetEmitter(engine)
	ledger.StartSweep(cfg.ContextTTL / 3)

	sweeper := readsweep.NewSweeper(ledger)
	sweeper.BatchSize = cfg.ReadSweepBatch
	sweeper.Sleep = cfg.ReadSweepSleep

	consumer, err := update.RegisterEventConsumer(gw, engine, cfg.Broker.EventExchange)
	if err != nil {
		logger.Error("register event consumer failed", zap.Error(err))
		gw.Close()
		os.Exit(1)
	}
	readConsumer, err := readsweep.RegisterReadConsumer(gw, sweeper, cfg.Broker.EventExchange)
	if err != nil {
		logger.Error("register read-sweep consumer failed", zap.Error(err))
		gw.Close()
		os.Exit(1)
	}

	logger.Info("ppulse core started",
		zap.String("event_exchange", cfg.Broker.EventExchange),
		zap.String("update_exchange", cfg.Broker.UpdateExchange))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	readConsumer.Cancel()
	consumer.Cancel()
	ledger.StopSweep()
	gw.Close()
	cancel()
	_ = rds.CloseRedis()
	logger.Sync()
}

package global

import (
	mongoutil "PPulse/data/database/mgo/mongoutil"
	"PPulse/service/broker"
	rds "PPulse/service/storage/redis"
	"PPulse/tools"
	"time"
)

// AppConfig 进程配置，全部来自环境变量。
// 缺省值适配本地单机联调，生产环境逐项覆盖。
type AppConfig struct {
	Mongo  *mongoutil.Config
	Redis  rds.Config
	Broker broker.Config

	ContextTTL     time.Duration // Update Context 过期时长
	ReadSweepBatch int           // mark-read 每批行数
	ReadSweepSleep time.Duration // mark-read 批间小睡
}

func Load() *AppConfig {
	return &AppConfig{
		Mongo: &mongoutil.Config{
			Uri:         tools.GetEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database:    tools.GetEnv("MONGO_DB", "ppulse"),
			MaxPoolSize: tools.GetEnvInt("MONGO_POOL_SIZE", 100),
			MaxRetry:    tools.GetEnvInt("MONGO_MAX_RETRY", 3),
		},
		Redis: rds.Config{
			Addr:     tools.GetEnv("REDIS_ADDR", "localhost:6379"),
			Password: tools.GetEnv("REDIS_PASSWORD", ""),
			DB:       tools.GetEnvInt("REDIS_DB", 0),
			PoolSize: tools.GetEnvInt("REDIS_POOL_SIZE", 50),
		},
		Broker: broker.Config{
			URL:            tools.GetEnv("BROKER_URL", "nats://localhost:4222"),
			Name:           tools.GetEnv("BROKER_NAME", "ppulse-core"),
			EventExchange:  tools.GetEnv("BROKER_EVENT_EXCHANGE", "events"),
			UpdateExchange: tools.GetEnv("BROKER_UPDATE_EXCHANGE", "updates"),
		},
		ContextTTL:     time.Duration(tools.GetEnvInt("CTX_TTL_MS", 180000)) * time.Millisecond,
		ReadSweepBatch: tools.GetEnvInt("READ_SWEEP_BATCH", 500),
		ReadSweepSleep: time.Duration(tools.GetEnvInt("READ_SWEEP_SLEEP_MS", 100)) * time.Millisecond,
	}
}

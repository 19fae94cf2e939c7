package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"e2e_crypto/internal/config"
	"e2e_crypto/internal/metrics"
	"e2e_crypto/internal/repository/user"
	redisSvc "e2e_crypto/internal/service/redis"
	"e2e_crypto/internal/service/server"
	"e2e_crypto/internal/utils/log"
)

func main() {
	cfg, err := config.Load(os.Getenv("E2E_CONFIG"))
	if err != nil {
		panic(err)
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		panic(err)
	}
	defer log.Sync()
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var directory server.Directory
	if cfg.Relay.MongoURI == "" {
		log.Warn("no mongo uri configured, keys are kept in memory")
		directory = server.NewMemoryDirectory()
	} else {
		mongoDBClient, err := initMongo(ctx, cfg.Relay.MongoURI)
		if err != nil {
			log.Fatal("connect mongo failed", zap.Error(err))
		}
		defer mongoDBClient.Disconnect(context.Background())

		repo := user.NewUserRepo(mongoDBClient.Database(cfg.Relay.MongoDB))
		if err := repo.EnsureIndexes(ctx); err != nil {
			log.Fatal("create indexes failed", zap.Error(err))
		}
		directory = repo
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Relay.RedisAddr,
		DB:   0,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("connect redis failed", zap.Error(err))
	}

	queue := redisSvc.NewRedis(rdb, cfg.Relay.QueueTTL)
	s := server.NewHttpServer(directory, queue)
	if err := s.Run(ctx, cfg.Relay.Addr); err != nil {
		log.Error("relay stopped", zap.Error(err))
	}
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

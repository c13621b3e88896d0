package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	redisv9 "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"bookchat/internal/config"
	"bookchat/internal/model"
	"bookchat/internal/platform/mysql"
	"bookchat/internal/platform/rabbitmq"
	"bookchat/internal/platform/redis"
	"bookchat/internal/repository"
	"bookchat/internal/storage"
	"bookchat/internal/worker"
)

// App holds the shared infrastructure handles for the process lifetime.
type App struct {
	Config    *config.Config
	MySQL     *gorm.DB
	Redis     *redisv9.Client
	MQConn    *amqp.Connection
	FileStore *storage.Local
	StartedAt time.Time

	cacheWorker *worker.CacheRefreshWorker
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	db, err := mysql.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, fmt.Errorf("connect mysql failed: %w", err)
	}
	if err := db.AutoMigrate(
		&model.User{},
		&model.Conversation{},
		&model.Message{},
		&model.Document{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate failed: %w", err)
	}

	redisClient, err := redis.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("connect redis failed: %w", err)
	}

	mqConn, err := rabbitmq.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq failed: %w", err)
	}

	fileStore, err := storage.NewLocal(cfg.Storage.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("init file storage failed: %w", err)
	}

	cacheWorker := worker.NewCacheRefreshWorker(
		mqConn,
		repository.NewConversationRepository(db),
		repository.NewMessageRepository(db),
		cfg.RabbitMQ.CacheRefreshQueue,
	)
	if err := cacheWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start cache refresh worker failed: %w", err)
	}

	return &App{
		Config:      cfg,
		MySQL:       db,
		Redis:       redisClient,
		MQConn:      mqConn,
		FileStore:   fileStore,
		StartedAt:   time.Now(),
		cacheWorker: cacheWorker,
	}, nil
}

// Close releases infrastructure handles in reverse dependency order.
func (a *App) Close() {
	if a.cacheWorker != nil {
		a.cacheWorker.Close()
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		if err := a.MQConn.Close(); err != nil {
			log.Printf("close rabbitmq connection failed: %v", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.Printf("close redis client failed: %v", err)
		}
	}
	if a.MySQL != nil {
		if sqlDB, err := a.MySQL.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				log.Printf("close mysql connection failed: %v", err)
			}
		}
	}
}

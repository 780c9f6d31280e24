package main

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/avatar-chat/backend/internal/config"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/ai"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/entitlement"
	"github.com/zhouzirui/avatar-chat/backend/internal/store"
	"github.com/zhouzirui/avatar-chat/backend/internal/store/memory"
	"github.com/zhouzirui/avatar-chat/backend/internal/store/postgres"
	"github.com/zhouzirui/avatar-chat/backend/internal/store/rabbitmq"
	redisstore "github.com/zhouzirui/avatar-chat/backend/internal/store/redis"
)

func loadAvatars(cfg config.AvatarConfig) (*avatar.MemoryStore, error) {
	if cfg.File == "" {
		log.Println("AVATARS_FILE 未配置，使用内置 avatar 数据")
		return avatar.NewMemoryStore(avatar.Seed()), nil
	}
	avatars, err := avatar.LoadFile(cfg.File)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded %d avatars from %s", len(avatars.List()), cfg.File)
	return avatars, nil
}

// buildDependencies connects the configured backends. cleanup releases them
// in reverse order and is safe to call after a partial failure.
func buildDependencies(ctx context.Context, cfg *config.Config) (chat.Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (chat.Dependencies, func(), error) {
		cleanup()
		return chat.Dependencies{}, func() {}, err
	}

	var rdb *redis.Client
	redisClient := func() (*redis.Client, error) {
		if rdb != nil {
			return rdb, nil
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Store.RedisAddr, err)
		}
		closers = append(closers, func() { _ = client.Close() })
		rdb = client
		return rdb, nil
	}

	var stores store.Stores
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		tables := postgres.NewTableNames(cfg.Store.TablePrefix)
		stores = postgres.New(pool, tables).Stores()
		closers = append(closers, stores.Close)
		if cfg.Store.AutoMigrate {
			if err := postgres.Migrate(ctx, pool, tables); err != nil {
				return fail(err)
			}
		}
	case config.DriverRedis:
		client, err := redisClient()
		if err != nil {
			return fail(err)
		}
		stores = redisstore.New(client, cfg.Store.RedisPrefix).Stores()
	default:
		stores = memory.New().Stores()
	}
	log.Printf("chat store driver: %s", cfg.Store.Driver)

	deps := chat.Dependencies{
		Chats:    stores.Chats,
		Messages: stores.Messages,
		Reports:  stores.Reports,
	}

	if cfg.Store.ReportSink == config.ReportSinkRabbitMQ {
		publisher, err := rabbitmq.NewReportPublisher(cfg.Store.RabbitURL, cfg.Store.ReportQueue)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = publisher.Close() })
		deps.Reports = publisher
		log.Printf("moderation reports published to queue %s", cfg.Store.ReportQueue)
	}

	switch cfg.Entitlement.Driver {
	case config.EntitlementRedis:
		client, err := redisClient()
		if err != nil {
			return fail(err)
		}
		gate := entitlement.NewRedisGate(client, cfg.Entitlement.RedisKey)
		for _, userID := range cfg.Entitlement.PremiumUserIDs {
			if err := gate.Grant(ctx, userID); err != nil {
				return fail(fmt.Errorf("grant %s: %w", userID, err))
			}
		}
		deps.Gate = gate
	default:
		deps.Gate = entitlement.NewStaticGate(cfg.Entitlement.PremiumUserIDs...)
	}

	if cfg.AI.Enabled() {
		svc, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
			deps.Generator = ai.Unavailable{}
		} else {
			log.Println("AI service initialized successfully")
			deps.Generator = svc
		}
	} else {
		log.Println("Ark 凭证未配置，跳过 AI 功能初始化")
		deps.Generator = ai.Unavailable{}
	}

	return deps, cleanup, nil
}

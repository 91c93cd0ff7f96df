package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	appsvc "inkpad/internal/app"
	"inkpad/internal/config"
	"inkpad/internal/embedcache"
	"inkpad/internal/embedder"
	"inkpad/internal/model"
	mysqlClient "inkpad/internal/platform/mysql"
	rabbitmqClient "inkpad/internal/platform/rabbitmq"
	redisClient "inkpad/internal/platform/redis"
	"inkpad/internal/repository"
	"inkpad/internal/runtime/channel"
	"inkpad/internal/runtime/pipeline"
	"inkpad/internal/worker"
)

type App struct {
	Config *config.Config
	MySQL  *gorm.DB
	Redis  *redis.Client
	MQConn *amqp.Connection

	Channel  *channel.Channel
	Embedder *embedder.Service

	AuthService   *appsvc.AuthService
	PostService   *appsvc.PostService
	SearchService *appsvc.SearchService
	IndexService  *appsvc.IndexService

	NotificationRepo *repository.NotificationRepository

	EmbedWorker        *worker.EmbedWorker
	NotificationWorker *worker.NotificationWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(
		&model.User{},
		&model.Post{},
		&model.Tag{},
		&model.PostChunk{},
		&model.Notification{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	ch, embedSvc, err := buildEmbedding(cfg, redisCli)
	if err != nil {
		return nil, err
	}

	userRepo := repository.NewUserRepository(mysqlDB)
	postRepo := repository.NewPostRepository(mysqlDB)
	tagRepo := repository.NewTagRepository(mysqlDB)
	chunkRepo := repository.NewPostChunkRepository(mysqlDB)
	notificationRepo := repository.NewNotificationRepository(mysqlDB)

	authService := appsvc.NewAuthService(
		userRepo,
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
	)
	publisher := rabbitmqClient.NewEventPublisher(mqConn, cfg.RabbitMQ.EmbedQueue, cfg.RabbitMQ.EventQueue)
	postService := appsvc.NewPostService(postRepo, tagRepo, publisher)
	indexService := appsvc.NewIndexService(postRepo, chunkRepo, embedSvc, appsvc.IndexConfig{
		ModelID:      cfg.Embedding.ModelID,
		Device:       cfg.Embedding.Device,
		ChunkSize:    cfg.Embedding.ChunkSize,
		ChunkOverlap: cfg.Embedding.ChunkOverlap,
	})
	searchService := appsvc.NewSearchService(chunkRepo, embedSvc, appsvc.SearchConfig{
		ModelID:      cfg.Embedding.ModelID,
		Device:       cfg.Embedding.Device,
		Dim:          cfg.Embedding.Dim,
		DefaultLimit: cfg.Search.DefaultLimit,
	})

	embedWorker := worker.NewEmbedWorker(mqConn, indexService, cfg.RabbitMQ.EmbedQueue)
	if err := embedWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start embed worker failed: %w", err)
	}
	notificationWorker := worker.NewNotificationWorker(mqConn, notificationRepo, cfg.RabbitMQ.EventQueue)
	if err := notificationWorker.Start(ctx); err != nil {
		embedWorker.Close()
		return nil, fmt.Errorf("start notification worker failed: %w", err)
	}

	if cfg.Embedding.WarmupOnStart {
		go func() {
			if err := embedSvc.Warmup(context.Background(), nil); err != nil {
				log.Printf("model warmup failed: %v", err)
			}
		}()
	}

	return &App{
		Config:             cfg,
		MySQL:              mysqlDB,
		Redis:              redisCli,
		MQConn:             mqConn,
		Channel:            ch,
		Embedder:           embedSvc,
		AuthService:        authService,
		PostService:        postService,
		SearchService:      searchService,
		IndexService:       indexService,
		NotificationRepo:   notificationRepo,
		EmbedWorker:        embedWorker,
		NotificationWorker: notificationWorker,
		StartedAt:          time.Now(),
	}, nil
}

// buildEmbedding assembles the inference stack: runtime factory, pipeline
// manager, worker endpoint, execution channel and the caching facade.
func buildEmbedding(cfg *config.Config, redisCli *redis.Client) (*channel.Channel, *embedder.Service, error) {
	emb := cfg.Embedding

	var endpoint channel.Endpoint
	if emb.RunnerBaseURL != "" {
		// Inference lives in a separate runner process.
		endpoint = channel.NewRemoteEndpoint(emb.RunnerBaseURL)
	} else {
		fetcher := pipeline.NewFetcher(emb.ArtifactDir, emb.ArtifactBaseURL)
		newRuntime := func(mc pipeline.ModelConfig) pipeline.Runtime {
			if mc.Device == "remote" {
				return pipeline.NewHTTPRuntime(emb.RemoteBaseURL, emb.RemoteAPIKey, emb.Dim)
			}
			return pipeline.NewONNXRuntime(fetcher, emb.ONNXSharedLibPath, emb.Dim)
		}
		manager := pipeline.NewManager(newRuntime, func(requested string) string {
			return pipeline.DetectDevice(emb.ONNXSharedLibPath, requested)
		})

		defaultModel := pipeline.ModelConfig{ModelID: emb.ModelID, Device: emb.Device}
		// The in-process worker carries no cache of its own; clearing happens
		// on the caller side against Redis.
		service := pipeline.NewService(manager, defaultModel, nil)
		endpoint = channel.NewWorker(service)
	}

	ch, err := channel.New(endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("open execution channel failed: %w", err)
	}

	embedSvc := embedder.NewService(embedcache.New(redisCli), ch, embedder.Config{
		ModelID:     emb.ModelID,
		Device:      emb.Device,
		CallTimeout: time.Duration(emb.CallTimeoutSecond) * time.Second,
	})
	return ch, embedSvc, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.EmbedWorker != nil {
		a.EmbedWorker.Close()
	}
	if a.NotificationWorker != nil {
		a.NotificationWorker.Close()
	}
	if a.Channel != nil {
		if err := a.Channel.Dispose(); err != nil {
			closeErr = err
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}

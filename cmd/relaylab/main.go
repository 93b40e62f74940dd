package main

import (
	"context"
	"database/sql"

	config "github.com/davicafu/relaylab/internal/config"
	"github.com/davicafu/relaylab/internal/outbox/application"
	outboxDomain "github.com/davicafu/relaylab/internal/outbox/domain"
	inboundEvents "github.com/davicafu/relaylab/internal/outbox/infra/inbound/events"
	outboxHttp "github.com/davicafu/relaylab/internal/outbox/infra/inbound/http"
	chArchive "github.com/davicafu/relaylab/internal/outbox/infra/outbound/analytics/clickhouse"
	outboxCache "github.com/davicafu/relaylab/internal/outbox/infra/outbound/cache"
	mongoStore "github.com/davicafu/relaylab/internal/outbox/infra/outbound/db/mongodb"
	postgresStore "github.com/davicafu/relaylab/internal/outbox/infra/outbound/db/postgre"
	sqliteStore "github.com/davicafu/relaylab/internal/outbox/infra/outbound/db/sqlite"
	outboxEvents "github.com/davicafu/relaylab/internal/outbox/infra/outbound/events"

	"github.com/davicafu/relaylab/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ---------------- Main ----------------
func main() {
	logger.Init()          // inicializa zap
	log := logger.Logger() // obtiene logger estructurado
	defer log.Sync()       // flush buffers al salir

	ctx := context.Background()
	cfg := config.LoadConfig()

	// ---------------- Store ----------------
	var store outboxDomain.EventStore

	switch {
	case cfg.LocalDeployment:
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			log.Fatal("failed to open SQLite", zap.Error(err))
		}
		defer db.Close()

		if err := sqliteStore.InitSQLite(db); err != nil {
			log.Fatal("failed to initialize SQLite", zap.Error(err))
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatal("failed to ping SQLite", zap.Error(err))
		}
		store = sqliteStore.NewEventStoreSQLite(db)
		log.Info("💾 Outbox sobre SQLite", zap.String("path", cfg.SQLitePath))

	case cfg.MongoURI != "":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatal("failed to connect to MongoDB", zap.Error(err))
		}
		defer client.Disconnect(ctx)

		store = mongoStore.NewEventStoreMongoDB(client, cfg.MongoDatabase)
		log.Info("💾 Outbox sobre MongoDB", zap.String("database", cfg.MongoDatabase))

	default:
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Fatal("failed to open Postgres", zap.Error(err))
		}
		defer db.Close()

		if err := postgresStore.InitPostgres(db); err != nil {
			log.Fatal("failed to initialize Postgres", zap.Error(err))
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatal("failed to ping Postgres", zap.Error(err))
		}
		store = postgresStore.NewEventStorePostgres(db)
		log.Info("💾 Outbox sobre Postgres")
	}

	// ---------------- Cache ----------------
	var cacheInstance outboxDomain.Cache
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("⚠️ Redis no disponible, cache en memoria:", zap.Error(err))
		cacheInstance = outboxCache.NewInMemoryCache(cfg.CacheTTL, 3*cfg.CacheTTL)
	} else {
		cacheInstance = outboxCache.NewRedisEventCache(rdb, cfg.CacheTTL)
		log.Info("✅ Redis conectado, cache habilitado")
	}

	// ---------------- Broker ----------------
	// El writer es genérico: el topic se fija por mensaje según la
	// aplicación destino.
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  cfg.KafkaBrokers,
		Balancer: &kafka.Hash{},
	})
	defer writer.Close()

	publisher := outboxEvents.NewKafkaEventPublisher(writer, cfg.KafkaTopicPrefix, log)

	// ---------------- Archivo analítico ----------------
	var archiver outboxDomain.EventArchiver
	if cfg.ClickHouseAddr != "" {
		archive, err := chArchive.NewEventArchive(cfg.ClickHouseAddr, cfg.ClickHouseDatabase)
		if err != nil {
			log.Warn("⚠️ ClickHouse no disponible, archivado deshabilitado", zap.Error(err))
		} else {
			archiver = archive
			log.Info("✅ ClickHouse conectado, archivado habilitado")
		}
	}

	// --------------- Servicios --------------
	tracking := application.NewTrackingService(store, cacheInstance, log, cfg.UnackQueryLimit)
	health := application.NewHealthReporter(store, cfg.MaxRetries, log)
	replay := application.NewReplayWorker(store, publisher, cfg.ReplayPeriod, cfg.ReplayBatchSize, cfg.MaxRetries, cfg.PublishTimeout, log)
	sweeper := application.NewRetentionSweeper(store, archiver, cfg.SweepPeriod, cfg.RetentionDays, cfg.RetainFailedDays, log)

	// ------------ Workers ------------
	// Se podrían ejecutar externamente vía /admin si se prefiere un
	// scheduler externo.
	replay.Start(ctx)
	sweeper.Start(ctx)

	// ---------------- Señales de entrega ----------------
	// Las apps consumidoras confirman (o rechazan) entregas por Kafka; el
	// mismo canal que usarían para acks fuera de banda del HTTP.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaAckTopic,
		GroupID: "relaylab-ack-consumer",
	})
	defer reader.Close()

	ackConsumer := inboundEvents.NewAckConsumer(tracking, log)
	inboundEvents.NewConsumerAdapter(reader, ackConsumer, log).Start(ctx)

	// ---------------- HTTP ----------------
	handler := outboxHttp.NewOutboxHandler(tracking, replay, health, sweeper)
	router := gin.Default()
	outboxHttp.RegisterOutboxRoutes(router, handler)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	log.Info("🚀 Server running",
		zap.String("url", "http://localhost:"+cfg.HTTPPort),
	)
	if err := router.Run(":" + cfg.HTTPPort); err != nil {
		log.Fatal("failed to start server", zap.Error(err))
	}
}

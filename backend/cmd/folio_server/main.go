package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"folioServer/backend/config"
	"folioServer/backend/internal/cache"
	"folioServer/backend/internal/collab"
	"folioServer/backend/internal/event"
	"folioServer/backend/internal/htmlfilter"
	"folioServer/backend/internal/httpapi"
	"folioServer/backend/internal/httpapi/handlers"
	"folioServer/backend/internal/lease"
	"folioServer/backend/internal/logging"
	"folioServer/backend/internal/store"
	"folioServer/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === MySQL 历史归档（可选） ===
	var (
		archive store.SnapshotArchive
		history handlers.HistoryStore
	)
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		snapshots := store.NewSnapshotStore(db)
		if err := snapshots.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate snapshots: %w", err)
		}
		archive, history = snapshots, snapshots
		logger.Info().Msg("snapshot archive enabled")
	}

	catalog, err := store.NewCatalog(cfg.Storage.Root, store.CatalogOptions{
		Archive: archive,
		Logger:  logger.With().Str("component", "catalog").Logger(),
	})
	if err != nil {
		return err
	}

	// === Redis 查看者名册（可选） ===
	var roster cache.ViewerRoster
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		roster = cache.NewRedisRoster(rdb)
	}
	hub := ws.NewHub(roster)
	sinks := event.Fanout{hub}

	// === Kafka 事件外发（可选） ===
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(4),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
				Logger:      logger.With().Str("component", "kafka").Logger(),
			},
		)
		// 先于 producer.Close 执行，把队列里剩下的事件发完
		defer func() {
			dispatcher.Close()
			st := dispatcher.Stats()
			logger.Info().Uint64("sent", st.Sent).Uint64("dropped", st.Dropped).Msg("kafka dispatcher drained")
		}()
		sinks = append(sinks, dispatcher)
	}

	writers := lease.NewWriterLeases(lease.Options{TTL: cfg.Lease.WriterTTL, Sink: sinks})
	locks := lease.NewPresenceLocks(lease.Options{TTL: cfg.Lease.LockTTL, Sink: sinks})
	svc := collab.NewService(collab.ServiceDeps{
		Store:       catalog,
		Writers:     writers,
		Locks:       locks,
		Revisions:   collab.NewRevisions(sinks),
		HTML:        htmlfilter.New(),
		ImportSlots: cfg.Import.Slots,
		Logger:      logger.With().Str("component", "collab").Logger(),
	})
	go lease.RunSweeper(ctx, cfg.Lease.SweepInterval, writers, locks)

	gin.SetMode(gin.ReleaseMode)
	manager := ws.NewManager(hub, svc, logger.With().Str("component", "ws").Logger(), cfg.Running.AllowedOrigins)
	router := httpapi.NewRouter(httpapi.RouterDeps{
		Service: svc,
		History: history,
		Roster:  roster,
		Manager: manager,
		Secret:  []byte(cfg.Auth.Secret),
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Running.Port).Str("root", cfg.Storage.Root).Msg("folio server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

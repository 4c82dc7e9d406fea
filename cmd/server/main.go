// gophermeta
//
// Entry point: wires all components together and manages graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"google.golang.org/grpc"

	"github.com/mtiwari1/gophermeta/internal/config"
	"github.com/mtiwari1/gophermeta/internal/coordinator"
	"github.com/mtiwari1/gophermeta/internal/extractor"
	"github.com/mtiwari1/gophermeta/internal/grpcserver"
	"github.com/mtiwari1/gophermeta/internal/repository"
	"github.com/mtiwari1/gophermeta/internal/restapi"
	"github.com/mtiwari1/gophermeta/internal/store"
	"github.com/mtiwari1/gophermeta/internal/watch"
	"github.com/mtiwari1/gophermeta/internal/worker"
	pb "github.com/mtiwari1/gophermeta/proto"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()

	// ── Structured logger ──
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting gophermeta", slog.String("durable_backend", cfg.DurableBackend))

	if err := run(cfg, logger); err != nil {
		logger.Error("gophermeta stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("gophermeta shutdown complete")
}

// run starts every component and blocks until SIGINT or SIGTERM. Each
// component defers its own shutdown as soon as it is up, so an early error
// return unwinds whatever already started, newest first.
func run(cfg *config.Config, logger *slog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	return serve(cfg, logger, sigCh)
}

func serve(cfg *config.Config, logger *slog.Logger, stop <-chan os.Signal) error {
	ctx := context.Background()

	// ── Durable tier ──
	durable, err := openDurable(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer durable.close()

	// ── Store ──
	st, err := store.New(ctx, durable.repo, store.Options{
		FastCapacity:    cfg.FastCapacity,
		DurableCapacity: cfg.DurableCapacity,
	}, logger)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	// Flushes queued durable writes.
	defer st.Close()

	// ── Extractor ──
	router := extractor.NewRouter()
	if cfg.S3Region != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		router.Handle("s3", extractor.NewS3Opener(s3.NewFromConfig(awsCfg), cfg.S3HeadBytes))
		logger.Info("s3 locators enabled", slog.String("region", cfg.S3Region))
	}
	ex := extractor.New(router, logger)

	// ── Worker pool and coordinator ──
	pool := worker.NewPool(cfg.MaxExtractions, logger)
	defer func() {
		pool.Shutdown()
		logger.Info("worker pool drained")
	}()
	coord := coordinator.New(st, ex, pool, logger)
	defer coord.Close()
	logger.Info("worker pool started", slog.Int("max_extractions", cfg.MaxExtractions))

	// ── File watcher ──
	var tracker grpcserver.Tracker
	if cfg.WatchFiles {
		watcher, err := watch.New(coord, watch.DefaultDebounce, logger)
		if err != nil {
			logger.Warn("file watching disabled", slog.String("error", err.Error()))
		} else {
			watcher.Start()
			defer watcher.Close()
			tracker = watcher
		}
	}

	// ── Periodic stats ──
	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(cfg.StatsSchedule, func() { logStats(coord, logger) }); err != nil {
		logger.Warn("stats schedule rejected",
			slog.String("schedule", cfg.StatsSchedule),
			slog.String("error", err.Error()),
		)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// ── gRPC server ──
	grpcSrv := grpc.NewServer(grpc.ForceServerCodec(pb.Codec()))
	grpcImpl := grpcserver.NewServer(coord, tracker, logger)
	pb.RegisterMetadataServiceServer(grpcSrv, grpcImpl)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}

	go func() {
		logger.Info("gRPC server listening", slog.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("gRPC serve", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		grpcSrv.GracefulStop()
		logger.Info("gRPC server stopped")
	}()

	// ── REST API ──
	handler := restapi.NewHandler(grpcImpl, coord, durable.checks, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP serve", slog.String("error", err.Error()))
		}
	}()

	// ── Graceful shutdown ──
	sig := <-stop
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutCancel()

	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown", slog.String("error", err.Error()))
	}
	logger.Info("HTTP server stopped")
	logStats(coord, logger)
	return nil
}

func logStats(coord *coordinator.Coordinator, logger *slog.Logger) {
	st := coord.Stats()
	logger.Info("cache stats",
		slog.Uint64("hits", st.Hits),
		slog.Uint64("misses", st.Misses),
		slog.Float64("hit_rate", st.HitRate()),
		slog.Int("size", st.Size),
		slog.Int("max_size", st.MaxSize),
		slog.Int64("durable_entries", st.DurableEntries),
		slog.Int("active_jobs", coord.ActiveJobs()),
	)
}

// durableTier is the opened backend plus what it takes to check and close it.
type durableTier struct {
	repo   repository.Repository
	checks map[string]restapi.HealthCheck
	close  func()
}

func openDurable(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*durableTier, error) {
	switch cfg.DurableBackend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		db, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return sqlTier(ctx, db, repository.SQLite, logger)

	case config.BackendMySQL:
		db, err := repository.OpenMySQL(ctx, cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		return sqlTier(ctx, db, repository.MySQL, logger)

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("redis connected", slog.String("addr", cfg.RedisAddr))
		return &durableTier{
			repo: repository.NewRedisRepo(client, cfg.RedisPrefix),
			checks: map[string]restapi.HealthCheck{
				"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
			},
			close: func() { client.Close() },
		}, nil

	case config.BackendMemory:
		logger.Warn("in-memory durable tier, cache will not survive restarts")
		repo := repository.NewMemoryRepo()
		return &durableTier{repo: repo, close: func() { repo.Close() }}, nil

	default:
		logger.Warn("durable tier disabled, cache will not survive restarts")
		return &durableTier{close: func() {}}, nil
	}
}

func sqlTier(ctx context.Context, db *sql.DB, dialect repository.Dialect, logger *slog.Logger) (*durableTier, error) {
	repo, err := repository.NewSQLRepo(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init repository: %w", err)
	}
	logger.Info("database connected", slog.String("dialect", dialect.Name))
	return &durableTier{
		repo:   repo,
		checks: map[string]restapi.HealthCheck{"database": db.PingContext},
		close: func() {
			repo.Close()
			db.Close()
		},
	}, nil
}

// Command bifrost-worker is the long-lived child process the pool
// manager spawns inside a containerd task. It speaks the work/result
// frame protocol over stdin/stdout and has no flags of its own beyond
// what config.Load reads from the environment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cuemby/bifrost/pkg/blobstore"
	"github.com/cuemby/bifrost/pkg/config"
	"github.com/cuemby/bifrost/pkg/entities"
	"github.com/cuemby/bifrost/pkg/exectx"
	"github.com/cuemby/bifrost/pkg/log"
	"github.com/cuemby/bifrost/pkg/modcache"
	"github.com/cuemby/bifrost/pkg/workerproc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bifrost-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.Logger.With().Str("component", "worker").Logger()

	db, err := sqlx.Connect("pgx", cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()

	blobs, err := blobstore.NewBoltStore(cfg.BlobRoot)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer blobs.Close()

	workerID := os.Getenv("BIFROST_WORKER_ID")
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", os.Getpid())
	}

	w := workerproc.NewWorker(
		workerID,
		workerproc.NewFrameReader(os.Stdin),
		workerproc.NewFrameWriter(os.Stdout),
		entities.NewStore(db),
		exectx.New(rdb),
		modcache.New(rdb),
		blobs,
		workerproc.NewPythonExecutor(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	logger.Info().Str("worker_id", workerID).Msg("worker process started")

	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker loop: %w", err)
	}

	logger.Info().Msg("worker process exiting")
	return nil
}

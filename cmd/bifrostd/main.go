// Command bifrostd is the operator-facing entry point: a thin CLI
// adapter over the write pipeline (C7), the reindexer (C12), and the
// process pool manager (C10). There is no network service behind it;
// every subcommand connects directly to Postgres, Redis, and the blob
// store and exits when its one operation is done, except `pool serve`
// which runs until signalled.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cuemby/bifrost/pkg/bferrors"
	"github.com/cuemby/bifrost/pkg/blobstore"
	"github.com/cuemby/bifrost/pkg/bus"
	"github.com/cuemby/bifrost/pkg/config"
	"github.com/cuemby/bifrost/pkg/deactivation"
	"github.com/cuemby/bifrost/pkg/entities"
	"github.com/cuemby/bifrost/pkg/exectx"
	"github.com/cuemby/bifrost/pkg/filewrite"
	"github.com/cuemby/bifrost/pkg/log"
	"github.com/cuemby/bifrost/pkg/metrics"
	"github.com/cuemby/bifrost/pkg/migrate"
	"github.com/cuemby/bifrost/pkg/modcache"
	"github.com/cuemby/bifrost/pkg/pool"
	"github.com/cuemby/bifrost/pkg/reindex"
	"github.com/cuemby/bifrost/pkg/runtime"
	"github.com/cuemby/bifrost/pkg/textindex"
	"github.com/cuemby/bifrost/pkg/types"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bifrostd: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor follows §6's 0/1/2 convention: 1 for a recoverable
// conflict the caller can retry with a decision or for invalid input
// (bferrors.ErrInvalid), 2 for everything else.
func exitCodeFor(err error) int {
	var pending *filewrite.PendingDeactivationError
	if errors.As(err, &pending) {
		return 1
	}
	if errors.Is(err, bferrors.ErrInvalid) {
		return 1
	}
	return 2
}

var rootCmd = &cobra.Command{
	Use:     "bifrostd",
	Short:   "Bifrost workflow platform core",
	Version: Version,
}

var cfg *config.Config

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLoggingAndConfig)

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(poolCmd)
}

func initLoggingAndConfig() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	loaded, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bifrostd: %v\n", err)
		os.Exit(2)
	}
	cfg = loaded

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func connectDB() (*sqlx.DB, error) {
	return sqlx.Connect("pgx", cfg.DatabaseDSN)
}

func connectRedis() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply pending Postgres schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := sql.Open("pgx", cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer raw.Close()
		return migrate.Up(raw)
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <path> <file>",
	Short: "write an artifact through the file write pipeline (C7)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, filePath := args[0], args[1]
		updatedBy, _ := cmd.Flags().GetString("updated-by")
		force, _ := cmd.Flags().GetBool("force-deactivation")

		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("read %s: %w", filePath, err)
		}

		db, err := connectDB()
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()

		blobs, err := blobstore.NewBoltStore(cfg.BlobRoot)
		if err != nil {
			return fmt.Errorf("open blob store: %w", err)
		}
		defer blobs.Close()

		rdb := connectRedis()
		defer rdb.Close()

		entityStore := entities.NewStore(db)
		formStore := entities.NewFormStore(db)
		agentStore := entities.NewAgentStore(db)
		indexer := entities.NewIndexer(entityStore, formStore, agentStore)
		guard := deactivation.NewGuard(entityStore, formStore, agentStore)
		pipeline := filewrite.New(blobs, textindex.NewPostgresIndex(db), modcache.New(rdb), indexer, guard, knownSDKSymbols)

		ctx := cmd.Context()
		result, err := pipeline.Write(ctx, filewrite.Request{
			Path:              path,
			Content:           content,
			UpdatedBy:         updatedBy,
			ForceDeactivation: force,
		})
		if err != nil {
			return err
		}

		for _, d := range result.Diagnostics {
			log.Logger.Warn().Str("path", d.Path).Str("kind", string(d.Kind)).Msg(d.Message)
		}
		fmt.Printf("wrote %s: %d entities upserted, %d diagnostics\n", path, len(result.Entities), len(result.Diagnostics))
		return nil
	},
}

func init() {
	writeCmd.Flags().String("updated-by", "cli", "identity recorded as the writer")
	writeCmd.Flags().Bool("force-deactivation", false, "proceed even if the write deactivates active entities")
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "run a full reconciliation sweep (C12)",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := connectDB()
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()

		blobs, err := blobstore.NewBoltStore(cfg.BlobRoot)
		if err != nil {
			return fmt.Errorf("open blob store: %w", err)
		}
		defer blobs.Close()

		entityStore := entities.NewStore(db)
		formStore := entities.NewFormStore(db)
		agentStore := entities.NewAgentStore(db)
		indexer := entities.NewIndexer(entityStore, formStore, agentStore)
		r := reindex.New(blobs, textindex.NewPostgresIndex(db), entityStore, formStore, agentStore, indexer)

		report, err := r.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("reindex sweep: %w", err)
		}

		fmt.Printf("files_indexed=%d files_removed=%d workflows_deactivated=%d ids_corrected=%d errors=%d\n",
			report.FilesIndexed, report.FilesRemoved, report.WorkflowsDeactivated, report.IDsCorrected, len(report.Errors))
		for _, e := range report.Errors {
			fmt.Printf("  error: %s %s -> %s: %s\n", e.Path, e.Field, e.ReferencedID, e.Message)
		}
		if len(report.Errors) > 0 {
			return fmt.Errorf("%w: %d dangling references found", bferrors.ErrInvalid, len(report.Errors))
		}
		return nil
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "process pool manager operations (C10)",
}

var poolServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the worker process pool manager until signalled",
	RunE: func(cmd *cobra.Command, args []string) error {
		poolID, _ := cmd.Flags().GetString("pool-id")
		image, _ := cmd.Flags().GetString("worker-image")
		socket, _ := cmd.Flags().GetString("containerd-socket")

		hostname, err := os.Hostname()
		if err != nil {
			hostname = "bifrostd"
		}

		db, err := connectDB()
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		metrics.RegisterComponent("database", true, "connected")

		rdb := connectRedis()
		defer rdb.Close()
		if err := rdb.Ping(cmd.Context()).Err(); err != nil {
			metrics.RegisterComponent("redis", false, err.Error())
		} else {
			metrics.RegisterComponent("redis", true, "connected")
		}

		spawner, err := runtime.NewContainerdRuntime(socket)
		if err != nil {
			return fmt.Errorf("connect to containerd: %w", err)
		}
		defer spawner.Close()
		metrics.RegisterComponent("containerd", true, "connected")

		redisBus := bus.NewRedisBus(rdb)
		defer redisBus.Close()

		pcfg := pool.DefaultConfig()
		pcfg.Image = image
		pcfg.MinWorkers = cfg.Pool.MinWorkers
		pcfg.MaxWorkers = cfg.Pool.MaxWorkers
		pcfg.GracefulShutdownSeconds = cfg.Timeouts.GracefulShutdownSeconds
		pcfg.RouteWaitSeconds = cfg.Timeouts.RouteWaitSeconds

		p := pool.New(poolID, hostname, pcfg, spawner, redisBus, exectx.New(rdb), pool.NewPostgresBounds(db),
			func(resultCtx context.Context, result *types.ExecutionResult) {
				publishExecutionResult(resultCtx, redisBus, result)
			})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start pool: %w", err)
		}

		metrics.SetVersion(Version)
		go serveMetrics(cfg.MetricsAddr)
		go healthMonitorLoop(ctx, db, rdb, spawner)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh
		log.Logger.Info().Msg("shutdown signal received")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Duration(pcfg.GracefulShutdownSeconds)*time.Second)
		defer stopCancel()
		return p.Stop(stopCtx)
	},
}

func init() {
	poolServeCmd.Flags().String("pool-id", "default", "identifier this pool registers under")
	poolServeCmd.Flags().String("worker-image", "bifrost/worker:latest", "container image for worker processes")
	poolServeCmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path")
	poolCmd.AddCommand(poolServeCmd)
}

// publishExecutionResult is the pool's result callback for `pool serve`:
// it logs the terminal outcome and broadcasts it on execution:results so
// any listener (a dispatcher awaiting this execution_id) can pick it up.
// There is no HTTP/SDK surface to return it through directly.
func publishExecutionResult(ctx context.Context, b bus.Bus, result *types.ExecutionResult) {
	logEvent := log.Logger.Info()
	if !result.Success {
		logEvent = log.Logger.Warn()
	}
	logEvent.
		Str("execution_id", result.ExecutionID).
		Bool("success", result.Success).
		Str("error_kind", string(result.ErrorKind)).
		Int64("duration_ms", result.DurationMS).
		Msg("execution result")

	data, err := json.Marshal(result)
	if err != nil {
		log.Logger.Error().Err(err).Str("execution_id", result.ExecutionID).Msg("failed to marshal execution result")
		return
	}
	if err := b.Publish(ctx, bus.ChannelExecutionResults, data); err != nil {
		log.Logger.Warn().Err(err).Str("execution_id", result.ExecutionID).Msg("failed to publish execution result")
	}
}

// healthMonitorLoop keeps the database/redis/containerd components that
// /health and /ready report on current: it re-probes each at ~0.1Hz and
// records the result, so readiness reflects the subsystem's actual state
// instead of whatever it was at startup.
func healthMonitorLoop(ctx context.Context, db *sqlx.DB, rdb *redis.Client, spawner *runtime.ContainerdRuntime) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := db.PingContext(ctx); err != nil {
				metrics.UpdateComponent("database", false, err.Error())
			} else {
				metrics.UpdateComponent("database", true, "connected")
			}

			if err := rdb.Ping(ctx).Err(); err != nil {
				metrics.UpdateComponent("redis", false, err.Error())
			} else {
				metrics.UpdateComponent("redis", true, "connected")
			}

			if _, err := spawner.ListContainers(ctx); err != nil {
				metrics.UpdateComponent("containerd", false, err.Error())
			} else {
				metrics.UpdateComponent("containerd", true, "connected")
			}
		case <-ctx.Done():
			return
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Logger.Error().Err(err).Msg("metrics server exited")
	}
}

// knownSDKSymbols are the names ScanUnexposedSymbols treats as part of
// the platform's public SDK surface rather than an internal reference
// a workflow script shouldn't be calling.
var knownSDKSymbols = []string{
	"workflow", "tool", "data_provider", "context", "parameters",
}

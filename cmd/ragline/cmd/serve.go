package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/fetch"
	"github.com/ragline/ragline/internal/llm"
	"github.com/ragline/ragline/internal/logging"
	"github.com/ragline/ragline/internal/pipeline"
	"github.com/ragline/ragline/internal/profiling"
	"github.com/ragline/ragline/internal/progress"
	"github.com/ragline/ragline/internal/queue"
	"github.com/ragline/ragline/internal/retrieve"
	"github.com/ragline/ragline/internal/server"
	"github.com/ragline/ragline/internal/session"
	"github.com/ragline/ragline/internal/store"
	"github.com/ragline/ragline/internal/worker"
)

// newServeCmd creates the serve command: migrations, recovery sweep,
// worker pool, progress bus, and the HTTP server.
func newServeCmd() *cobra.Command {
	var configPath string
	var cpuProfile string
	var heapProfile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion pipeline and HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cpuProfile != "" {
				stop, err := profiling.StartCPU(cpuProfile)
				if err != nil {
					return err
				}
				defer stop()
			}
			if heapProfile != "" {
				defer func() {
					if err := profiling.WriteHeap(heapProfile); err != nil {
						slog.Warn("heap profile failed", slog.String("error", err.Error()))
					}
				}()
			}
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVar(&cpuProfile, "cpu-profile", "", "Write a CPU profile to this file")
	cmd.Flags().StringVar(&heapProfile, "heap-profile", "", "Write a heap profile on shutdown to this file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		MaxSizeMB:     50,
		MaxFiles:      5,
		WriteToStderr: true,
	})
	if err != nil {
		return err
	}
	defer cleanup()
	slog.SetDefault(logger)

	relational, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer relational.Close()
	pool := relational.Pool()

	registry, err := session.NewRegistry(ctx, pool,
		cfg.Pipeline.HeartbeatTimeout, cfg.Pipeline.SessionTimeout, logger)
	if err != nil {
		return err
	}
	jobQueue, err := queue.New(ctx, pool, cfg.Pipeline.MaxAttempts, logger)
	if err != nil {
		return err
	}

	vector, lexical, err := buildSearchStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	fanout := store.NewFanout(relational, vector, lexical, logger)

	model := llm.New(llm.Config{
		APIKey:            cfg.OpenAI.APIKey,
		BaseURL:           cfg.OpenAI.BaseURL,
		ChatModel:         cfg.OpenAI.ChatModel,
		EmbeddingModel:    cfg.OpenAI.EmbeddingModel,
		Dimensions:        cfg.OpenAI.EmbeddingDimensions,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})

	bus := progress.NewBus()
	defer bus.Close()

	orchestrator := pipeline.New(
		fetch.New(cfg.Server.UploadDir, logger),
		model, fanout, registry, bus,
		pipeline.Defaults{
			ChunkSize:            cfg.Chunking.ChunkSize,
			Overlap:              cfg.Chunking.Overlap,
			EnableAdaptive:       cfg.Chunking.EnableAdaptive,
			EnableIntelligent:    cfg.Chunking.EnableIntelligent,
			ContextualEmbeddings: cfg.Pipeline.ContextualEmbeddings,
			Parallelism:          cfg.Pipeline.ChunkParallelism,
		}, logger)

	// Crash recovery: orphaned claims requeue, stuck sessions fail.
	if requeued, failed, err := jobQueue.SweepStale(ctx, cfg.Pipeline.HeartbeatTimeout); err != nil {
		logger.Warn("startup job sweep failed", slog.String("error", err.Error()))
	} else if requeued+failed > 0 {
		logger.Info("startup job sweep",
			slog.Int("requeued", requeued), slog.Int("failed", failed))
	}
	if swept, err := registry.SweepStuck(ctx); err != nil {
		logger.Warn("startup session sweep failed", slog.String("error", err.Error()))
	} else if swept > 0 {
		logger.Info("startup session sweep", slog.Int("failed", swept))
	}
	registry.StartSweeper(ctx, cfg.Pipeline.HeartbeatTimeout)
	go sweepLoop(ctx, jobQueue, cfg.Pipeline.HeartbeatTimeout, logger)

	workers := worker.New(jobQueue, orchestrator, worker.Options{
		Workers:           cfg.Pipeline.WorkerCount,
		HeartbeatInterval: cfg.Pipeline.HeartbeatInterval,
	}, logger)
	workers.Start(ctx)

	srv := server.New(cfg.Server, server.Deps{
		Jobs:       jobQueue,
		Sessions:   registry,
		Relational: relational,
		Deleter:    fanout,
		Search:     retrieve.New(model, vector, lexical, logger),
		Bus:        bus,
		PingDB:     pool.Ping,
		Lexical:    lexical,
		Log:        logger,
	})

	err = srv.Run(ctx)

	// SIGTERM: stop claiming, let in-flight jobs release, then exit.
	workers.Drain()
	workers.Wait()
	logger.Info("shutdown complete")
	return err
}

// buildSearchStores selects the external adapters when configured and the
// embedded fallbacks otherwise.
func buildSearchStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Vector, store.Lexical, error) {
	var vector store.Vector
	if cfg.Qdrant.URL != "" {
		qdrant := store.NewQdrantStore(store.QdrantConfig{
			BaseURL:    cfg.Qdrant.URL,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Qdrant.Collection,
			Dimensions: cfg.OpenAI.EmbeddingDimensions,
		})
		if err := qdrant.EnsureReady(ctx); err != nil {
			return nil, nil, err
		}
		vector = qdrant
	} else {
		logger.Warn("QDRANT_URL not set, using embedded in-memory vector index")
		vector = store.NewHNSWVector(cfg.OpenAI.EmbeddingDimensions)
	}

	var lexical store.Lexical
	if cfg.BM25.URL != "" {
		lexical = store.NewRemoteBM25(store.RemoteBM25Config{BaseURL: cfg.BM25.URL})
	} else {
		logger.Warn("BM25_URL not set, using embedded bleve index")
		bleve, err := store.NewBleveLexical("")
		if err != nil {
			return nil, nil, err
		}
		lexical = bleve
	}
	return vector, lexical, nil
}

// sweepLoop periodically requeues jobs whose workers stopped heartbeating.
func sweepLoop(ctx context.Context, q *queue.Queue, heartbeatTimeout time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(heartbeatTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requeued, failed, err := q.SweepStale(ctx, heartbeatTimeout)
			if err != nil {
				logger.Warn("job sweep failed", slog.String("error", err.Error()))
				continue
			}
			if requeued+failed > 0 {
				logger.Info("job sweep",
					slog.Int("requeued", requeued), slog.Int("failed", failed))
			}
		}
	}
}

// Command worker is the document intelligence pipeline's process
// entrypoint: it loads configuration, opens the task store, wires every
// stage handler to the worker runtime, starts N concurrent slots per queue,
// and serves the HTTP surface, all behind graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"docpipe/internal/archive"
	"docpipe/internal/collaborators"
	"docpipe/internal/config"
	"docpipe/internal/costestimator"
	"docpipe/internal/handlers"
	"docpipe/internal/httpapi"
	"docpipe/internal/logging"
	"docpipe/internal/metrics"
	"docpipe/internal/model"
	"docpipe/internal/netprobe"
	"docpipe/internal/queue"
	"docpipe/internal/ratelimit"
	"docpipe/internal/scheduler"
	"docpipe/internal/store"
	"docpipe/internal/submission"
	"docpipe/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("config error:", err.Error())
		os.Exit(1)
	}

	log, err := logging.New(cfg.DataDir, os.Stdout)
	if err != nil {
		fmt.Println("logger init error:", err.Error())
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open task store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	fabric := queue.NewFabric(queue.Options{})
	limiter := ratelimit.New()
	rec := metrics.NewRecorder(func() string { return cfg.DataDir })

	calibrator := netprobe.NewCalibrator(limiter, log, time.Duration(cfg.NetProbeIntervalMinutes)*time.Minute)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go calibrator.Run(ctx)

	// Sweep roughly 24x over a file's TTL window rather than once per TTL,
	// so expired files don't sit around for nearly a full TTL period after
	// crossing the threshold.
	sweeper := &scheduler.ExpiredSweeper{
		Store:     st,
		Fabric:    fabric,
		Logger:    log,
		Interval:  time.Duration(cfg.TempFileTTLHours) * time.Hour / 24,
		BatchSize: 100,
	}
	go sweeper.Run(ctx)

	deps := buildDeps(cfg, st, fabric, limiter, log)

	rt := worker.New(st, fabric, rec, log)
	rt.PerStageTimeout = time.Duration(cfg.PerStageTimeoutSeconds) * time.Second
	rt.RegisterHandler(model.TaskArchive, handlers.ArchiveHandler(deps))
	rt.RegisterHandler(model.TaskParse, handlers.ParseHandler(deps))
	rt.RegisterHandler(model.TaskVectorize, handlers.VectorizeHandler(deps))
	rt.RegisterHandler(model.TaskCleanup, handlers.CleanupHandler(deps))

	var wg sync.WaitGroup
	for _, queueName := range []string{queue.NameArchive, queue.NameParse, queue.NameVectorize, queue.NameCleanup} {
		for slot := 0; slot < cfg.WorkerConcurrency; slot++ {
			wg.Add(1)
			go func(qn string) {
				defer wg.Done()
				rt.RunSlot(ctx, qn)
			}(queueName)
		}
	}
	log.Info("worker slots started", "concurrency_per_queue", cfg.WorkerConcurrency)

	overrides, err := config.NewOverrides(st.DB())
	if err != nil {
		log.Error("failed to init config overrides", "error", err)
		os.Exit(1)
	}

	sub := submission.New(st, fabric)
	sub.DefaultMaxCostLimitUSD = overrides.MaxCostLimitDefault(cfg.MaxCostLimitDefault)

	audit := httpapi.NewAuditLogger(log, cfg.DataDir)
	defer audit.Close()

	srv := httpapi.NewServer(st, fabric, rec, audit, sub, httpapi.Options{
		AuthToken:             cfg.HTTPAuthToken,
		MaxConcurrentRequests: int64(cfg.WorkerConcurrency * 4),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.HTTPPort)
	httpSrv := &http.Server{Addr: addr, Handler: srv}

	go func() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("http surface failed to bind", "addr", addr, "error", err)
			return
		}
		log.Info("http surface listening", "addr", addr)
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("http surface stopped", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining worker slots")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http surface shutdown error", "error", err)
	}

	wg.Wait()
	log.Info("shutdown complete")
}

// buildDeps assembles the handler dependency set. The Preprocessor/
// Extractor/Embedder/VectorStore collaborators are wired to the in-memory
// fakes from internal/collaborators; swapping in real clients means
// satisfying those same interfaces, and nothing else in the pipeline
// changes.
func buildDeps(cfg *config.Config, st *store.Store, fabric *queue.Fabric, limiter *ratelimit.Manager, log *slog.Logger) *handlers.Deps {
	extractionRoot := cfg.DataDir + "/extractions"
	if err := os.MkdirAll(extractionRoot, 0o755); err != nil {
		log.Error("failed to create extraction root", "path", extractionRoot, "error", err)
	}

	limits := archive.DefaultLimits()
	limits.MaxFiles = cfg.MaxExtractionFiles

	return &handlers.Deps{
		Store:   st,
		Fabric:  fabric,
		Limiter: limiter,
		Logger:  log,

		HTTPClient: &http.Client{Timeout: time.Duration(cfg.PerStageTimeoutSeconds) * time.Second},
		Pricing:    costestimator.DefaultPricingTable,

		DefaultModel: cfg.LLMDefaultModel,
		MaxFileBytes: cfg.MaxFileSizeMB * 1024 * 1024,

		ExtractionRoot:  extractionRoot,
		ArchiveLimits:   limits,
		MaxArchiveBytes: cfg.MaxArchiveSizeMB * 1024 * 1024,
		TempFileTTL:     time.Duration(cfg.TempFileTTLHours) * time.Hour,

		Preprocessor: &collaborators.FakePreprocessor{},
		Extractor:    &collaborators.FakeExtractor{},
		Embedder:     &collaborators.FakeEmbedder{Dim: 1536},
		VectorStore:  &collaborators.FakeVectorStore{},

		DefaultEmbeddingDim: 1536,
	}
}

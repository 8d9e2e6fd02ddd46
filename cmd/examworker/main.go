// Command examworker runs the examcore processing core as a standalone
// process: it connects to the Task Repository and Event Store, recovers any
// tasks left dangling by a prior crash, and drains an in-process Task Queue
// of pending work through the Pipeline Runner.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/examcore/examcore/internal/artifact"
	"github.com/examcore/examcore/internal/config"
	"github.com/examcore/examcore/internal/crop"
	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/events"
	"github.com/examcore/examcore/internal/gateway"
	"github.com/examcore/examcore/internal/metrics"
	"github.com/examcore/examcore/internal/mid"
	"github.com/examcore/examcore/internal/ocrcache"
	"github.com/examcore/examcore/internal/pageproc"
	"github.com/examcore/examcore/internal/pdfrender"
	"github.com/examcore/examcore/internal/pipeline"
	"github.com/examcore/examcore/internal/recovery"
	"github.com/examcore/examcore/internal/steps"
	"github.com/examcore/examcore/internal/store"
	"github.com/examcore/examcore/internal/taskqueue"
)

// pollInterval governs how often the worker looks for newly-pending tasks
// to feed into the in-process Task Queue.
const pollInterval = 2 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load()

	if err := run(cfg, logger); err != nil {
		logger.Error("examworker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Connect Neo4j (Task Repository + Event Store) ---
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("connect neo4j: %w", err)
	}
	defer driver.Close(ctx)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("verify neo4j: %w", err)
	}

	taskRepo := store.New(driver)
	if err := taskRepo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure task repository schema: %w", err)
	}
	eventStore := events.NewStore(driver)
	if err := eventStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure event store schema: %w", err)
	}
	logger.Info("connected to neo4j", "url", cfg.Neo4jURL)

	// --- Connect the Live Bus, embedding an in-process nats-server when no
	// external broker is configured ---
	met := metrics.New()
	dropped := met.Counter("examcore_livebus_dropped_events_total", "Events dropped by subscriber backpressure")

	if cfg.NATSURL != "" {
		conn, err := events.Dial(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("dial nats: %w", err)
		}
		defer conn.Close()
		bus := events.NewLiveBus(conn, dropped)
		logger.Info("connected to external nats", "url", cfg.NATSURL)
		return runWorker(ctx, cfg, logger, met, taskRepo, eventStore, bus)
	}

	embedded, err := events.StartEmbedded()
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	defer embedded.Shutdown()
	bus := events.NewLiveBus(embedded.Conn(), dropped)
	logger.Info("started embedded nats broker")

	return runWorker(ctx, cfg, logger, met, taskRepo, eventStore, bus)
}

func runWorker(ctx context.Context, cfg config.Config, logger *slog.Logger, met *metrics.Registry, taskRepo *store.Store, eventStore *events.Store, bus *events.LiveBus) error {
	sink := events.NewSink(eventStore, bus, logger)

	// --- Artifact Store ---
	artifacts, err := artifact.New(cfg.ArtifactBaseDir)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	// --- Model Gateway + OCR Cache + Page Processor ---
	gw := gateway.Instance(cfg)
	if _, err := gw.Warmup(ctx, cfg.WarmupForce); err != nil {
		logger.Warn("model gateway warmup failed, will retry lazily on first use", "error", err)
	}
	cache := ocrcache.New(cfg)
	processor := pageproc.New(cfg, pageproc.GatewayLeaser{Gateway: gw}, cache, artifacts, sink)
	composer := crop.New()
	rasterizer := &pdfrender.Poppler{DPI: cfg.RasterDPI}

	executors := [domain.NumStages]steps.Executor{
		&steps.PDFToImagesStep{Rasterizer: rasterizer, DPI: cfg.RasterDPI},
		&steps.ExtractQuestionsStep{Processor: processor},
		&steps.AnalyzeDataStep{},
		&steps.ComposeLongImageStep{Composer: composer},
		&steps.CollectResultsStep{},
	}

	retryDelay := time.Duration(cfg.RetryDelaySecs * float64(time.Second))
	runner := pipeline.New(taskRepo, sink, executors, cfg.MaxRetries, retryDelay)

	recoverySvc := recovery.New(taskRepo, artifacts, func(t domain.Task) string {
		return recovery.Workdir(cfg.WorkdirBase, t)
	})
	recovered, err := recoverySvc.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	logger.Info("recovery complete", "tasks_reconciled", len(recovered))

	// --- Ops server (/healthz, /metrics) ---
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", met.Handler())
	opsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.OpsPort),
		Handler: mid.Chain(mux, mid.Recover(logger), mid.Logger(logger), mid.OTel("examworker")),
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("ops server listening", "port", cfg.OpsPort)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server failed", "error", err)
		}
	}()

	// --- In-process Task Queue feeding a bounded worker pool ---
	tq := taskqueue.New()
	workers := cfg.ExtractWorkers
	if workers <= 0 {
		workers = 4
	}

	var pollWG, workerWG sync.WaitGroup
	pollWG.Add(1)
	go func() {
		defer pollWG.Done()
		pollPendingTasks(ctx, logger, taskRepo, tq)
	}()

	for i := 0; i < workers; i++ {
		workerWG.Add(1)
		workerID := fmt.Sprintf("worker-%d", i)
		go func() {
			defer workerWG.Done()
			drainQueue(ctx, logger, workerID, tq, taskRepo, runner, cfg)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opsServer.Shutdown(shutdownCtx)
	wg.Wait()
	gw.Shutdown()
	pollWG.Wait()
	workerWG.Wait()
	return nil
}

// pollPendingTasks periodically lists pending tasks and enqueues any not
// already tracked by the Task Queue, so a crash-recovered or newly-created
// task eventually reaches a worker without an external enqueue call.
func pollPendingTasks(ctx context.Context, logger *slog.Logger, taskRepo *store.Store, tq *taskqueue.Queue) {
	seen := map[string]bool{}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending := domain.TaskPending
			tasks, err := taskRepo.ListTasks(ctx, &pending, 100, 0)
			if err != nil {
				logger.Warn("poll pending tasks failed", "error", err)
				continue
			}
			for _, t := range tasks {
				if seen[t.TaskID] {
					continue
				}
				seen[t.TaskID] = true
				tq.Enqueue(t.TaskID, nil)
			}
		}
	}
}

// drainQueue repeatedly claims items and runs them through the Pipeline
// Runner, ack'ing on completion (success or a terminal failure) and
// nack'ing on an unexpected error so another worker can retry the claim.
func drainQueue(ctx context.Context, logger *slog.Logger, workerID string, tq *taskqueue.Queue, taskRepo *store.Store, runner *pipeline.Runner, cfg config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		items := tq.Claim(workerID, taskqueue.DefaultLeaseSeconds, 1)
		if len(items) == 0 {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		item := items[0]

		snap, err := taskRepo.GetTask(ctx, item.TaskID)
		if err != nil {
			logger.Error("load task for claimed item failed", "task_id", item.TaskID, "error", err)
			tq.Nack(item.ID, item.LeaseToken, taskqueue.DefaultRetrySeconds)
			continue
		}

		sc := buildStepContext(cfg, snap.Task)
		var startFromStep *int
		if snap.Task.CurrentStep >= 0 {
			step := snap.Task.CurrentStep
			startFromStep = &step
		}

		if _, err := runner.Run(ctx, snap, sc, startFromStep); err != nil {
			logger.Error("pipeline run failed", "task_id", item.TaskID, "error", err)
			tq.Nack(item.ID, item.LeaseToken, taskqueue.DefaultRetrySeconds)
			continue
		}
		tq.Ack(item.ID, item.LeaseToken)
	}
}

func buildStepContext(cfg config.Config, t domain.Task) steps.StepContext {
	workdir := recovery.Workdir(cfg.WorkdirBase, t)
	return steps.StepContext{
		TaskID:        t.TaskID,
		PDFPath:       filepath.Join(workdir, t.PDFName),
		Workdir:       workdir,
		FileHash:      t.FileHash,
		ExpectedPages: t.ExpectedPages,
		Mode:          t.Mode,
		Meta:          map[string]any{"skip_existing": true},
	}
}

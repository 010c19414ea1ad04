package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aivara/medcore/internal/analysis"
	"github.com/aivara/medcore/internal/api"
	"github.com/aivara/medcore/internal/chunker"
	"github.com/aivara/medcore/internal/config"
	"github.com/aivara/medcore/internal/embedding"
	"github.com/aivara/medcore/internal/engine"
	"github.com/aivara/medcore/internal/forecast"
	"github.com/aivara/medcore/internal/markers"
	"github.com/aivara/medcore/internal/ollama"
	"github.com/aivara/medcore/internal/pipeline"
	"github.com/aivara/medcore/internal/rag"
	"github.com/aivara/medcore/internal/storage"
	"github.com/aivara/medcore/internal/vectorstore"
	"github.com/aivara/medcore/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the medcored server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show model backend status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if !eng.IsRunning(ctx) {
		slog.Warn("ollama is not reachable; generative sections will fail until it is up",
			"url", cfg.Ollama.BaseURL)
	}

	vectors, err := buildVectorStore(ctx, cfg, store)
	if err != nil {
		return err
	}

	remote := embedding.NewOllamaProvider(eng, cfg.Embedding.Model, cfg.Embedding.Dimension)
	local := embedding.NewLocalProvider(cfg.Embedding.Dimension)
	provider, err := embedding.NewFallback(remote, local)
	if err != nil {
		return fmt.Errorf("configuring embedding: %w", err)
	}

	p := pipeline.New(
		markers.NewExtractor(markers.FirstMatch),
		markers.NewEvaluator(markers.DefaultRanges()),
		chunker.New(cfg.Embedding.ChunkSize, cfg.Embedding.ChunkOverlap),
		provider,
		vectors,
		rag.NewAssembler(provider, vectors, cfg.Embedding.TopK),
		analysis.NewOrchestrator(eng, cfg.Analysis.Sections, cfg.Ollama.CallTimeout),
		forecast.NewGenerator(eng, cfg.Ollama.ForecastModel, markers.DefaultRanges()),
	)

	wf := workflow.NewManager(nil)
	sharings, err := store.ListSharings()
	if err != nil {
		return fmt.Errorf("loading sharing records: %w", err)
	}
	wf.Restore(sharings)

	handler := api.NewHandler(api.AppDeps{
		Store:    store,
		Pipeline: p,
		Workflow: wf,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("medcored listening", "addr", addr, "vector_backend", cfg.Storage.VectorBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildVectorStore(ctx context.Context, cfg config.Config, store *storage.Store) (vectorstore.Store, error) {
	switch strings.ToLower(cfg.Storage.VectorBackend) {
	case config.BackendQdrant:
		qs, err := vectorstore.NewQdrantStore(cfg.Storage.QdrantHost, cfg.Storage.QdrantPort, cfg.Embedding.Dimension)
		if err != nil {
			return nil, fmt.Errorf("connecting to qdrant: %w", err)
		}
		if err := qs.InitCollection(ctx); err != nil {
			return nil, fmt.Errorf("initializing qdrant collection: %w", err)
		}
		return qs, nil
	default:
		return vectorstore.NewSQLiteStore(store.DB()), nil
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := ollama.New(cfg.Ollama.BaseURL)
	if !client.IsRunning(ctx) {
		fmt.Printf("ollama: unreachable at %s\n", cfg.Ollama.BaseURL)
		return nil
	}
	fmt.Printf("ollama: running at %s\n", cfg.Ollama.BaseURL)

	models, err := client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}

	required := map[string]string{
		"embedding": cfg.Embedding.Model,
		"forecast":  cfg.Ollama.ForecastModel,
	}
	for section, sc := range cfg.Analysis.Sections {
		required[string(section)] = sc.Model
	}

	for role, model := range required {
		present := false
		for _, m := range models {
			if m == model || strings.HasPrefix(m, model+":") {
				present = true
				break
			}
		}
		mark := "missing"
		if present {
			mark = "ok"
		}
		fmt.Printf("  %-22s %-16s %s\n", role, model, mark)
	}
	return nil
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinel-ew/sentinel/internal/agents"
	"github.com/sentinel-ew/sentinel/internal/approval"
	"github.com/sentinel-ew/sentinel/internal/audit"
	"github.com/sentinel-ew/sentinel/internal/config"
	"github.com/sentinel-ew/sentinel/internal/controlplane"
	"github.com/sentinel-ew/sentinel/internal/dispatch"
	"github.com/sentinel-ew/sentinel/internal/embed"
	"github.com/sentinel-ew/sentinel/internal/gen"
	"github.com/sentinel-ew/sentinel/internal/improve"
	"github.com/sentinel-ew/sentinel/internal/models"
	"github.com/sentinel-ew/sentinel/internal/pipeline"
	"github.com/sentinel-ew/sentinel/internal/retrieval"
	"github.com/sentinel-ew/sentinel/internal/scheduler"
	"github.com/sentinel-ew/sentinel/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Sentinel daemon",
	Long:  `Starts the Sentinel daemon which provides the HTTP API for case processing and review.`,
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting Sentinel daemon...")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	auditor := audit.NewWriter(s)

	var embedder embed.Embedder
	if cfg.OpenAIAPIKey != "" {
		embedder = embed.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDim)
		log.Printf("Embeddings: OpenAI (%d dims)", cfg.EmbeddingDim)
	} else {
		embedder = embed.NewHashEmbedder(cfg.EmbeddingDim)
		log.Printf("Embeddings: deterministic hash (%d dims)", cfg.EmbeddingDim)
	}

	generator := gen.New(cfg.GenProvider, cfg.OpenAIAPIKey, cfg.AnthropicAPIKey, cfg.GenModel)
	specialists := []agents.Specialist{
		agents.NewGenomics(generator, auditor),
		agents.NewEpiOsint(generator, auditor),
		agents.NewGeo(generator, auditor),
	}

	corpus, err := retrieval.LoadCorpus(cmd.Context(), cfg.CorpusPath, embedder)
	if err != nil {
		return err
	}
	log.Printf("Outbreak corpus: %d entries", corpus.Len())

	registry := dispatch.NewRegistry()
	registry.Register(dispatch.LogProvider{})
	registry.Register(dispatch.EmailProvider{})
	if cfg.SlackBotToken != "" {
		registry.Register(dispatch.NewSlackProvider(cfg.SlackBotToken, cfg.SlackChannelID))
		log.Println("Slack dispatch enabled")
	}

	manager := approval.NewManager(s, registry, auditor, cfg.DispatchChannel, cfg.DispatchDryRun, cfg.MaxEvidenceCycles)

	p := pipeline.New(s, auditor, embedder, corpus, specialists, manager, pipeline.Options{
		RetrievalK:    cfg.RetrievalK,
		MaxVectorScan: cfg.MaxVectorScan,
	})

	improver := improve.NewController(s, embedder, auditor, improve.Params{
		LearningRate:      cfg.LearningRate,
		SevThresholdStep:  cfg.SevThresholdStep,
		ConfThresholdStep: cfg.ConfThresholdStep,
		FalseAlarmCeiling: cfg.FalseAlarmCeiling,
		MissCeiling:       cfg.MissCeiling,
		MinWeight:         cfg.MinWeight,
	})

	defaults := models.FusionState{
		Weights:       map[string]float64{agents.NameGenomics: 0.4, agents.NameEpiOsint: 0.4, agents.NameGeo: 0.2},
		SevThreshold:  cfg.SeverityThreshold,
		ConfThreshold: cfg.ConfidenceThreshold,
	}
	orchestrator := scheduler.New(s, auditor, p, improver, defaults, scheduler.Config{
		Workers:   cfg.WorkerPoolSize,
		BatchSize: cfg.RunBatchSize,
		DataPath:  cfg.DataPath,
	})

	if cfg.RunSchedule != "" {
		if err := orchestrator.Schedule(cfg.RunSchedule); err != nil {
			return err
		}
		log.Printf("Scheduled runs: %s", cfg.RunSchedule)
	}

	service := controlplane.NewService(s, orchestrator, manager, p, cfg.DataPath)
	server := controlplane.NewServer(service, cfg.ListenAddr, cfg.CORSOrigins)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			s.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Draining scheduled runs...")
	orchestrator.StopSchedule()

	log.Println("Closing database connection...")
	if err := s.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

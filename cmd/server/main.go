package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/connexus-ai/ragbox-backend/internal/auth"
	"github.com/connexus-ai/ragbox-backend/internal/cache"
	"github.com/connexus-ai/ragbox-backend/internal/chat"
	"github.com/connexus-ai/ragbox-backend/internal/config"
	"github.com/connexus-ai/ragbox-backend/internal/embedding"
	"github.com/connexus-ai/ragbox-backend/internal/gcpclient"
	"github.com/connexus-ai/ragbox-backend/internal/graph"
	"github.com/connexus-ai/ragbox-backend/internal/ingest"
	"github.com/connexus-ai/ragbox-backend/internal/llm"
	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/migrate"
	"github.com/connexus-ai/ragbox-backend/internal/pipeline"
	"github.com/connexus-ai/ragbox-backend/internal/queryjobs"
	"github.com/connexus-ai/ragbox-backend/internal/repository"
	"github.com/connexus-ai/ragbox-backend/internal/retrieval"
	"github.com/connexus-ai/ragbox-backend/internal/router"
	"github.com/connexus-ai/ragbox-backend/internal/subscription"
	"github.com/connexus-ai/ragbox-backend/internal/vectorstore"
	"github.com/connexus-ai/ragbox-backend/internal/webhook"
)

// Version is the running build's identifier, reported on /health.
const Version = "0.1.0"

// startupPhase distinguishes which ordered step of spec §5's Config →
// RelationalStore → ... chain failed, so main() can report the matching
// exit code from spec §6 ("Exit codes (CLI entry point)").
type startupPhase int

const (
	phaseConfig startupPhase = iota + 1
	phaseMigration
	phaseDependency
)

// startupError tags an error with the phase that produced it.
type startupError struct {
	phase startupPhase
	err   error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

// exitCode maps a startupError's phase to spec §6's process exit codes;
// an untagged error (buildApp's dependency-init steps after migration and a
// server listen failure return these) falls back to 2.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *startupError
	if errors.As(err, &se) {
		switch se.phase {
		case phaseConfig:
			return 1
		case phaseMigration:
			return 3
		default:
			return 2
		}
	}
	return 2
}

// defaultSystemPrompt grounds every generated answer in the corpus's voice
// and citation discipline (spec §4.3).
const defaultSystemPrompt = "You are a research assistant answering strictly from the retrieved passages. Cite every claim by source_ref; say plainly when the passages do not answer the question."

// app holds every long-lived dependency so run() can shut them down in
// reverse construction order.
type app struct {
	cfg    *config.Config
	pool   *pgxpool.Pool
	store  vectorstore.Client
	graph  *graph.Graph
	llmCli llm.Client
	queue  *queryjobs.Queue
	srv    *http.Server
}

// buildApp wires every spec §5 startup dependency in order: config,
// relational store, cache store, vector store client, embedding engine,
// LLM client, then the services layered on top of them, finally the HTTP
// server itself. Mirrors the teacher's single run()-does-everything shape,
// generalized from one stub route into the full dependency graph.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &startupError{phaseConfig, fmt.Errorf("buildApp: %w", err)}
	}

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, &startupError{phaseDependency, fmt.Errorf("buildApp: relational store: %w", err)}
	}

	if err := migrate.Run(ctx, pool); err != nil {
		pool.Close()
		return nil, &startupError{phaseMigration, fmt.Errorf("buildApp: migrate: %w", err)}
	}

	cacheStore, err := cache.New(cfg.RedisURL, map[cache.Family]time.Duration{
		cache.FamilyDenseEmbedding:  cfg.CacheTTLEmbedding,
		cache.FamilySparseEmbedding: cfg.CacheTTLEmbedding,
		cache.FamilyRetrieval:       cfg.CacheTTLRetrieval,
		cache.FamilySubscription:    cfg.CacheTTLSubscription,
		cache.FamilyUsagePeriod:     30 * 24 * time.Hour,
		cache.FamilyRateLimit:       2 * time.Minute,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("buildApp: cache store: %w", err)
	}

	var store vectorstore.Client
	if cfg.QdrantURL != "" {
		store, err = vectorstore.NewQdrant(cfg.QdrantURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("buildApp: vector store: %w", err)
		}
	} else {
		slog.Warn("QDRANT_URL unset, falling back to pgvector-backed vector store")
		store = vectorstore.NewPGFallback(pool)
	}

	denseEmbedder, err := embedding.NewVertexDense(ctx, embedding.VertexDenseConfig{
		Project:    cfg.GCPProject,
		Location:   cfg.EmbeddingLocation,
		Model:      cfg.EmbeddingModel,
		Dims:       cfg.EmbeddingDims,
		MaxRetries: cfg.EmbeddingMaxRetries,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("buildApp: dense embedder: %w", err)
	}
	sparseEmbedder := embedding.NewSparse(embedding.SparseConfig{
		Endpoint:   cfg.SpladeEndpoint,
		MaxRetries: cfg.EmbeddingMaxRetries,
	})
	composite := embedding.NewComposite(denseEmbedder, sparseEmbedder)
	embeddingEngine := embedding.NewCached(composite, cacheStore, cfg.EmbeddingModel)

	limiter := llm.NewModelLimiter(float64(cfg.LLMMaxConcurrency), cfg.LLMMaxConcurrency)
	llmClient, err := llm.NewVertexClient(ctx, llm.VertexConfig{
		Project:    cfg.GCPProject,
		Location:   cfg.VertexAILocation,
		MaxRetries: cfg.LLMMaxRetries,
		Limiter:    limiter,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("buildApp: LLM client: %w", err)
	}

	var passageGraph *graph.Graph
	if cfg.Neo4jURI != "" {
		passageGraph, err = graph.New(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
		if err != nil {
			slog.Warn("passage relationship graph disabled: connectivity failed", "error", err)
			passageGraph = nil
		}
	}

	var jobQueue *queryjobs.Queue
	if cfg.PubSubProjectID != "" {
		jobQueue, err = queryjobs.New(ctx, queryjobs.Config{
			ProjectID:      cfg.PubSubProjectID,
			TopicID:        cfg.PubSubSweepTopic,
			SubscriptionID: cfg.PubSubSweepTopic,
		})
		if err != nil {
			slog.Warn("async job queue disabled, retention sweep will run inline only", "error", err)
			jobQueue = nil
		}
	}

	principals := repository.NewPrincipalRepo(pool)
	conversations := repository.NewConversationRepo(pool)
	messages := repository.NewMessageRepo(pool)
	usage := repository.NewUsageRepo(pool)
	subs := repository.NewSubscriptionRepo(pool)
	webhookEvents := repository.NewWebhookRepo(pool)
	documents := repository.NewDocumentRepo(pool)

	tokenVerifier, err := buildTokenVerifier(ctx, cfg)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("buildApp: %w", err)
	}
	guard := auth.New(tokenVerifier, principals, cfg.InternalAuthSecret)

	enforcer := subscription.New(subs, usage, cacheStore, subscription.Config{
		PaymentsEnabled: cfg.PaymentsEnabled,
		GracePeriod:     time.Duration(cfg.PastDueGraceDays) * 24 * time.Hour,
	})

	orchestrator := retrieval.New(embeddingEngine, store, cacheStore, llmClient)

	persistence := chat.New(pool, conversations, messages, embeddingEngine, store)

	verifier := webhook.New(cfg.WebhookSecret, pool, webhookEvents, subs, cacheStore)
	verifier.On("subscription.created", webhook.SubscriptionLifecycleHandler(subs))
	verifier.On("subscription.updated", webhook.SubscriptionLifecycleHandler(subs))
	verifier.On("subscription.deleted", webhook.SubscriptionLifecycleHandler(subs))

	ingestPipeline, err := buildIngestPipeline(ctx, cfg, documents, embeddingEngine, store, pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("buildApp: %w", err)
	}

	queryPipeline := pipeline.New(enforcer, orchestrator, llmClient, persistence)

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)
	queryLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{MaxRequests: 60, Window: time.Minute})
	chatLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{MaxRequests: 120, Window: time.Minute})

	r := router.New(&router.Dependencies{
		DB:               pool,
		Version:          Version,
		FrontendURL:      cfg.FrontendURL,
		Metrics:          metrics,
		MetricsReg:       reg,
		Guard:            guard,
		Enforcer:         enforcer,
		Persistence:      persistence,
		Ingest:           ingestPipeline,
		QueryPipe:        queryPipeline,
		Webhook:          verifier,
		SystemPrompt:     defaultSystemPrompt,
		QueryRateLimiter: queryLimiter,
		ChatRateLimiter:  chatLimiter,
	})

	srv := &http.Server{
		Addr:         ":" + portString(cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a := &app{cfg: cfg, pool: pool, store: store, graph: passageGraph, llmCli: llmClient, queue: jobQueue, srv: srv}
	go a.runRetentionSweep(persistence)
	return a, nil
}

// buildTokenVerifier resolves auth.TokenVerifier per spec §9's
// Firebase-or-JWT choice: Firebase when configured, JWT as the fallback
// verifier, or the sole verifier when Firebase is unset entirely.
func buildTokenVerifier(ctx context.Context, cfg *config.Config) (auth.TokenVerifier, error) {
	var firebaseVerifier auth.TokenVerifier
	if cfg.FirebaseProjectID != "" {
		fbClient, err := newFirebaseAuthClient(ctx, cfg.FirebaseProjectID)
		if err != nil {
			return nil, fmt.Errorf("firebase verifier: %w", err)
		}
		firebaseVerifier = auth.NewFirebaseVerifier(fbClient)
	}
	var jwtVerifier auth.TokenVerifier
	if cfg.JWTSigningSecret != "" {
		jwtVerifier = auth.NewJWTVerifier(cfg.JWTSigningSecret)
	}

	switch {
	case firebaseVerifier != nil && jwtVerifier != nil:
		return auth.NewCompositeVerifier(firebaseVerifier, jwtVerifier), nil
	case firebaseVerifier != nil:
		return firebaseVerifier, nil
	case jwtVerifier != nil:
		return jwtVerifier, nil
	default:
		return nil, fmt.Errorf("neither FIREBASE_PROJECT_ID nor JWT_SIGNING_SECRET is configured")
	}
}

func newFirebaseAuthClient(ctx context.Context, projectID string) (*fbauth.Client, error) {
	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("newFirebaseAuthClient: init app: %w", err)
	}
	client, err := fbApp.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("newFirebaseAuthClient: %w", err)
	}
	return client, nil
}

// buildIngestPipeline wires the Document AI parser and GCS object storage
// adapters when configured; an unconfigured deployment still builds a
// Pipeline. Without a bucket it has no uploader or downloader, so Accept
// rejects every upload; without Document AI, PDF and image extraction go
// straight to the parser's direct-download fallback.
func buildIngestPipeline(ctx context.Context, cfg *config.Config, documents *repository.DocumentRepo, embedder embedding.Engine, store vectorstore.Client, pool *pgxpool.Pool) (*ingest.Pipeline, error) {
	var docAIClient ingest.DocumentAIClient
	if cfg.DocAIProcessorID != "" {
		adapter, err := gcpclient.NewDocumentAIAdapter(ctx, cfg.GCPProject, cfg.DocAILocation)
		if err != nil {
			slog.Warn("document AI disabled: client init failed", "error", err)
		} else {
			docAIClient = adapter
		}
	}

	var downloader ingest.ObjectDownloader
	var uploader ingest.ObjectUploader
	if cfg.GCSBucketName != "" {
		storageAdapter, err := gcpclient.NewStorageAdapter(ctx)
		if err != nil {
			return nil, fmt.Errorf("buildIngestPipeline: object storage: %w", err)
		}
		downloader = storageAdapter
		uploader = storageAdapter
	}

	processor := fmt.Sprintf("projects/%s/locations/%s/processors/%s", cfg.GCPProject, cfg.DocAILocation, cfg.DocAIProcessorID)
	parser := ingest.NewParser(docAIClient, processor, downloader)
	chunker := ingest.NewChunker(1000, 0.15)
	return ingest.NewPipeline(documents, parser, chunker, embedder, store, uploader, pool, cfg.GCSBucketName), nil
}

// runRetentionSweep purges conversations past the retention horizon on a
// daily cadence. Runs inline regardless of whether a Pub/Sub queue is
// configured; when one is, each completed sweep also publishes a
// retention-sweep Job. The server does not consume that queue, so a
// published Job starts no sweep here.
func (a *app) runRetentionSweep(persistence *chat.Persistence) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		horizon := time.Now().AddDate(0, 0, -a.cfg.RetentionDays)
		n, err := persistence.PurgeExpired(context.Background(), horizon)
		if err != nil {
			slog.Error("retention sweep failed", "error", err)
			continue
		}
		slog.Info("retention sweep complete", "conversations_purged", n)
		if a.queue != nil {
			if err := a.queue.Enqueue(context.Background(), queryjobs.Job{Type: queryjobs.JobRetentionSweep}); err != nil {
				slog.Warn("retention sweep job publish failed", "error", err)
			}
		}
	}
}

// shutdown releases every dependency in reverse construction order.
func (a *app) shutdown(ctx context.Context) {
	if err := a.srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			slog.Error("job queue close failed", "error", err)
		}
	}
	if a.graph != nil {
		if err := a.graph.Close(ctx); err != nil {
			slog.Error("graph close failed", "error", err)
		}
	}
	if err := a.llmCli.Close(); err != nil {
		slog.Error("llm client close failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Error("vector store close failed", "error", err)
	}
	a.pool.Close()
}

func getPort() string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return "8080"
}

func portString(p int) string {
	if p <= 0 {
		return getPort()
	}
	return fmt.Sprintf("%d", p)
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := buildApp(ctx)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ragbox-backend starting", "version", Version, "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received signal, shutting down gracefully", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer shutdownCancel()
	a.shutdown(shutdownCtx)

	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Print(err)
		os.Exit(exitCode(err))
	}
}

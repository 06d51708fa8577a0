package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"

	"verifid/internal/audit"
	"verifid/internal/audit/relay"
	"verifid/internal/blobstore"
	"verifid/internal/platform/config"
	"verifid/internal/platform/httpserver"
	"verifid/internal/platform/logger"
	"verifid/internal/platform/middleware"
	platformredis "verifid/internal/platform/redis"
	"verifid/internal/retention"
	"verifid/internal/verification"
	"verifid/internal/verification/handler"
	"verifid/internal/verification/metrics"
	"verifid/internal/verification/stage"
)

// main wires dependencies and keeps the server lifecycle small. Business
// logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage. An empty DSN selects the in-memory stores for local runs;
	// everything downstream sees only the interfaces.
	var (
		sessionStore verification.SessionStore
		auditStore   audit.Store
		txRunner     verification.TxRunner = verification.NoTx{}
	)
	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return err
		}
		sessionStore = verification.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		txRunner = newPostgresTx(db)
		log.Info("using postgres stores")
	} else {
		sessionStore = verification.NewInMemoryStore()
		auditStore = audit.NewInMemoryStore()
		log.Warn("no postgres DSN configured, using in-memory stores")
	}

	blobs, err := blobstore.NewInMemoryStore()
	if err != nil {
		return err
	}

	recorder := audit.NewRecorder(auditStore, log)
	m := metrics.New()

	orchOpts := []verification.Option{
		verification.WithLogger(log),
		verification.WithMetrics(m),
		verification.WithTxRunner(txRunner),
	}

	// Redis backs the duplicate-submission index when configured; the
	// orchestrator falls back to its in-process index otherwise.
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		orchOpts = append(orchOpts, verification.WithIdempotencyGuard(
			verification.NewRedisIdempotencyGuard(redisClient.Client)))
		log.Info("using redis idempotency index")
	}

	runners := []stage.Runner{
		stage.NewDocumentRunner(stage.MockDocumentAnalyzer{
			Valid: true, Confidence: 0.93, DocumentType: "passport", Latency: 200 * time.Millisecond,
		}, blobs),
		stage.NewFaceRunner(stage.MockFaceMatcher{
			Output:  stage.FaceMatch{DocumentFaceConfidence: 0.88, SelfieFaceConfidence: 0.91, Similarity: 0.84},
			Latency: 150 * time.Millisecond,
		}, blobs),
		stage.NewLivenessRunner(stage.MockLivenessDetector{
			Score: 0.95, Latency: 250 * time.Millisecond,
		}, blobs),
	}

	orch := verification.New(sessionStore, recorder, runners, verification.Config{
		StageDeadlines: map[stage.Stage]time.Duration{
			stage.Document: cfg.Verification.DocumentDeadline,
			stage.Face:     cfg.Verification.FaceDeadline,
			stage.Liveness: cfg.Verification.LivenessDeadline,
		},
		MaxRetries:      cfg.Verification.MaxRetries,
		RetryBackoff:    cfg.Verification.RetryBackoff,
		InferenceSlots:  cfg.Verification.InferenceSlots,
		SessionLifetime: cfg.Verification.SessionMaxLifetime,
		Decision: verification.DecisionConfig{
			FaceMatchThreshold: cfg.Verification.FaceMatchThreshold,
			LivenessThreshold:  cfg.Verification.LivenessThreshold,
			BorderlineMargin:   cfg.Verification.BorderlineMargin,
		},
	}, orchOpts...)
	defer orch.Close()

	sweeper := verification.NewSweeper(sessionStore, recorder, cfg.Verification.SweepInterval, log,
		verification.WithSweeperMetrics(m),
		verification.WithSweeperTxRunner(txRunner),
	)
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("sweeper stopped", "error", err)
		}
	}()

	retainer := retention.NewJob(sessionStore, auditStore, blobs,
		cfg.Verification.RetentionWindow, time.Hour, log)
	go func() {
		if err := retainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("retention job stopped", "error", err)
		}
	}()

	// Audit events stream to Kafka through the outbox relay when brokers are
	// configured. Without brokers the trail still accumulates in the store.
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaClient, err := kgo.NewClient(kgo.SeedBrokers(cfg.Kafka.Brokers...))
		if err != nil {
			return err
		}
		defer kafkaClient.Close()
		auditRelay := relay.New(auditStore, kafkaClient, cfg.Kafka.AuditTopic, log)
		go func() {
			if err := auditRelay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit relay stopped", "error", err)
			}
		}()
		log.Info("audit relay started", "topic", cfg.Kafka.AuditTopic)
	}

	query := verification.NewQuery(sessionStore)
	review := verification.NewReview(query, recorder)
	verifications := handler.New(orch, query, review, recorder, blobs, log)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.ClientMetadata)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireTenant([]byte(cfg.Server.JWTSigningKey), log))
		verifications.Register(r)
	})

	srv := httpserver.New(cfg.Server.Addr, router)
	errCh := make(chan error, 1)
	go func() {
		log.Info("verifid listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

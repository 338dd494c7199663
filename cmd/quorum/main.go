// Command quorum runs the Quorum decision-routing core service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	qhttp "github.com/meridianhq/quorum/internal/adapter/http"
	qnats "github.com/meridianhq/quorum/internal/adapter/nats"
	"github.com/meridianhq/quorum/internal/adapter/natskv"
	qotel "github.com/meridianhq/quorum/internal/adapter/otel"
	"github.com/meridianhq/quorum/internal/adapter/postgres"
	"github.com/meridianhq/quorum/internal/adapter/ristretto"
	"github.com/meridianhq/quorum/internal/adapter/tiered"
	"github.com/meridianhq/quorum/internal/adapter/ws"
	"github.com/meridianhq/quorum/internal/config"
	"github.com/meridianhq/quorum/internal/domain"
	"github.com/meridianhq/quorum/internal/domain/allocation"
	"github.com/meridianhq/quorum/internal/domain/consensus"
	"github.com/meridianhq/quorum/internal/logger"
	"github.com/meridianhq/quorum/internal/middleware"
	"github.com/meridianhq/quorum/internal/port/messagequeue"
	"github.com/meridianhq/quorum/internal/resilience"
	"github.com/meridianhq/quorum/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, logClose := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logClose.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := qotel.Setup(ctx, cfg.OTel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := qotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres pool: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	queue, err := qnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer func() {
		if err := queue.Drain(); err != nil {
			slog.Warn("nats drain", "error", err)
		}
	}()

	statsCache, err := buildStatsCache(ctx, cfg.Cache, queue)
	if err != nil {
		return fmt.Errorf("stats cache: %w", err)
	}

	hub := ws.NewHub()
	store := postgres.NewStore(pool)
	ledger := postgres.NewLedger(pool)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	classifier := service.NewClassifierService(cfg.Classifier)
	router := service.NewRouterService(store, ledger, statsCache, cfg.Router, cfg.Cache.StatsTTL)
	consensusSvc := service.NewConsensusService(store, queue, hub, cfg.Consensus)
	allocator := service.NewAllocatorService(store, queue, hub, cfg.Allocator)
	memorySvc := service.NewMemoryService(ledger, queue, hub, breaker, metrics, cfg.Memory)
	pipeline := service.NewPipelineService(store, queue, hub, classifier, router,
		consensusSvc, allocator, memorySvc, metrics, cfg.Consensus.ReducedConsensusLevel)
	personas := service.NewPersonaService(store)

	go memorySvc.Run(ctx)

	cancelSubs, err := subscribeInbound(ctx, queue, pipeline, consensusSvc, allocator)
	if err != nil {
		return fmt.Errorf("nats subscriptions: %w", err)
	}
	defer cancelSubs()

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(qhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(qhttp.SecurityHeaders)
	r.Use(qhttp.Logger)
	r.Use(qotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(limiter.Handler)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", healthHandler(queue, pool.Ping))

	handlers := &qhttp.Handlers{
		Pipeline:  pipeline,
		Consensus: consensusSvc,
		Allocator: allocator,
		Memory:    memorySvc,
		Personas:  personas,
		Store:     store,
		Hub:       hub,
	}
	qhttp.MountRoutes(r, handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("quorum core listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// buildStatsCache assembles the two-level aggregate cache: an in-process
// ristretto L1 in front of a shared NATS KV bucket.
func buildStatsCache(ctx context.Context, cfg config.Cache, queue *qnats.Queue) (*tiered.Cache, error) {
	l1, err := ristretto.New(cfg.L1MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	kv, err := queue.KeyValue(ctx, cfg.L2Bucket)
	if err != nil {
		return nil, fmt.Errorf("kv bucket: %w", err)
	}
	return tiered.New(l1, natskv.New(kv), cfg.L1Expire), nil
}

// subscribeInbound wires the collaborator-facing NATS subjects into the
// services. Malformed messages are logged and dropped rather than retried.
func subscribeInbound(
	ctx context.Context,
	queue messagequeue.Queue,
	pipeline *service.PipelineService,
	consensusSvc *service.ConsensusService,
	allocator *service.AllocatorService,
) (func(), error) {
	var cancels []func()
	cancelAll := func() {
		for _, c := range cancels {
			c()
		}
	}

	subs := map[string]messagequeue.Handler{
		messagequeue.SubjectDecisionSubmitted: func(ctx context.Context, subject string, data []byte) error {
			var p messagequeue.DecisionSubmittedPayload
			if ok := unmarshalInbound(subject, data, &p); !ok {
				return nil
			}
			if err := p.Request.Validate(); err != nil {
				slog.Warn("dropping invalid decision request", "subject", subject, "error", err)
				return nil
			}
			_, err := pipeline.Submit(ctx, p.Request)
			return dropInvalid(subject, err)
		},
		messagequeue.SubjectDecisionCancelled: func(ctx context.Context, subject string, data []byte) error {
			var p messagequeue.DecisionCancelledPayload
			if ok := unmarshalInbound(subject, data, &p); !ok {
				return nil
			}
			reason := p.Reason
			if reason == "" {
				reason = "cancelled via message queue"
			}
			_, err := pipeline.Cancel(ctx, p.DecisionID, reason)
			return dropInvalid(subject, err)
		},
		messagequeue.SubjectConsensusInput: func(ctx context.Context, subject string, data []byte) error {
			var p messagequeue.ConsensusInputPayload
			if ok := unmarshalInbound(subject, data, &p); !ok {
				return nil
			}
			req := consensus.SubmitRequest{
				PersonaID:      p.PersonaID,
				Recommendation: p.Recommendation,
				Confidence:     p.Confidence,
			}
			if err := req.Validate(); err != nil {
				slog.Warn("dropping invalid consensus input", "subject", subject, "error", err)
				return nil
			}
			_, err := consensusSvc.Submit(ctx, p.SessionID, req)
			return dropInvalid(subject, err)
		},
		messagequeue.SubjectClaimSubmitted: func(ctx context.Context, subject string, data []byte) error {
			var p messagequeue.ClaimSubmittedPayload
			if ok := unmarshalInbound(subject, data, &p); !ok {
				return nil
			}
			claim := &allocation.Claim{
				ID:               p.ClaimID,
				TeamID:           p.TeamID,
				ResourceType:     p.ResourceType,
				Units:            p.Units,
				BusinessImpact:   p.BusinessImpact,
				CapacityPressure: p.CapacityPressure,
				ExpertiseMatch:   p.ExpertiseMatch,
			}
			if err := claim.Validate(); err != nil {
				slog.Warn("dropping invalid claim", "subject", subject, "error", err)
				return nil
			}
			_, err := allocator.Submit(ctx, claim)
			return dropInvalid(subject, err)
		},
	}

	for subject, handler := range subs {
		cancel, err := queue.Subscribe(ctx, subject, handler)
		if err != nil {
			cancelAll()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		cancels = append(cancels, cancel)
	}

	return cancelAll, nil
}

// unmarshalInbound validates an inbound message against its subject schema
// and decodes it. Malformed messages report false and are dropped; Nak-ing
// them would only cause a redelivery loop.
func unmarshalInbound(subject string, data []byte, target any) bool {
	if err := messagequeue.Validate(subject, data); err != nil {
		slog.Warn("dropping malformed message", "subject", subject, "error", err)
		return false
	}
	if err := json.Unmarshal(data, target); err != nil {
		slog.Warn("dropping undecodable message", "subject", subject, "error", err)
		return false
	}
	return true
}

// dropInvalid swallows errors that redelivery can never fix, such as a
// cancel for an already-terminal decision, and passes transient failures
// through so the message is redelivered.
func dropInvalid(subject string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
		slog.Warn("dropping unprocessable message", "subject", subject, "error", err)
		return nil
	}
	return err
}

// healthHandler reports liveness of the service and its dependencies.
func healthHandler(queue *qnats.Queue, ping func(context.Context) error) http.HandlerFunc {
	type healthStatus struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		NATS     string `json:"nats"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok", Postgres: "ok", NATS: "ok"}
		if err := ping(r.Context()); err != nil {
			status.Status = "degraded"
			status.Postgres = "unreachable"
		}
		if !queue.IsConnected() {
			status.Status = "degraded"
			status.NATS = "disconnected"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}

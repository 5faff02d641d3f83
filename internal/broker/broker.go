// Package broker wires the kernel's layers (L1-L7) into one runnable
// server, grounded on the teacher's cmd/helm/main.go runServer: open
// durable storage, construct every subsystem in dependency order, hand
// the result to internal/apiserver, and start the periodic sweeps.
package broker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/intentkeep/broker/internal/admission"
	"github.com/intentkeep/broker/internal/apiserver"
	"github.com/intentkeep/broker/internal/archive"
	"github.com/intentkeep/broker/internal/config"
	"github.com/intentkeep/broker/internal/delivery"
	"github.com/intentkeep/broker/internal/eventchain"
	"github.com/intentkeep/broker/internal/identity"
	"github.com/intentkeep/broker/internal/oversight"
	"github.com/intentkeep/broker/internal/policy"
	"github.com/intentkeep/broker/internal/relationship"
	"github.com/intentkeep/broker/internal/store"
	"github.com/intentkeep/broker/internal/telemetry"
)

// Broker holds every wired subsystem plus the sweep goroutines'
// lifetime, so Shutdown can stop them cleanly.
type Broker struct {
	cfg *config.Config

	Store     store.Store
	Policy    *policy.Registry
	Lifecycle *relationship.Engine
	Pipeline  *admission.Pipeline
	Delivery  *delivery.Manager
	Tokens    *delivery.TokenIssuer
	Server    *apiserver.Server
	Exporter  *archive.Exporter // nil when no archive backend is configured
	Telemetry *telemetry.Provider

	logger    *slog.Logger
	stopSweep context.CancelFunc
}

// Build wires every subsystem from cfg and keys, the process-wide
// device key registry (spec §1: key issuance and the DID/HID layer are
// this package's caller's responsibility, not the kernel's).
func Build(ctx context.Context, cfg *config.Config, keys identity.KeyRegistry, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("broker: open store: %w", err)
	}

	chainKey, err := eventchain.DeriveKey(cfg.ChainHashKeySecret, cfg.ChainHashKeySalt)
	if err != nil {
		return nil, fmt.Errorf("broker: derive chain key: %w", err)
	}

	policyReg := policy.NewRegistry()
	if cfg.PolicyFilePath != "" {
		if err := policyReg.Load(cfg.PolicyFilePath); err != nil {
			return nil, fmt.Errorf("broker: load policy: %w", err)
		}
	}

	celEngine, err := policy.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("broker: build CEL engine: %w", err)
	}
	schemas := policy.NewSchemaRegistry()

	verifier := identity.NewVerifier(keys)
	lifecycle := relationship.NewEngine(s, chainKey)

	archiveStore, err := openArchiveStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("broker: open archive store: %w", err)
	}
	var exporter *archive.Exporter
	if archiveStore != nil {
		exporter = archive.NewExporter(archiveStore, policyReg)
	}

	sinks := []oversight.Sink{oversight.NewWriterSink()}
	if archiveStore != nil {
		sinks = append(sinks, oversight.NewArchiveSink(archiveStore))
	}
	recorder := oversight.NewRecorder(policyReg, sinks...)

	queue, err := openQueue(cfg)
	if err != nil {
		return nil, fmt.Errorf("broker: open delivery queue: %w", err)
	}
	deliveryMgr := delivery.NewManager(queue, s, chainKey, cfg.ResponderQueueSize, cfg.DeliveryAckTimeout, cfg.HeartbeatInterval)

	pipeline := admission.NewPipeline(s, verifier, policyReg, celEngine, schemas, lifecycle, chainKey).
		WithDeadline(cfg.AdmissionDeadline).
		WithDelivery(deliveryMgr).
		WithOversight(recorder)

	tokens := delivery.NewTokenIssuer([]byte(cfg.ChainHashKeySecret), 24*time.Hour)

	telemetryProvider, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("broker: init telemetry: %w", err)
	}

	srv := apiserver.New(pipeline, lifecycle, s, deliveryMgr, tokens, verifier, logger).
		WithTelemetry(telemetryProvider)
	if exporter != nil {
		srv = srv.WithExporter(exporter)
	}

	return &Broker{
		cfg:       cfg,
		Store:     s,
		Policy:    policyReg,
		Lifecycle: lifecycle,
		Pipeline:  pipeline,
		Delivery:  deliveryMgr,
		Tokens:    tokens,
		Server:    srv,
		Exporter:  exporter,
		Telemetry: telemetryProvider,
		logger:    logger,
	}, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return store.NewPostgresStore(db), nil
	case cfg.SQLitePath != "":
		return store.OpenSQLiteStore(cfg.SQLitePath)
	default:
		return store.NewMemoryStore(), nil
	}
}

func openArchiveStore(ctx context.Context, cfg *config.Config) (archive.Store, error) {
	switch cfg.ArchiveBackend {
	case "s3":
		return archive.NewS3Store(ctx, archive.S3StoreConfig{Bucket: cfg.ArchiveBucket, Region: cfg.AWSRegion})
	case "gcs":
		return nil, fmt.Errorf("broker: gcs archive backend is not supported by Build")
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("broker: unknown archive backend %q", cfg.ArchiveBackend)
	}
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Enabled = cfg.OTelEnabled
	if cfg.OTelEndpoint != "" {
		tc.OTLPEndpoint = cfg.OTelEndpoint
	}
	return tc
}

func openQueue(cfg *config.Config) (delivery.Queue, error) {
	if cfg.RedisURL == "" {
		return delivery.NewMemoryQueue(cfg.ResponderQueueSize), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return delivery.NewRedisQueue(redis.NewClient(opts), cfg.ResponderQueueSize), nil
}

// Run starts the HTTP server and the periodic lifecycle/delivery
// sweeps, blocking until ctx is canceled.
func (b *Broker) Run(ctx context.Context) error {
	sweepCtx, cancel := context.WithCancel(ctx)
	b.stopSweep = cancel
	go b.runSweeps(sweepCtx)

	httpSrv := &http.Server{
		Addr:    ":" + b.cfg.Port,
		Handler: b.Server.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("broker: listening", "port", b.cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (b *Broker) runSweeps(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if closed, err := b.Lifecycle.Sweep(ctx); err != nil {
				b.logger.Error("lifecycle sweep", "error", err)
			} else if len(closed) > 0 {
				b.logger.Info("lifecycle sweep closed relationships", "count", len(closed))
				for _, id := range closed {
					b.exportClosed(ctx, id)
				}
			}
			b.Delivery.Sweep()
		}
	}
}

// exportClosed mirrors the apiserver close handler's retention export
// for relationships closed by the background sweep (expired timebox
// rather than an explicit close request), so auto-close never skips
// legal_hold/oversight_copy retention.
func (b *Broker) exportClosed(ctx context.Context, id string) {
	rel, err := b.Store.Get(ctx, id)
	if err != nil {
		b.logger.Error("load swept relationship", "relationship_id", id, "error", err)
		return
	}
	events, err := b.Store.ListEvents(ctx, id, 0)
	if err != nil {
		b.logger.Error("load swept relationship events", "relationship_id", id, "error", err)
		return
	}
	if b.Exporter == nil {
		if archive.NewExporter(nil, b.Policy).RequiresRetention(rel, events) {
			b.logger.Warn("swept relationship requires retention but no archive backend is configured", "relationship_id", id)
		}
		return
	}
	if _, _, err := b.Exporter.ExportIfRequired(ctx, rel, events, time.Now()); err != nil {
		b.logger.Error("retention export for swept relationship", "relationship_id", id, "error", err)
	}
}

// Stop cancels the periodic sweep goroutine started by Run. Safe to
// call even if Run was never called.
func (b *Broker) Stop() {
	if b.stopSweep != nil {
		b.stopSweep()
	}
	if b.Telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.Telemetry.Shutdown(shutdownCtx); err != nil {
			b.logger.Error("shutdown telemetry", "error", err)
		}
	}
}

func init() {
	if os.Getenv("BROKER_DEBUG") != "" {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
}

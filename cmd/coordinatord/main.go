// Command coordinatord runs the MPC computation coordinator: it wires
// storage, the identity registry, the key envelope service, the dataset
// store, the request state machine, the execution orchestrator, the
// proof log, and the HTTP API into a single running process — the
// "single owning container" spec §9 describes, constructed once here and
// passed by reference into internal/api's handlers.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/partyvault/coordinator/internal/audit"
	"github.com/partyvault/coordinator/internal/config"
	"github.com/partyvault/coordinator/internal/coordinator"
	"github.com/partyvault/coordinator/internal/dataset"
	"github.com/partyvault/coordinator/internal/envelope"
	"github.com/partyvault/coordinator/internal/identity"
	"github.com/partyvault/coordinator/internal/orchestrator"
	"github.com/partyvault/coordinator/internal/proof"
	"github.com/partyvault/coordinator/internal/ratelimit"
	"github.com/partyvault/coordinator/internal/resiliency"
	"github.com/partyvault/coordinator/internal/storage"
	"github.com/partyvault/coordinator/internal/telemetry"

	"github.com/partyvault/coordinator/internal/api"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("[coordinatord] %v", err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}

	db, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := storage.Migrate(ctx, db); err != nil {
		return err
	}

	tel, err := telemetry.Setup(ctx, "coordinator", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	auditLog := audit.NewLogger()

	vault, err := envelope.NewMaterialVault(ctx, storage.NewVaultStore(db))
	if err != nil {
		return err
	}

	kdfClient := envelope.NewHTTPKDFClient(cfg.KDFBaseURL)
	envelopeSvc, err := envelope.New(
		storage.NewHandleStore(db),
		vault,
		kdfClient,
		[]byte(cfg.JWTSigningKey),
		resiliency.RetryPolicy{MaxAttempts: cfg.KDFRetryBudget, BaseDelay: cfg.RetryBaseDelay, MaxDelay: 5 * time.Second},
	)
	if err != nil {
		return err
	}

	envelopeSvc.WithTelemetry(tel)

	reg := identity.New(storage.NewPartyStore(db), envelopeSvc, cfg.PartyLivenessWindow)
	tokens := identity.NewTokenManager([]byte(cfg.JWTSigningKey))

	datasets := dataset.New(storage.NewDatasetStore(db), reg, cfg.DatasetPayloadCapBytes)

	machine := coordinator.New(storage.NewRequestStore(db), reg, envelopeSvc, cfg.RequestExpiry, coordinator.Limits{
		MinRequiredVoters: cfg.MinRequiredVoters,
		MaxRequiredVoters: cfg.MaxRequiredVoters,
		MaxTitleBytes:     cfg.NameMaxBytes,
		MaxDescBytes:      cfg.DescriptionMaxBytes,
	}).WithTelemetry(tel)

	proofLog, err := proof.New(ctx, storage.NewProofStore(db))
	if err != nil {
		return err
	}

	limiter := ratelimit.NewLimiter(cfg.RedisURL, map[string]int{
		"oracle": cfg.OracleBudgetPerMinute,
		"kdf":    cfg.KDFBudgetPerMinute,
	})

	oracleClient := orchestrator.NewHTTPOracleClient(cfg.OracleBaseURL)
	orch := orchestrator.New(
		machine, datasets, envelopeSvc, oracleClient, proofLog, limiter, auditLog,
		resiliency.RetryPolicy{MaxAttempts: cfg.OracleRetryBudget, BaseDelay: cfg.RetryBaseDelay, MaxDelay: 10 * time.Second},
	).WithTelemetry(tel)

	server := api.New(reg, tokens, envelopeSvc, datasets, machine, orch, proofLog, auditLog, cfg.MinAPIVersion)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[coordinatord] listening on %s", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Printf("[coordinatord] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func openStorage(cfg *config.Config) (*storage.DB, error) {
	if cfg.DatabaseURL != "" {
		log.Printf("[coordinatord] connecting to postgres")
		return storage.Open(cfg.DatabaseURL, "")
	}

	dataDir := "data"
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dataDir, "coordinator.db")
	log.Printf("[coordinatord] lite mode: using sqlite at %s", dbPath)
	return storage.Open("", dbPath)
}

package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/arcobank/scaflow/internal/sca/http"
	"github.com/arcobank/scaflow/internal/sca/service"
	"github.com/arcobank/scaflow/internal/sca/store"
	redisdrv "github.com/arcobank/scaflow/internal/sca/store/drivers/redis"
	"github.com/arcobank/scaflow/internal/sca/store/drivers/sqlite"
	"github.com/arcobank/scaflow/pkg/cryptox"
	"github.com/arcobank/scaflow/pkg/jwtx"
	"github.com/arcobank/scaflow/pkg/slogx"

	goredis "github.com/redis/go-redis/v9"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application encapsulates the engine with all its dependencies
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db        *sqlite.Store
	redis     *goredis.Client // nil when codes live in sqlite
	snapshots *store.SnapshotProvider
	signer    *jwtx.Signer

	// Services
	resolver            *service.StepResolver
	credentialService   *service.CredentialService
	otpService          *service.OtpService
	operationService    *service.OperationService
	housekeepingService *service.HousekeepingService

	// HTTP server
	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "sca-engine",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	// Set master key path for at-rest secret encryption
	cryptox.SetMasterKeyPath(cfg.MasterKeyPath)

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	// The routing table and policies are validated once here; a bad
	// configuration refuses to start rather than failing mid-operation.
	snapshot, err := store.LoadSnapshot(context.Background(), app.db.Config())
	if err != nil {
		_ = app.db.Close()
		return nil, fmt.Errorf("load configuration snapshot: %w", err)
	}
	app.snapshots = store.NewSnapshotProvider(snapshot)

	signer, err := jwtx.NewEphemeralSigner("sca-ephemeral", cfg.Issuer)
	if err != nil {
		_ = app.db.Close()
		return nil, fmt.Errorf("initialize result token signer: %w", err)
	}
	app.signer = signer

	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("sca engine starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)

	for {
		select {
		case err := <-serverErrors:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-reload:
			if err := app.ReloadConfiguration(context.Background()); err != nil {
				app.logger.Error("configuration reload failed, keeping previous snapshot", "error", err)
				continue
			}
			app.logger.Info("configuration snapshot reloaded")
		case sig := <-shutdown:
			app.logger.Info("shutdown signal received", "signal", sig)

			if err := app.Shutdown(); err != nil {
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			return nil
		}
	}
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down sca engine...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()

	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
		}
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("sca engine stopped")
	return nil
}

// ReloadConfiguration rebuilds the snapshot from the configuration tables and
// swaps it in atomically. In-flight resolutions keep the snapshot they
// started with.
func (app *Application) ReloadConfiguration(ctx context.Context) error {
	return app.snapshots.Reload(ctx, app.db.Config())
}

// initDatabase initializes the database and applies migrations
func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

// initServices initializes all business logic services
func (app *Application) initServices() {
	otps := store.Otps(app.db.Otps())
	if app.cfg.RedisAddr != "" {
		app.redis = goredis.NewClient(&goredis.Options{Addr: app.cfg.RedisAddr})
		otps = redisdrv.NewOtpStore(app.redis)
		app.logger.Info("one-time codes stored in redis", "addr", app.cfg.RedisAddr)
	}

	app.resolver = &service.StepResolver{
		Operations: app.db.Operations(),
		Snapshots:  app.snapshots,
	}

	app.credentialService = &service.CredentialService{
		Credentials: app.db.Credentials(),
		Snapshots:   app.snapshots,
	}

	app.otpService = &service.OtpService{
		Otps:      otps,
		Snapshots: app.snapshots,
	}

	app.operationService = &service.OperationService{
		Operations:           app.db.Operations(),
		TotpSecrets:          app.db.TotpSecrets(),
		Resolver:             app.resolver,
		Credentials:          app.credentialService,
		Otps:                 app.otpService,
		Signer:               app.signer,
		CredentialPolicyName: app.cfg.CredentialPolicyName,
		OtpPolicyName:        app.cfg.OtpPolicyName,
		TTL:                  app.cfg.OperationTTL,
		ResultTokenTTL:       app.cfg.ResultTokenTTL,
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.db.Operations(),
		otps,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
}

// initHTTP initializes the HTTP router and server
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(BuildVersion, app.db, app.logger)

	router.OperationService = app.operationService
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

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
	"path/filepath"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
	"github.com/rs/cors"

	cfg "github.com/haulmark/payment-verifier/backend/config"
	"github.com/haulmark/payment-verifier/backend/internal/cache"
	"github.com/haulmark/payment-verifier/backend/internal/events"
	"github.com/haulmark/payment-verifier/backend/internal/fraud"
	"github.com/haulmark/payment-verifier/backend/internal/handlers"
	"github.com/haulmark/payment-verifier/backend/internal/imaging"
	"github.com/haulmark/payment-verifier/backend/internal/ocr"
	"github.com/haulmark/payment-verifier/backend/internal/ocr/clients"
	"github.com/haulmark/payment-verifier/backend/internal/storage"
	"github.com/haulmark/payment-verifier/backend/internal/usecases"
	"github.com/haulmark/payment-verifier/backend/internal/usecases/repository"
	"github.com/haulmark/payment-verifier/backend/internal/workers"
	"github.com/haulmark/payment-verifier/backend/pkg/database"
)

// Server timeout constants.
const (
	readTimeoutSeconds     = 15
	writeTimeoutSeconds    = 15
	idleTimeoutSeconds     = 60
	shutdownTimeoutSeconds = 5
)

func main() {
	time.Local = time.UTC

	config, err := cfg.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	opts := &slog.HandlerOptions{
		Level: config.Log.Level,
	}
	if config.App.Debug {
		opts.Level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, opts))
	logger.Warn("Starting application with configuration",
		"app", config.App.Name,
		"environment", config.App.Environment,
		"debug", config.App.Debug,
		"server_port", config.HTTP.Port,
		"ocr_enabled", config.OCR.APIURL != "",
		"kafka_enabled", len(config.Kafka.Brokers) > 0,
		"redis_enabled", config.Redis.Addr != "")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	fraudSettings, err := fraudSettingsFromConfig(config)
	if err != nil {
		logger.Error("Invalid fraud configuration", "error", err)
		log.Fatal(err)
	}

	// Connect to Database
	pg, err := database.New(config,
		database.MaxPoolSize(config.DB.PoolMax),
		database.ConnTimeout(config.DB.ConnectTimeout),
		database.HealthCheckPeriod(config.DB.HealthCheckPeriod),
		database.Isolation(pgx.ReadCommitted),
	)
	if err != nil {
		logger.Error("postgres connection failed", slog.String("error", err.Error()))
		return
	}
	defer pg.Close()

	migrationsPath := resolveMigrationsPath(config.DB.MigrationsPath)
	logger.Info("Running database migrations", "path", migrationsPath)
	if err = database.RunMigrations(logger, config.DB.DatabaseURL, migrationsPath); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		log.Fatal(err)
	}

	// Create repositories
	ordersRepository := repository.NewOrdersRepository(logger, pg)
	submissionsRepository := repository.NewSubmissionsRepository(logger, pg)
	auditRepository := repository.NewAuditRepository(logger, pg)
	walletsRepository := repository.NewWalletsRepository(logger, pg, ordersRepository)

	screenshots, err := storage.NewFileStore(logger, config.Storage.ScreenshotDir)
	if err != nil {
		logger.Error("Failed to open screenshot store", "error", err)
		log.Fatal(err)
	}

	velocityWindow := time.Duration(config.Fraud.VelocityWindowMinutes) * time.Minute
	velocity := initVelocityTracker(ctx, logger, config, velocityWindow)

	publisher, statusEvents, closePublisher := initPublisher(logger, config)
	defer closePublisher()

	websocketManager := handlers.NewWebSocketManager(logger, config.HTTP.AllowedOrigins)
	notifier := usecases.Notifiers{websocketManager}
	if statusEvents != nil {
		notifier = append(notifier, statusEvents)
	}

	// Create usecases
	orderService := usecases.NewOrderService(logger, ordersRepository, usecases.ReceivingAccount{
		Name:   config.Payment.ReceivingAccountName,
		Number: config.Payment.ReceivingAccountNumber,
	}, time.Duration(config.Payment.OrderTTLMinutes)*time.Minute)

	submissionService := usecases.NewSubmissionService(logger, ordersRepository, submissionsRepository,
		auditRepository, screenshots, velocity, pg.Transactor, notifier)

	settlement := usecases.NewSettlement(logger, walletsRepository, pg.Transactor)

	history := usecases.NewHistoryService(logger, submissionsRepository, velocity, usecases.HistorySettings{
		SimilarityLookback: time.Duration(config.Fraud.SimilarityLookbackDay) * 24 * time.Hour,
		MaxPriorHashes:     uint64(max(config.Fraud.SimilarityMaxHashes, 1)),
		VelocityWindow:     velocityWindow,
	})

	registry := fraud.NewRegistry(fraudSettings)
	recognizer := clients.NewVisionService(logger, config.OCR.APIKey, config.OCR.APIURL,
		time.Duration(config.OCR.TimeoutSeconds)*time.Second, config.OCR.MaxConcurrent)

	verifier := usecases.NewVerifier(logger, usecases.VerifierDeps{
		Orders:      ordersRepository,
		Submissions: submissionsRepository,
		Audit:       auditRepository,
		Screenshots: screenshots,
		Analyzer:    imaging.NewAnalyzer(),
		Extractor:   ocr.NewExtractor(logger, recognizer),
		History:     history,
		Accounts:    walletsRepository,
		Engine:      fraud.NewEngine(logger, registry),
		Decider:     fraud.NewDecider(registry, fraudSettings),
		Settlement:  settlement,
		Transactor:  pg.Transactor,
		Publisher:   publisher,
		Notifier:    notifier,
	}, usecases.VerifierSettings{
		MaxAttempts: config.Verification.MaxAttempts,
		BackoffBase: time.Duration(config.Verification.BackoffBaseSeconds) * time.Second,
		BackoffMax:  time.Duration(config.Verification.BackoffMaxSeconds) * time.Second,
		StepTimeout: time.Duration(config.Verification.StepTimeoutSeconds) * time.Second,
		ClaimLease:  time.Duration(config.Verification.ClaimLeaseSeconds) * time.Second,
	})

	adjudicator := usecases.NewAdjudicator(logger, ordersRepository, submissionsRepository, auditRepository,
		settlement, pg.Transactor, publisher, notifier)

	// Initialize and run workers
	var workersDone sync.WaitGroup
	initAndRunWorkers(ctx, &workersDone, logger, config, verifier, submissionService)

	// Create handlers
	httpHandler := handlers.NewHTTPHandler(logger, orderService, submissionService, adjudicator,
		walletsRepository, pg, config.Storage.MaxUploadMB<<20)
	wsHandler := handlers.NewWebSocketHandler(logger, submissionService, websocketManager)

	router := mux.NewRouter()

	// Register WebSocket routes before HTTP routes
	wsHandler.RegisterRoutes(router)
	httpHandler.RegisterRoutes(router)

	c := cors.New(cors.Options{
		AllowedOrigins:   config.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-User-ID", "X-User-Role"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         ":" + config.HTTP.Port,
		Handler:      c.Handler(router),
		ReadTimeout:  readTimeoutSeconds * time.Second,
		WriteTimeout: writeTimeoutSeconds * time.Second,
		IdleTimeout:  idleTimeoutSeconds * time.Second,
	}

	go func() {
		logger.Info("Starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutSeconds*time.Second)
	defer cancel()

	if err = server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// In-flight verifications are abandoned; the claim reaper of the next
	// process returns them to the queue.
	stop()
	workersDone.Wait()

	logger.Info("Server exited properly")
}

func initAndRunWorkers(
	ctx context.Context,
	wg *sync.WaitGroup,
	logger *slog.Logger,
	config *cfg.Config,
	verifier *usecases.Verifier,
	submissionService *usecases.SubmissionService,
) {
	verification := workers.NewVerificationWorker(logger, verifier,
		config.Verification.Workers,
		config.Verification.BatchSize,
		time.Duration(config.Verification.PollIntervalSeconds)*time.Second)
	submissionService.SetNudger(verification)

	reaper := workers.NewClaimReaper(logger, verifier,
		time.Duration(config.Verification.ReaperIntervalSecond)*time.Second)

	wg.Add(2)
	go func() {
		defer wg.Done()
		verification.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		reaper.Start(ctx)
	}()
}

// initVelocityTracker returns nil when Redis is not configured or unreachable;
// velocity is then counted in Postgres.
func initVelocityTracker(ctx context.Context, logger *slog.Logger, config *cfg.Config, window time.Duration) usecases.VelocityTracker {
	if config.Redis.Addr == "" {
		logger.Info("Redis is not configured, counting submission velocity in postgres")
		return nil
	}

	client, err := cache.NewRedisClient(ctx, config)
	if err != nil {
		logger.Warn("Redis unavailable, counting submission velocity in postgres", "error", err)
		return nil
	}

	logger.Info("Redis connected", "addr", config.Redis.Addr)
	return cache.NewVelocityTracker(logger, client, 2*window)
}

// initPublisher picks Kafka when brokers are configured and a logging sink
// otherwise. statusEvents is nil without Kafka.
func initPublisher(logger *slog.Logger, config *cfg.Config) (usecases.SettlementPublisher, usecases.StatusNotifier, func()) {
	if len(config.Kafka.Brokers) == 0 {
		logger.Warn("Kafka is not configured, settlement events are only logged")
		return events.NewLogPublisher(logger), nil, func() {}
	}

	producer, err := events.NewProducer(logger, config)
	if err != nil {
		logger.Error("Failed to start Kafka producer", "error", err)
		log.Fatal(err)
	}

	publisher := events.NewPublisher(logger, producer, config.Kafka.SettlementTopic, config.Kafka.StatusTopic)
	return publisher, publisher, func() {
		if err := publisher.Close(); err != nil {
			logger.Error("Failed to close Kafka producer", "error", err)
		}
	}
}

func fraudSettingsFromConfig(config *cfg.Config) (fraud.Settings, error) {
	f := config.Fraud

	location, err := time.LoadLocation(f.TimeZone)
	if err != nil {
		return fraud.Settings{}, fmt.Errorf("failed to load time zone %q: %w", f.TimeZone, err)
	}

	return fraud.Settings{
		HighWeight:            f.HighWeight,
		MediumWeight:          f.MediumWeight,
		TimestampWeight:       f.TimestampWeight,
		LowWeight:             f.LowWeight,
		ReviewThreshold:       f.ReviewThreshold,
		RejectThreshold:       f.RejectThreshold,
		AmountToleranceMinor:  f.AmountToleranceMinor,
		SimilarityDistance:    f.SimilarityDistance,
		ReceiverMinSimilarity: f.ReceiverMinSimilarity,
		TimestampGrace:        time.Duration(f.TimestampGraceMinutes) * time.Minute,
		Location:              location,
		ConfidenceFloor:       f.ConfidenceFloor,
		MinWidth:              f.MinWidth,
		MaxWidth:              f.MaxWidth,
		MinHeight:             f.MinHeight,
		MaxHeight:             f.MaxHeight,
		NewAccountAge:         time.Duration(f.NewAccountDays) * 24 * time.Hour,
		HighValueAmountMinor:  f.HighValueAmountMinor,
		VelocityWindow:        time.Duration(f.VelocityWindowMinutes) * time.Minute,
		VelocityLimit:         f.VelocityLimit,
	}, nil
}

// resolveMigrationsPath looks next to the working directory and one level up.
func resolveMigrationsPath(configured string) string {
	if filepath.IsAbs(configured) {
		return configured
	}
	workDir, err := os.Getwd()
	if err != nil {
		return configured
	}
	for _, candidate := range []string{
		filepath.Join(workDir, configured),
		filepath.Join(workDir, "..", configured),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return configured
}

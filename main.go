package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"oura-sync/internal/auth"
	"oura-sync/internal/config"
	"oura-sync/internal/database"
	"oura-sync/internal/handlers"
	"oura-sync/internal/metrics"
	"oura-sync/internal/middleware"
	"oura-sync/internal/oura"
	"oura-sync/internal/reconciler"
	"oura-sync/internal/secrets"
	"oura-sync/internal/syncer"
	"oura-sync/internal/worker"
)

func main() {
	// Define CLI flags
	listSubscriptions := flag.Bool("list-subscriptions", false, "List all Oura webhook subscriptions")
	ensureSubscriptions := flag.Bool("ensure-subscriptions", false, "Create any missing Oura webhook subscriptions")
	deleteSubscription := flag.String("delete-subscription", "", "Delete an Oura webhook subscription by ID")

	flag.Parse()

	// Check if any CLI command was requested
	if *listSubscriptions || *ensureSubscriptions || *deleteSubscription != "" {
		runCLI(*listSubscriptions, *ensureSubscriptions, *deleteSubscription)
		return
	}

	// Otherwise, start the server
	runServer()
}

func runCLI(listSubs, ensureSubs bool, deleteSub string) {
	// Disable structured logging for CLI
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors
	})))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	codec, err := secrets.NewCodec(cfg.EncryptionKey())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to build token codec: %v\n", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.DatabasePath, codec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	client := oura.NewClient(cfg.OuraClientID, cfg.OuraClientSecret, db)
	ctx := context.Background()

	switch {
	case listSubs:
		handleListSubscriptions(ctx, client)
	case ensureSubs:
		handleEnsureSubscriptions(ctx, db, client, cfg)
	case deleteSub != "":
		handleDeleteSubscription(ctx, client, deleteSub)
	}
}

func handleListSubscriptions(ctx context.Context, client *oura.Client) {
	subscriptions, err := client.ListSubscriptions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to list subscriptions: %v\n", err)
		os.Exit(1)
	}

	if len(subscriptions) == 0 {
		fmt.Println("No active subscriptions found.")
		return
	}

	fmt.Printf("Found %d subscription(s):\n\n", len(subscriptions))
	for _, sub := range subscriptions {
		fmt.Printf("ID: %s\n", sub.ID)
		fmt.Printf("  Event Type: %s\n", sub.EventType)
		fmt.Printf("  Data Type: %s\n", sub.DataType)
		fmt.Printf("  Callback URL: %s\n", sub.CallbackURL)
		fmt.Printf("  Expires: %s\n", sub.ExpirationTime)
		fmt.Println()
	}
}

func handleEnsureSubscriptions(ctx context.Context, db *database.DB, client *oura.Client, cfg *config.Config) {
	fmt.Printf("Ensuring subscriptions for callback %s...\n", cfg.WebhookCallbackURL())

	rec := reconciler.New(db, client, cfg)
	if err := rec.Ensure(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Subscriptions ensured successfully!")
}

func handleDeleteSubscription(ctx context.Context, client *oura.Client, id string) {
	fmt.Printf("Deleting subscription %s...\n", id)

	if err := client.DeleteSubscription(ctx, id); err != nil {
		if oura.IsNotFound(err) {
			fmt.Fprintf(os.Stderr, "Error: Subscription %s not found\n", id)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Println("✓ Subscription deleted successfully!")
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Set up logger
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting oura-sync server",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.DatabasePath,
		"log_level", cfg.LogLevel)

	codec, err := secrets.NewCodec(cfg.EncryptionKey())
	if err != nil {
		logger.Error("Failed to build token codec", "error", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.DatabasePath, codec)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	logger.Info("Database opened successfully")

	ouraClient := oura.NewClient(cfg.OuraClientID, cfg.OuraClientSecret, db)
	syncService := syncer.New(db, ouraClient)
	subscriptionReconciler := reconciler.New(db, ouraClient, cfg)
	authenticator := auth.NewAuthenticator(db)

	apiHandler := handlers.NewAPIHandler(db, cfg, ouraClient, authenticator, subscriptionReconciler)
	webhookHandler := handlers.NewWebhookHandler(db, cfg)

	// Set up HTTP routes
	mux := http.NewServeMux()

	mux.Handle("/devices", middleware.WrapHandler(metrics.EndpointRegister, apiHandler.HandleRegister))
	mux.Handle("/connect", middleware.WrapHandler(metrics.EndpointConnect, apiHandler.HandleConnect))
	mux.Handle("/oauth-callback", middleware.WrapHandler(metrics.EndpointOAuthCallback, apiHandler.HandleOAuthCallback))
	mux.Handle("/status", middleware.WrapHandler(metrics.EndpointStatus, apiHandler.HandleStatus))
	mux.Handle("/scores", middleware.WrapHandler(metrics.EndpointScores, apiHandler.HandleScores))
	mux.Handle("/sync", middleware.WrapHandler(metrics.EndpointSync, apiHandler.HandleSync))
	mux.Handle("/connection", middleware.WrapHandler(metrics.EndpointDisconnect, apiHandler.HandleDisconnect))

	mux.Handle("/webhook-callback", middleware.WrapHandler(metrics.EndpointWebhook, webhookHandler.ServeHTTP))

	// Health check endpoint
	mux.Handle("/health", middleware.WrapHandler(metrics.EndpointHealth, func(w http.ResponseWriter, r *http.Request) {
		if err := db.Health(); err != nil {
			http.Error(w, "Unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  35 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start worker in background
	workerInstance := worker.New(db, syncService, subscriptionReconciler)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		logger.Info("Starting worker")
		if err := workerInstance.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Worker failed", "error", err)
		}
	}()

	// Start queue depth collector if metrics are enabled
	if cfg.MetricsEnabled {
		go func() {
			logger.Info("Starting queue depth collector")
			metrics.StartQueueDepthCollector(workerCtx, db, 15*time.Second)
		}()
	}

	// Start metrics server if enabled
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		metricsAddr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)
		metricsServer = &http.Server{
			Addr:    metricsAddr,
			Handler: metricsMux,
		}

		go func() {
			logger.Info("Metrics server listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Start HTTP server in background
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	workerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("Server stopped")
}

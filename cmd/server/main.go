package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"pos-sync-client/internal/api"
	"pos-sync-client/internal/config"
	"pos-sync-client/internal/database"
	"pos-sync-client/internal/logger"
	"pos-sync-client/internal/store"
	"pos-sync-client/internal/sync"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting POS sync client")

	// Open local database
	db, err := database.NewDatabase(cfg.Storage)
	if err != nil {
		logger.Log.Fatal("Failed to open local database", zap.Error(err))
	}

	localStore, err := store.NewSQLiteStore(db)
	if err != nil {
		logger.Log.Fatal("Failed to init local store", zap.Error(err))
	}
	defer localStore.Close()

	// Remote transport: every outgoing request goes through the auth
	// decorator; none of the sync components build auth themselves.
	var transport sync.Transport = sync.NewHTTPTransport(cfg.Remote.GetRequestTimeout())
	if cfg.Remote.AuthToken != "" {
		transport = &sync.DecoratedTransport{
			Inner:     transport,
			Decorator: &sync.BearerDecorator{Token: cfg.Remote.AuthToken},
		}
	}

	probeURL := cfg.Remote.BaseURL + cfg.Remote.ProbePath
	poller := sync.NewPoller(transport, probeURL, cfg.Remote.GetProbeInterval())
	poller.Start()
	defer poller.Stop()

	// Sync components
	outbox := sync.NewOutbox(localStore)
	syncer := sync.NewSyncer(localStore, transport, poller, cfg.Remote.BaseURL, cfg.Sync.Collections)

	var manager *sync.Manager
	conflicts := sync.NewConflicts(localStore, transport, func() {
		manager.RequestFlush()
	})

	flusher := sync.NewFlusher(localStore, outbox, transport, poller, conflicts)
	manager = sync.NewManager(flusher, syncer, poller)
	manager.Start()
	defer manager.Stop()

	service := sync.NewService(localStore, outbox, transport, poller, conflicts, cfg.Remote.BaseURL, cfg.Sync.Collections)

	collectionNames := make([]string, 0, len(cfg.Sync.Collections))
	for _, col := range cfg.Sync.Collections {
		collectionNames = append(collectionNames, col.Name)
	}
	quota := sync.NewQuota(localStore, collectionNames)

	// Scheduler
	scheduler := sync.NewScheduler(cfg.Scheduler, manager)
	scheduler.Start()
	defer scheduler.Stop()

	// Init API
	handler := api.NewHandler(cfg.Server, manager, service, outbox, conflicts, syncer, quota, cfg.Quota)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")
	server.Close()
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/api"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/database"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

func main() {
	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting offline sync service")

	tableNames := make([]string, 0, len(cfg.Sync.Tables))
	for _, t := range cfg.Sync.Tables {
		tableNames = append(tableNames, t.Name)
	}

	db, err := database.NewDatabase(cfg.LocalDB)
	if err != nil {
		logger.Log.Fatal("Failed to open local store", zap.Error(err))
	}
	defer db.Close()

	if err := db.InitSchema(context.Background(), tableNames); err != nil {
		logger.Log.Fatal("Failed to init local schema", zap.Error(err))
	}

	localStore := store.NewSQLiteStore(db, tableNames)

	remoteStore, err := remote.NewMySQLRemote(cfg.Remote, tableNames, cfg.Realtime.ServerID)
	if err != nil {
		logger.Log.Fatal("Failed to configure remote store", zap.Error(err))
	}
	defer remoteStore.Close()

	watermarks := sync.NewWatermarkStore(cfg.LocalDB.WatermarkPath)

	orchestrator, err := sync.NewOrchestrator(cfg, localStore, remoteStore, watermarks)
	if err != nil {
		logger.Log.Fatal("Failed to build orchestrator", zap.Error(err))
	}
	orchestrator.Start()
	defer orchestrator.Stop()

	handler := api.NewHandler(orchestrator)
	router := handler.Routes()

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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Server shutdown error", zap.Error(err))
	}
}

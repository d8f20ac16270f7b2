package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pricewatch/internal/config"
	"pricewatch/internal/delivery"
	"pricewatch/internal/engine"
	"pricewatch/internal/logger"
	"pricewatch/internal/provider"
	"pricewatch/internal/storage"
	"pricewatch/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	priceClient := provider.NewClient(
		cfg.Provider.BaseURL,
		cfg.Provider.Timeout,
		provider.ClientConfig{
			MaxRetries:     cfg.Provider.MaxRetries,
			RetryDelayBase: cfg.Provider.RetryDelayBase,
			CacheTTL:       cfg.Provider.CacheTTL,
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sink delivery.Sink = delivery.LogSink{}
	if cfg.Telegram.Enabled {
		tgClient, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.DefaultChatID)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		tgClient.ListenForCommands(ctx)
		sink = tgClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled, logging notifications instead")
	}

	queue := delivery.New(sink, store, delivery.Config{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Backoff:     cfg.Delivery.Backoff,
		MinSendGap:  cfg.Delivery.MinSendGap,
	})

	eng := engine.New(store, priceClient, queue, engine.Config{
		ScanInterval:  cfg.Engine.ScanInterval,
		RepeatSpacing: cfg.Engine.RepeatSpacing,
	})

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("Failed to start engine: %v", err)
	}
	st := eng.Status()
	logger.Info("Monitoring %d rules across %d groups", st.RuleCount, st.GroupCount)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, cleaning up...")
	if err := eng.Stop(); err != nil {
		logger.Error("Failed to stop engine: %v", err)
	}
	queue.Wait()
	cancel()
	logger.Info("Service stopped")
}

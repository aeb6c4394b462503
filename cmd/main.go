package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"cexfeed/internal/book"
	"cexfeed/internal/config"
	"cexfeed/internal/feed"
	"cexfeed/internal/logging"
	"cexfeed/internal/sink"
	"cexfeed/internal/status"
)

func main() {
	var logFile = flag.String("log-file", "logs/cexfeed.log", "Rotating log file path")
	flag.Parse()

	logger, err := logging.New(logging.Config{
		Filename:   *logFile,
		MaxSizeMB:  10,
		MaxBackups: 10,
		MaxAgeDays: 14,
	})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, closeSink := openSink(logger, cfg)
	defer closeSink()

	registry := book.NewRegistry()
	dispatcher := feed.NewDispatcher(logger, cfg.QueueSize)
	session := feed.NewSession(logger, feed.Options{
		URL:           cfg.WebsocketURL,
		APIKey:        cfg.APIKey,
		APISecret:     cfg.APISecret,
		TickerRooms:   cfg.TickerRooms,
		ReconnectWait: cfg.ReconnectWait,
	}, registry, dispatcher, records)

	// Register subscriptions up front; the session replays them once it
	// authenticates, on first connect and after every reconnect alike.
	for _, sub := range cfg.Subscriptions {
		registry.Subscribe(sub.Instrument, sub.Depth)
		logger.Info("tracking instrument",
			zap.String("pair", sub.Instrument.Pair()), zap.Int("depth", sub.Depth))
	}

	go dispatcher.Run(ctx)

	statusServer := status.NewServer(logger, registry, session, dispatcher, cfg.StatusPort)
	go func() {
		if err := statusServer.Start(); err != nil {
			logger.Error("status server error", zap.Error(err))
		}
	}()

	if err := session.Start(ctx); err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if err := session.Close(); err != nil {
		logger.Warn("session close", zap.Error(err))
	}
}

func openSink(logger *zap.Logger, cfg config.Config) (sink.Sink, func()) {
	if cfg.SinkDSN == "" {
		logger.Info("no record sink configured, history disabled")
		return sink.Nop{}, func() {}
	}

	crate, err := sink.Open(logger, cfg.SinkDSN, cfg.QueueSize)
	if err != nil {
		// The sink is a side effect; a dead store must not stop the feed.
		logger.Error("record sink unavailable, history disabled", zap.Error(err))
		return sink.Nop{}, func() {}
	}
	if err := crate.EnsureTables(context.Background()); err != nil {
		logger.Error("record sink table init failed", zap.Error(err))
	}
	return crate, func() {
		if err := crate.Close(); err != nil {
			logger.Warn("record sink close", zap.Error(err))
		}
	}
}

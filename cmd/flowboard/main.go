package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/flowboard/internal/config"
	"github.com/agentworkforce/flowboard/internal/flowboard"
	"github.com/agentworkforce/flowboard/internal/transport"
)

func main() {
	configPath := configPathFromEnv()
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	stateBackend, err := flowboard.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	logger := log.Default()
	board := flowboard.NewBoard(flowboard.BoardOptions{
		StateBackend: stateBackend,
		Logger:       logger,
	})
	defer func() {
		if err := board.CloseStateBackend(); err != nil {
			log.Printf("state backend close: %v", err)
		}
	}()
	dedup := flowboard.NewDedupCache(flowboard.DedupOptions{
		TTL:     time.Duration(cfg.Tuning.DedupTTL),
		MaxSize: cfg.Tuning.DedupMaxSize,
		Logger:  logger,
	})
	ingestor, err := flowboard.NewIngestor(board, dedup, flowboard.IngestorOptions{
		Logger:            logger,
		PendingBufferSize: cfg.Tuning.PendingBufferSize,
	})
	if err != nil {
		log.Fatalf("failed to build ingestor: %v", err)
	}

	httpClient := transport.NewHTTPClient(cfg.Server.HTTPBaseURL, cfg.Server.Token, nil)
	reconciler, err := flowboard.NewReconciler(board, httpClient, flowboard.ReconcilerOptions{
		Logger:       logger,
		FetchTimeout: time.Duration(cfg.Tuning.FetchTimeout),
	})
	if err != nil {
		log.Fatalf("failed to build reconciler: %v", err)
	}
	recordSync, err := flowboard.NewRecordSync(board, httpClient, logger)
	if err != nil {
		log.Fatalf("failed to build record sync: %v", err)
	}

	wsClient, err := transport.NewWSClient(transport.WSClientOptions{
		URL:       cfg.Server.WSURL,
		Token:     cfg.Server.Token,
		ReadLimit: cfg.Tuning.WSReadLimit,
		BaseDelay: time.Duration(cfg.Tuning.ReconnectBase),
		MaxDelay:  time.Duration(cfg.Tuning.ReconnectMax),
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to build websocket client: %v", err)
	}
	for _, eventType := range flowboard.AllEventTypes() {
		wsClient.RegisterHandler(string(eventType), ingestor.HandleRaw)
	}
	wsClient.RegisterFallback(ingestor.HandleRaw)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsClient.OnConnect(func() {
		ingestor.OnConnect()
		go func() {
			report := reconciler.ReconcileAll(ctx)
			if report.Checked > 0 {
				log.Printf("reconciled %d workflows: %d corrected, %d failed",
					report.Checked, report.Corrected, report.Failed)
			}
		}()
	})
	wsClient.OnDisconnect(func(err error) {
		log.Printf("event stream disconnected: %v", err)
	})

	if loaded, err := recordSync.LoadExisting(ctx); err != nil {
		log.Printf("initial workflow load failed (continuing with local state): %v", err)
	} else if loaded > 0 {
		log.Printf("loaded %d existing workflows", loaded)
	}

	watcher, err := config.NewWatcher(configPath, func(fresh config.Config) {
		dedup.Tune(time.Duration(fresh.Tuning.DedupTTL), fresh.Tuning.DedupMaxSize)
	}, config.WatcherOptions{Logger: logger})
	if err != nil {
		log.Fatalf("failed to build config watcher: %v", err)
	}
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("config watcher stopped: %v", err)
		}
	}()

	log.Printf("flowboard connecting to %s", cfg.Server.WSURL)
	if err := wsClient.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("event stream failed: %v", err)
	}
}

func configPathFromEnv() string {
	path := strings.TrimSpace(os.Getenv("FLOWBOARD_CONFIG"))
	if path == "" {
		return "flowboard.yaml"
	}
	return path
}

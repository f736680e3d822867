package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"easel/api/internal/app"
	"easel/api/internal/blob"
	"easel/api/internal/capture"
	"easel/api/internal/config"
	"easel/api/internal/email"
	"easel/api/internal/export"
	"easel/api/internal/llm"
	"easel/api/internal/search"
	"easel/api/internal/session"
	"easel/api/internal/store"
	sceneSync "easel/api/internal/sync"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	sessions := session.NewRedisStoreWithClient(redisClient)
	bridge := sceneSync.NewBridgeWithClient(redisClient)

	hub := sceneSync.NewHub().WithBridge(bridge).WithCursorTTL(cfg.CursorTTL)
	bridgeCtx, stopBridge := context.WithCancel(ctx)
	defer stopBridge()
	go func() {
		if err := bridge.Run(bridgeCtx, hub); err != nil && err != context.Canceled {
			log.Printf("sync bridge stopped: %v", err)
		}
	}()

	service := app.New(cfg, dataStore, sessions)

	pgSearch := search.NewPgFallback(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	service = service.WithSearch(search.NewService(meiliClient, pgSearch))

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err := blob.NewStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object storage init failed: %v", err)
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: capture bucket unavailable (uploads disabled until it recovers): %v", err)
		}
		service = service.WithBlobs(blobs)
	}

	if strings.TrimSpace(cfg.SMTPHost) != "" {
		service = service.WithEmail(email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}))
	} else {
		log.Printf("SMTP not configured, verification tokens returned in responses")
	}

	if exporter, err := export.New(); err != nil {
		log.Printf("WARNING: chromium not found, board export disabled: %v", err)
	} else {
		service = service.WithExport(exporter)
	}

	gemini, err := llm.NewGemini(ctx, cfg.GeminiModel)
	if err != nil {
		log.Printf("WARNING: model unavailable, chat and tutoring disabled: %v", err)
	} else {
		var builder *capture.Builder
		renderer, err := capture.NewChromeRenderer()
		if err != nil {
			log.Printf("WARNING: chromium not found, captures disabled: %v", err)
		} else {
			builder = capture.NewBuilder(renderer, cfg.CaptureByteBudget)
		}
		service = service.WithAI(gemini, builder)
	}

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Easel API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stopBridge()
}

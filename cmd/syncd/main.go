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

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/rockswe/justtodothings-sub000/internal/app"
	"github.com/rockswe/justtodothings-sub000/internal/archive"
	"github.com/rockswe/justtodothings-sub000/internal/classify"
	"github.com/rockswe/justtodothings-sub000/internal/config"
	"github.com/rockswe/justtodothings-sub000/internal/connector/canvas"
	"github.com/rockswe/justtodothings-sub000/internal/connector/github"
	"github.com/rockswe/justtodothings-sub000/internal/connector/gmail"
	"github.com/rockswe/justtodothings-sub000/internal/connector/slack"
	"github.com/rockswe/justtodothings-sub000/internal/pipeline"
	"github.com/rockswe/justtodothings-sub000/internal/search"
	"github.com/rockswe/justtodothings-sub000/internal/store"
)

func main() {
	_ = godotenv.Load()
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

	arch, err := archive.NewMinio(ctx, archive.MinioOptions{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("archive connection failed: %v", err)
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	classifier := classify.New(cfg.ClassifierBaseURL, cfg.ClassifierAPIKey, cfg.ClassifierModel, nil)

	pipe := pipeline.New(dataStore, arch, classifier, cfg.UserWorkers, cfg.ScopeWorkers)
	pipe.Indexer = searchService

	googleOAuth := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmailapi.GmailReadonlyScope},
	}
	pipe.Register(gmail.New(googleOAuth, cfg.GmailEndpoint, cfg.MailBackfill))

	var watchlist slack.Watchlist
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisWatchlist, err := slack.NewRedisWatchlist(cfg.RedisURL, cfg.WatchlistTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisWatchlist.Close()
		watchlist = redisWatchlist
	} else {
		log.Printf("WARNING: no Redis configured, slack thread watchlist disabled")
	}
	pipe.Register(slack.New(cfg.SlackAPIBase, cfg.SlackLookback, watchlist, nil))
	pipe.Register(github.New(cfg.GitHubAPIBase, nil))
	pipe.Register(canvas.New(cfg.CanvasBaseURL, arch, nil))

	service := app.NewService(cfg, pipe, dataStore, searchService)

	runCtx, stopRuns := context.WithCancel(ctx)
	go service.RunLoop(runCtx, cfg.SyncInterval)

	httpServer := app.NewHTTPServer(service, cfg.OpsToken)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("syncd listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopRuns()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

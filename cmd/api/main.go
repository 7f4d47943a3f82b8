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

	"maqlexpress/api/internal/app"
	"maqlexpress/api/internal/blob"
	"maqlexpress/api/internal/config"
	"maqlexpress/api/internal/drafts"
	"maqlexpress/api/internal/email"
	"maqlexpress/api/internal/export"
	"maqlexpress/api/internal/gooddata"
	"maqlexpress/api/internal/search"
	"maqlexpress/api/internal/session"
	"maqlexpress/api/internal/store"
	"maqlexpress/api/internal/syncjob"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	for _, name := range applied {
		log.Printf("applied migration %s", name)
	}

	if err := os.MkdirAll(cfg.DraftsDir, 0o755); err != nil {
		log.Fatalf("failed to create drafts dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	deps := app.Deps{
		Store:    dataStore,
		Drafts:   drafts.New(cfg.DraftsDir),
		Exporter: export.NewService(cfg.ChromePath),
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore)
	deps.Search = searchService

	jobStore := syncjob.Store(syncjob.NewMemoryStore())
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh sessions and sync jobs")
		client, err := session.Connect(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer client.Close()
		deps.Sessions = session.NewRedisStoreWithClient(client)
		jobStore = syncjob.NewRedisStore(client)
	} else {
		log.Printf("Using PostgreSQL for refresh sessions")
	}
	jobs := syncjob.NewRunner(jobStore, cfg.GoodDataTimeout)
	deps.Jobs = jobs

	gd, err := gooddata.New(cfg.GoodDataHost, cfg.GoodDataLogin, cfg.GoodDataPassword, cfg.GoodDataTimeout)
	if err != nil {
		log.Fatalf("gooddata client: %v", err)
	}
	if gd.Configured() {
		syncer := gooddata.NewSyncer(gd, dataStore, cfg.SyncSkipPatterns)
		syncer.OnInserted = func(_ context.Context, items []store.Variable) {
			searchService.IndexVariables(items)
		}
		deps.Syncer = syncer
		deps.Metrics = gd
	} else {
		log.Printf("GoodData credentials not set; sync and metric upload disabled")
	}

	if strings.TrimSpace(cfg.MinIOEndpoint) != "" {
		archive, err := blob.New(ctx, blob.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Printf("WARNING: upload archive disabled: %v", err)
		} else {
			deps.Archive = archive
		}
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		deps.Mailer = mailer
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("MAQL Express API listening on %s", cfg.Addr)
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
	if err := jobs.Shutdown(shutdownCtx); err != nil {
		log.Printf("sync jobs did not finish before shutdown: %v", err)
	}
}

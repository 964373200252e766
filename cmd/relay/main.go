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

	"issuebridge/relay/internal/app"
	"issuebridge/relay/internal/attach"
	"issuebridge/relay/internal/config"
	"issuebridge/relay/internal/dedup"
	"issuebridge/relay/internal/github"
	"issuebridge/relay/internal/jira"
	"issuebridge/relay/internal/ledger"
	"issuebridge/relay/internal/search"
	"issuebridge/relay/internal/secrets"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	sec, err := secrets.Load(cfg.SecretsFile)
	if err != nil {
		log.Fatalf("secrets load failed: %v", err)
	}

	db, err := ledger.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := ledger.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	store := ledger.NewPostgresLedger(db)

	mappings, err := config.LoadMappings(cfg.MappingsFile)
	if err != nil {
		log.Fatalf("mappings load failed: %v", err)
	}

	jiraClient := jira.NewClient(cfg.JiraBaseURL, sec.JiraEmail, sec.JiraAPIToken, cfg.HTTPTimeout)
	githubClient := github.NewClient(cfg.GitHubAPIURL, cfg.GitHubOwner, cfg.GitHubRepo, sec.GitHubToken, cfg.HTTPTimeout)

	var attachments *attach.Relocator
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		attachments, err = attach.NewRelocator(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL, jiraClient)
		if err != nil {
			log.Fatalf("object storage init failed: %v", err)
		}
		if err := attachments.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: attachment bucket unavailable, links will degrade: %v", err)
		}
	} else {
		log.Printf("Attachment relocation disabled")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	var deliveries *dedup.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for delivery dedup")
		deliveries, err = dedup.NewRedisStore(cfg.RedisURL, cfg.DedupWindow)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer deliveries.Close()
	} else {
		log.Printf("Delivery dedup disabled, relying on ledger constraints")
	}

	service := app.New(cfg, mappings, store, jiraClient, githubClient, attachments, searchService)

	if cfg.RetentionDays > 0 {
		go purgeLoop(ctx, store, searchService)
	}

	httpServer := app.NewHTTPServer(service, sec, deliveries)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Issue relay listening on %s", cfg.Addr)
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
}

// purgeLoop drops sync records past their retention window. Expired
// records only stop replay suppression for deliveries older than the
// window, which trackers no longer resend.
func purgeLoop(ctx context.Context, store *ledger.PostgresLedger, searchService *search.Service) {
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()
	for {
		purgeCtx, cancel := context.WithTimeout(ctx, time.Minute)
		purged, err := store.PurgeExpired(purgeCtx)
		cancel()
		if err != nil {
			log.Printf("relay: purge expired records: %v", err)
		} else if len(purged) > 0 {
			for _, key := range purged {
				searchService.DeleteRecord(key)
			}
			log.Printf("relay: purged %d expired sync records", len(purged))
		}
		<-ticker.C
	}
}

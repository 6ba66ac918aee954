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

	"masterflow/api/internal/app"
	"masterflow/api/internal/config"
	"masterflow/api/internal/email"
	"masterflow/api/internal/export"
	"masterflow/api/internal/flow"
	"masterflow/api/internal/masterflow"
	"masterflow/api/internal/notify"
	"masterflow/api/internal/quorum"
	"masterflow/api/internal/store"
)

type backend interface {
	flow.Repository
	flow.TemplateProvider
	export.Source
	Ping(ctx context.Context) error
	ListMasterflows(ctx context.Context, tenantID string) ([]store.Masterflow, error)
	UpsertMasterflow(ctx context.Context, template store.Masterflow) error
	ListAuditEvents(ctx context.Context, tenantID, documentID string) ([]store.AuditEvent, error)
	RememberEmail(ctx context.Context, tenantID, userID, email string) error
	EmailFor(ctx context.Context, tenantID, userID string) (string, error)
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	ctx := context.Background()

	var dataStore backend
	if cfg.Store == config.StoreMemory {
		log.Printf("Using in-memory store; state is lost on restart")
		dataStore = store.NewMemoryStore(cfg.LockTimeout)
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL, cfg.StoreTimeout)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		dataStore = store.NewPostgresStore(db, cfg.LockTimeout)
	}

	if strings.TrimSpace(cfg.FlowsFile) != "" {
		flows, err := masterflow.LoadFile(cfg.FlowsFile, cfg.DefaultTenant)
		if err != nil {
			log.Fatalf("masterflow load failed: %v", err)
		}
		if err := masterflow.Seed(ctx, dataStore, flows); err != nil {
			log.Fatalf("masterflow seed failed: %v", err)
		}
	}

	notifiers := notify.Fanout{notify.Log{}}
	checks := map[string]app.Check{}
	var publisher *notify.RedisPublisher
	if strings.TrimSpace(cfg.RedisURL) != "" {
		var err error
		publisher, err = notify.NewRedisPublisher(cfg.RedisURL, cfg.EventsChannel)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
		checks["events"] = publisher.Ping
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		AppURL:   cfg.AppURL,
	})
	if mailer.IsConfigured() {
		log.Printf("Email notifications enabled via %s", cfg.SMTPHost)
		notifiers = append(notifiers, email.NewNotifier(mailer, dataStore))
	}
	async := notify.NewAsync(notifiers, cfg.NotifyTimeout)

	threshold, _ := cfg.MajorityThreshold()
	controller := flow.NewController(dataStore, dataStore, flow.Options{
		Quorum:        quorum.Evaluator{Majority: threshold},
		Notifier:      async,
		Timeout:       cfg.StoreTimeout,
		NotifyTimeout: cfg.NotifyTimeout,
	})

	exportOpts := export.Options{
		Aggregator: controller.Aggregator(),
		PDF:        export.ChromePDF(cfg.ChromePath, 0),
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archive, err := export.NewMinioArchive(ctx, export.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("certificate archive init failed: %v", err)
		}
		exportOpts.Archive = archive
	}

	opts := app.Options{
		Certificates: export.NewService(dataStore, exportOpts),
		Directory:    dataStore,
		Checks:       checks,
	}
	if publisher != nil {
		opts.History = publisher
	}
	service := app.New(cfg, dataStore, controller, opts)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Masterflow API listening on %s", cfg.Addr)
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
	if err := async.Close(shutdownCtx); err != nil {
		log.Printf("notification drain error: %v", err)
	}
}

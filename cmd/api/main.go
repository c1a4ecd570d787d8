package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"muse/api/internal/app"
	"muse/api/internal/config"
	"muse/api/internal/export"
	"muse/api/internal/gitrepo"
	"muse/api/internal/realtime"
	"muse/api/internal/search"
	"muse/api/internal/store"
	"muse/api/internal/util"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "muse-api",
		Short:        "Collaborative document service with tracked suggestions",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and realtime server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	})

	var statusOnly bool
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrate(cmd.Context(), statusOnly)
		},
	}
	migrateCmd.Flags().BoolVar(&statusOnly, "status", false, "list migrations without applying them")
	root.AddCommand(migrateCmd)
	return root
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

func migrate(ctx context.Context, statusOnly bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if !statusOnly {
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}
	statuses, err := store.Migrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	for _, status := range statuses {
		state := "pending"
		if status.Applied {
			state = "applied"
		}
		fmt.Printf("%-40s %s\n", status.Version, state)
	}
	return nil
}

func serve(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		searchService.ReindexAllFromPG(ctx, pgfts)
	}

	var artifacts export.ArtifactStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := export.NewMinioStore(ctx, export.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			URLExpiry: cfg.ExportURLTTL,
		})
		if err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
		artifacts = minioStore
		log.Printf("Storing export artifacts in bucket %s", cfg.MinioBucket)
	}

	var presenceStore realtime.PresenceStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := realtime.NewRedisStore(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		presenceStore = redisStore
		log.Printf("Sharing presence through Redis")
	}
	hub := realtime.NewHub(presenceStore, instanceID(), cfg.CORSOrigin)

	service, err := app.New(cfg, dataStore, gitService, hub, searchService, artifacts)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Muse API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := service.Close(shutdownCtx); err != nil {
			log.Printf("closing sessions: %v", err)
		}
		searchService.Wait()
		return nil
	})
	return g.Wait()
}

// instanceID tells this process's presence frames apart from other
// instances sharing the Redis channel.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return util.NewID("api")
	}
	return host + "-" + util.NewID("api")
}

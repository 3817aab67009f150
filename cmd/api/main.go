package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ccsync/api/internal/app"
	"ccsync/api/internal/archive"
	"ccsync/api/internal/config"
	"ccsync/api/internal/envelope"
	"ccsync/api/internal/persist"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if cfg.APIKey == "CHANGE_ME" {
		log.Printf("WARNING: SYNC_API_KEY is unset; using the default key")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	// A missing or unreadable key disables the encrypted flush path but
	// never blocks startup.
	env, err := envelope.Load(filepath.Join(cfg.DataDir, ".sync-key"), cfg.KeyPassphrase)
	if err != nil {
		log.Printf("WARNING: encryption disabled: %v", err)
		env = nil
	}

	pm := persist.New(cfg.DataDir, cfg.BackupKeep, env)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		mirror, err := persist.NewRedisMirror(cfg.RedisURL, 24*time.Hour)
		if err != nil {
			log.Printf("WARNING: redis mirror disabled: %v", err)
		} else {
			log.Printf("Mirroring snapshots to Redis")
			defer mirror.Close()
			pm.SetMirror(mirror)
		}
	}

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		uploader, err := persist.NewObjectMirror(ctx, persist.ObjectConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Printf("WARNING: backup mirror disabled: %v", err)
		} else {
			log.Printf("Mirroring backups to %s/%s", cfg.S3Endpoint, cfg.S3Bucket)
			pm.SetUploader(uploader)
		}
	}

	service := app.NewService(cfg, pm)

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pg, err := archive.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("WARNING: event archive disabled: %v", err)
		} else if err := pg.EnsureSchema(ctx); err != nil {
			log.Printf("WARNING: event archive disabled: %v", err)
			pg.Close()
		} else {
			log.Printf("Archiving events to Postgres")
			defer pg.Close()
			service.SetArchiver(pg)
		}
	}

	pm.RotateBackups()
	service.StartTimers()

	httpServer := app.NewHTTPServer(service, cfg.APIKey, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// SSE connections stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Sync API listening on %s", cfg.Addr)
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

	service.Stop()
	service.FlushAll()
	log.Printf("state flushed, exiting")
}

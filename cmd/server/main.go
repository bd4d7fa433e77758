package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/clearscan/ocr-service/api"
	"github.com/clearscan/ocr-service/internal/auth"
	"github.com/clearscan/ocr-service/internal/config"
	"github.com/clearscan/ocr-service/internal/db"
	"github.com/clearscan/ocr-service/internal/engine"
	"github.com/clearscan/ocr-service/internal/langdata"
	"github.com/clearscan/ocr-service/internal/ocr"
	"github.com/clearscan/ocr-service/internal/storage"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	registry := langdata.NewRegistry(cfg.Engine.DataPath, cfg.Engine.DefaultLanguage)
	if err := registry.CheckDefault(); err != nil {
		// Startup-readiness failure, not a crash: the health probe reports
		// degraded until the operator installs the trained data.
		log.Printf("Warning: default language unavailable: %v", err)
	}

	pool, err := engine.NewPool(engine.PoolConfig{
		Size:             cfg.Engine.Instances(),
		DefaultLanguages: []string{cfg.Engine.DefaultLanguage},
		AcquireTimeout:   cfg.Engine.AcquireTimeout(),
		ShutdownGrace:    cfg.Engine.ShutdownGrace(),
	}, engine.TesseractFactory(cfg.Engine.DataPath))
	if err != nil {
		log.Fatalf("Failed to initialize engine pool: %v", err)
	}
	log.Printf("Engine pool initialized with %d instance(s)", cfg.Engine.Instances())

	validator := ocr.NewValidator(cfg.Server.UploadMaxSize, cfg.Server.UploadLimitEnabled)
	service := ocr.NewService(registry, pool, validator)

	ctx := context.Background()

	var archive *db.Archive
	if cfg.Database.URL != "" {
		archive, err = db.Connect(ctx, cfg.Database)
		if err != nil {
			log.Printf("Warning: database not available: %v", err)
			log.Println("Running without recognition-record archive")
		} else {
			defer archive.Close()
			if err := archive.EnsureSchema(ctx); err != nil {
				log.Printf("Warning: %v", err)
			}
			log.Println("Recognition-record archive initialized")
		}
	}

	var store *storage.Store
	if cfg.Storage.Endpoint != "" {
		store, err = storage.Connect(ctx, cfg.Storage)
		if err != nil {
			log.Printf("Warning: object storage not available: %v", err)
			log.Println("Uploads will not be archived")
		} else {
			log.Println("Upload archive initialized")
		}
	}

	handler := api.NewHandler(cfg, service, registry, pool, archive, store)
	router := handler.SetupRoutes()

	var root http.Handler = router
	if cfg.Auth.Enabled {
		root = auth.Middleware(cfg.Auth.Secret)(router)
		log.Println("Bearer-token authentication enabled")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      root,
		ReadTimeout:  cfg.Server.RequestTimeout(),
		WriteTimeout: cfg.Server.RequestTimeout(),
	}

	log.Printf("Starting OCR Service v%s on %s", api.Version, addr)
	log.Printf("Trained data path: %s (default language %q)", cfg.Engine.DataPath, cfg.Engine.DefaultLanguage)
	log.Printf("Endpoints:")
	log.Printf("  POST http://%s/v1/images     - Recognize text in an image", addr)
	log.Printf("  GET  http://%s/v1/languages  - List available trained models", addr)
	log.Printf("  GET  http://%s/health        - Health check", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-stop:
		log.Printf("Received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: server shutdown: %v", err)
	}
	if err := pool.Close(); err != nil {
		log.Printf("Warning: engine pool shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}

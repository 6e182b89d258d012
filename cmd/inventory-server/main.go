package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	inventorylens "github.com/menta2k/inventory-lens"
	"github.com/menta2k/inventory-lens/internal/config"
	"github.com/menta2k/inventory-lens/internal/server"
	"github.com/menta2k/inventory-lens/internal/store"
	"github.com/menta2k/inventory-lens/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "JSON config file (default: "+config.GetConfigPath()+" when present)")
	flag.Parse()

	if configPath == "" && utils.FileExists(config.GetConfigPath()) {
		configPath = config.GetConfigPath()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := utils.EnsureDir(cfg.Store.ImageDir); err != nil {
		log.Fatalf("Failed to create image directory: %v", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	items, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open item store: %v", err)
	}
	defer items.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(logger)
	go hub.Run(ctx)

	lens, err := inventorylens.New(cfg,
		inventorylens.WithLogger(logger),
		inventorylens.WithStore(items),
		inventorylens.WithEventHandler(hub.BroadcastEvent),
	)
	if err != nil {
		log.Fatal(err)
	}
	if err := lens.CheckConfig(); err != nil {
		// The server still serves stored items; analysis requests report the missing key
		logger.Printf("WARN %v", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.New(lens, hub, cfg.Server, cfg.Store.ImageDir, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("INFO inventory-lens %s listening on %s", inventorylens.Version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("ERROR server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Printf("INFO shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("ERROR shutdown: %v", err)
	}
}

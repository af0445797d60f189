package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"token_console/internal/backend"
	"token_console/internal/config"
	"token_console/internal/httpapi"
	"token_console/internal/jobs"
	"token_console/internal/logbus"
	"token_console/internal/notify"
	"token_console/internal/registry"
	"token_console/internal/session"
	"token_console/internal/store/sqlite"
	"token_console/internal/toast"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	bus := logbus.New(200)
	bus.Log("info", "server starting", map[string]any{
		"addr":    cfg.Server.Addr,
		"backend": cfg.Backend.BaseURL,
	})

	ctx := context.Background()
	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	client := backend.New(cfg.Backend, cfg.Limits, bus)
	gate := session.NewGate(store, client, bus)
	notifier := toast.New(bus, cfg.Toast.Duration())
	mailer := notify.NewEmailNotifier(store, bus, notify.EmailOptions{SummaryWindow: cfg.Notify.SummaryWindow()})

	view := registry.New(registry.Options{
		API:             client,
		Credentials:     gate,
		Notifier:        notifier,
		Bus:             bus,
		PageSizes:       cfg.Registry.PageSizes,
		DefaultPageSize: cfg.Registry.DefaultPageSize,
	})
	manager := jobs.New(jobs.Options{
		API:         client,
		Credentials: gate,
		Toast:       notifier,
		Registry:    view,
		Notifier:    mailer,
		Bus:         bus,
		Jobs:        cfg.Jobs,
	})

	api := httpapi.New(httpapi.Options{
		Cfg:      cfg,
		Bus:      bus,
		Store:    store,
		Session:  gate,
		Registry: view,
		Jobs:     manager,
		Toast:    notifier,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		bus.Log("info", "shutdown signal received", map[string]any{"signal": sig.String()})
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			bus.Log("error", "http server error", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	_ = manager.Close(shutdownCtx)
	_ = mailer.Close(shutdownCtx)
	bus.Log("info", "server stopped", nil)
	bus.Close()
}

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
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stj/pkg/bus"
	"stj/pkg/telemetry"
	"stj/services/api"
	"stj/services/delivery"
	"stj/services/directory"
	"stj/services/enroll"
	"stj/services/mdm"
	"stj/services/profiles"
)

func main() {
	if err := run("stj-api"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	client, err := mdm.NewClientFromEnv(mdm.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init mdm client: %w", err)
	}
	dirStore, err := directory.NewStoreFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("init subscriber directory: %w", err)
	}
	catalog, err := profiles.LoadCatalog(os.Getenv("POLICY_CATALOG"))
	if err != nil {
		return fmt.Errorf("load policy catalog: %w", err)
	}

	opts := []enroll.Option{enroll.WithLogger(logger)}

	if os.Getenv("PROFILE_BUCKET") != "" {
		store, err := profiles.NewStoreFromEnv(ctx)
		if err != nil {
			return fmt.Errorf("init profile store: %w", err)
		}
		opts = append(opts, enroll.WithProfileStore(store))
	}

	if os.Getenv("SES_FROM") != "" {
		channel, err := delivery.NewEmailChannelFromEnv(ctx)
		if err != nil {
			return fmt.Errorf("init delivery channel: %w", err)
		}
		opts = append(opts, enroll.WithDeliveryChannel(channel))
	}

	eventBus, err := bus.NewFromEnv(serviceName)
	if err != nil {
		return fmt.Errorf("init bus: %w", err)
	}
	if eventBus != nil {
		defer eventBus.Close()
		opts = append(opts, enroll.WithBus(eventBus))
	}

	coordinator := enroll.NewCoordinator(client, enroll.NewDirectory(dirStore), catalog, opts...)

	apiServer, err := api.New(coordinator, dirStore, catalog, logger)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	routes, err := apiServer.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", routes)

	server := &http.Server{
		Addr:    ":8080",
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stj/pkg/bus"
	"stj/pkg/telemetry"
	"stj/services/delivery"
)

// stj-delivery drains queued delivery requests from the bus and sends them
// over email. Coordinators publish here when they run with a bus attached
// instead of a direct channel.
func main() {
	if err := run("stj-delivery"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, _, logger, err := telemetry.Init(ctx, serviceName)
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

	channel, err := delivery.NewEmailChannelFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("init email channel: %w", err)
	}

	eventBus, err := bus.NewFromEnv(serviceName)
	if err != nil {
		return fmt.Errorf("init bus: %w", err)
	}
	if eventBus == nil {
		return errors.New("NATS_URL is required")
	}
	defer eventBus.Close()

	sub, err := eventBus.Subscribe(ctx, delivery.SubjectRequested, serviceName,
		func(ctx context.Context, data []byte) error {
			var msg delivery.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Printf("ERROR drop undecodable delivery request: %v", err)
				return nil
			}

			status, err := channel.Deliver(ctx, msg)
			if err != nil {
				logger.Printf("WARN delivery to %s failed: %v", msg.Contact, err)
				return err
			}
			logger.Printf("INFO delivered to %s (%s)", msg.Contact, status)
			return nil
		})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", delivery.SubjectRequested, err)
	}
	defer sub.Close()

	logger.Printf("INFO consuming %s", delivery.SubjectRequested)
	<-ctx.Done()
	return nil
}

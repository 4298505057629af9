// Package main runs the ingest validator process: it consumes match
// messages, test-creates the record API entry from the uploaded metadata,
// and forwards the outcome to the project validator (spec §4.2).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/climb-tre/roz/internal/bus"
	"github.com/climb-tre/roz/internal/config"
	"github.com/climb-tre/roz/internal/envelope"
	"github.com/climb-tre/roz/internal/healthserver"
	"github.com/climb-tre/roz/internal/ingest"
	"github.com/climb-tre/roz/internal/matcher"
	"github.com/climb-tre/roz/internal/objectstore"
	"github.com/climb-tre/roz/internal/recordapi"
)

const (
	version = "1.0.0-dev"
	name    = "ingest"

	matchQueue   = "ingest.matches"
	matchRouting = "matches.#"

	// prefetchCount follows spec §4.5: ingest's consumer prefetch is tuned
	// considerably higher than the matcher's single-slot prefetch since each
	// match handled here is a single HTTP round trip rather than a durable
	// state mutation.
	prefetchCount = 16
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	if err := run(logger); err != nil {
		logger.Error("ingest validator exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	logger.Info("starting ingest validator", slog.String("version", version))

	ctx := context.Background()

	objects, err := objectstore.NewClient(ctx,
		config.GetEnvStr("ROZ_S3_ENDPOINT", ""),
		config.GetEnvBool("ROZ_S3_PATH_STYLE", false))
	if err != nil {
		return fmt.Errorf("building object store client: %w", err)
	}

	recordAPIURL, err := config.RequireEnv("ROZ_RECORDAPI_URL")
	if err != nil {
		return err
	}

	recordAPIToken, err := config.RequireEnv("ROZ_RECORDAPI_TOKEN")
	if err != nil {
		return err
	}

	records := recordapi.NewClient(recordAPIURL, recordAPIToken)

	amqpURL, err := config.RequireEnv("ROZ_AMQP_URL")
	if err != nil {
		return err
	}

	conn, err := bus.NewConnection(amqpURL)
	if err != nil {
		return fmt.Errorf("connecting to message bus: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.DeclareQueue(matcher.MatchExchange, matchQueue, matchRouting); err != nil {
		return fmt.Errorf("declaring match queue: %w", err)
	}

	if err := conn.DeclareQueue(ingest.ToValidateExchange, ingest.ToValidateExchange+".dispatch", "#"); err != nil {
		return fmt.Errorf("declaring to-validate exchange: %w", err)
	}

	v := ingest.NewValidator(objects, records, conn)
	v.Logger = logger

	health := healthserver.New(config.GetEnvStr("ROZ_HEALTH_ADDR", ":8080"), logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	healthErrors := make(chan error, 1)
	go func() { healthErrors <- health.Start() }()

	consumeErrors := make(chan error, 1)

	go func() {
		consumeErrors <- conn.Consume(runCtx, matchQueue, prefetchCount, func(d bus.Delivery) {
			handleDelivery(runCtx, v, logger, d)
		})
	}()

	select {
	case <-stop:
		logger.Info("received shutdown signal")
		cancel()

		return nil
	case err := <-consumeErrors:
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return fmt.Errorf("consuming match messages: %w", err)
	case err := <-healthErrors:
		return fmt.Errorf("health server: %w", err)
	}
}

func handleDelivery(ctx context.Context, v *ingest.Validator, logger *slog.Logger, d bus.Delivery) {
	var msg envelope.MatchMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		logger.Error("malformed match message, dropping", slog.String("error", err.Error()))
		_ = d.Ack()

		return
	}

	payload, err := v.HandleMatch(ctx, msg)
	if err != nil {
		if errors.Is(err, ingest.ErrMissingMetadataCSV) {
			logger.Error("match message rejected, dropping", slog.String("error", err.Error()))
			_ = d.Ack()

			return
		}

		logger.Error("ingest validation failed, requeueing", slog.String("error", err.Error()))
		_ = d.Nack(true)

		return
	}

	if err := v.Publish(ctx, payload); err != nil {
		logger.Error("publishing validation payload failed, requeueing", slog.String("error", err.Error()))
		_ = d.Nack(true)

		return
	}

	_ = d.Ack()
}

// Package main runs the result publisher: a thin always-on subscriber that
// mirrors every message on every stage's result exchange into a structured
// JSON-lines audit log, for operators without direct broker tooling (spec
// §4, §9). It never acts on a message's outcome itself — every stage
// publishes its own result and new-artifact notifications; this process
// only observes them.
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
	"github.com/climb-tre/roz/internal/pvalidator"
)

const (
	version = "1.0.0-dev"
	name    = "resultpublisher"

	resultsQueue      = "resultpublisher.results"
	newArtifactQueue  = "resultpublisher.new_artifact"
	allRoutingKeys    = "#"
	publisherPrefetch = 16
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
		logger.Error("result publisher exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	logger.Info("starting result publisher", slog.String("version", version))

	amqpURL, err := config.RequireEnv("ROZ_AMQP_URL")
	if err != nil {
		return err
	}

	conn, err := bus.NewConnection(amqpURL)
	if err != nil {
		return fmt.Errorf("connecting to message bus: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.DeclareQueue(pvalidator.ResultExchange, resultsQueue, allRoutingKeys); err != nil {
		return fmt.Errorf("declaring results audit queue: %w", err)
	}

	if err := conn.DeclareQueue(pvalidator.NewArtifactExchange, newArtifactQueue, allRoutingKeys); err != nil {
		return fmt.Errorf("declaring new-artifact audit queue: %w", err)
	}

	audit := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("audit", "true"))

	health := healthserver.New(config.GetEnvStr("ROZ_HEALTH_ADDR", ":8080"), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	healthErrors := make(chan error, 1)
	go func() { healthErrors <- health.Start() }()

	resultErrors := make(chan error, 1)
	go func() {
		resultErrors <- conn.Consume(ctx, resultsQueue, publisherPrefetch, func(d bus.Delivery) {
			auditResult(audit, logger, d)
		})
	}()

	newArtifactErrors := make(chan error, 1)
	go func() {
		newArtifactErrors <- conn.Consume(ctx, newArtifactQueue, publisherPrefetch, func(d bus.Delivery) {
			auditNewArtifact(audit, logger, d)
		})
	}()

	select {
	case <-stop:
		logger.Info("received shutdown signal")
		cancel()

		return nil
	case err := <-resultErrors:
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return fmt.Errorf("consuming results: %w", err)
	case err := <-newArtifactErrors:
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return fmt.Errorf("consuming new artifact notifications: %w", err)
	case err := <-healthErrors:
		return fmt.Errorf("health server: %w", err)
	}
}

func auditResult(audit, logger *slog.Logger, d bus.Delivery) {
	var result envelope.ResultMessage
	if err := json.Unmarshal(d.Body, &result); err != nil {
		logger.Error("malformed result message, dropping", slog.String("error", err.Error()))
		_ = d.Ack()

		return
	}

	audit.Info("stage result",
		slog.String("stage", result.Stage),
		slog.String("artifact_key", result.Payload.ArtifactKey),
		slog.String("project", result.Payload.Project),
		slog.String("site", result.Payload.Site),
		slog.Bool("succeeded", result.Succeeded),
		slog.Bool("alert", result.Alert),
		slog.Time("timestamp", result.Timestamp))

	_ = d.Ack()
}

func auditNewArtifact(audit, logger *slog.Logger, d bus.Delivery) {
	var notification envelope.NewArtifactNotification
	if err := json.Unmarshal(d.Body, &notification); err != nil {
		logger.Error("malformed new artifact notification, dropping", slog.String("error", err.Error()))
		_ = d.Ack()

		return
	}

	audit.Info("new artifact",
		slog.String("climb_id", notification.ClimbID),
		slog.String("site", notification.Site),
		slog.String("match_uuid", notification.MatchUUID),
		slog.Time("ingest_timestamp", notification.IngestTimestamp))

	_ = d.Ack()
}

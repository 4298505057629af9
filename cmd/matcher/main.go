// Package main runs the matcher process: it consumes raw object-upload
// events, groups them into submissions, and dispatches a match message once
// a submission's required file set is complete (spec §4.1).
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
	"time"

	"github.com/climb-tre/roz/internal/bus"
	"github.com/climb-tre/roz/internal/config"
	"github.com/climb-tre/roz/internal/envelope"
	"github.com/climb-tre/roz/internal/fileset"
	"github.com/climb-tre/roz/internal/healthserver"
	"github.com/climb-tre/roz/internal/matcher"
	"github.com/climb-tre/roz/internal/matcherstore"
	"github.com/climb-tre/roz/internal/objectstore"
	"github.com/climb-tre/roz/internal/pipelineconfig"
	"github.com/climb-tre/roz/internal/recordapi"
	"github.com/climb-tre/roz/internal/storage"
)

const (
	version = "1.0.0-dev"
	name    = "matcher"

	uploadExchange = "inbound.uploads"
	uploadQueue    = "matcher.uploads"
	uploadRouting  = "uploads.#"
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
		logger.Error("matcher exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	logger.Info("starting matcher", slog.String("version", version))

	pipelineCfg, err := pipelineconfig.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("loading pipeline configuration: %w", err)
	}

	dbConn, err := storage.NewConnection(storage.LoadConfig())
	if err != nil {
		return fmt.Errorf("connecting to submission store: %w", err)
	}
	defer func() { _ = dbConn.Close() }()

	sweepInterval := config.GetEnvDuration("ROZ_MATCHER_SWEEP_INTERVAL", time.Hour)

	store, err := matcherstore.NewPostgres(dbConn, sweepInterval)
	if err != nil {
		return fmt.Errorf("building submission store: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	objects, err := objectstore.NewClient(ctx,
		config.GetEnvStr("ROZ_S3_ENDPOINT", ""),
		config.GetEnvBool("ROZ_S3_PATH_STYLE", false))
	if err != nil {
		return fmt.Errorf("building object store client: %w", err)
	}

	amqpURL, err := config.RequireEnv("ROZ_AMQP_URL")
	if err != nil {
		return err
	}

	conn, err := bus.NewConnection(amqpURL)
	if err != nil {
		return fmt.Errorf("connecting to message bus: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.DeclareQueue(uploadExchange, uploadQueue, uploadRouting); err != nil {
		return fmt.Errorf("declaring upload queue: %w", err)
	}

	if err := conn.DeclareQueue(matcher.MatchExchange, matcher.MatchExchange+".dispatch", "matches.#"); err != nil {
		return fmt.Errorf("declaring match exchange: %w", err)
	}

	m := matcher.NewMatcher(store, objects, pipelineCfg, conn)
	m.Logger = logger

	if recordAPIURL := config.GetEnvStr("ROZ_RECORDAPI_URL", ""); recordAPIURL != "" {
		token, err := config.RequireEnv("ROZ_RECORDAPI_TOKEN")
		if err != nil {
			return err
		}

		m.Records = recordapi.NewClient(recordAPIURL, token)
	}

	health := healthserver.New(config.GetEnvStr("ROZ_HEALTH_ADDR", ":8080"), logger)
	health.AddCheck("submission_store", store.HealthCheck)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	healthErrors := make(chan error, 1)
	go func() { healthErrors <- health.Start() }()

	consumeErrors := make(chan error, 1)

	go func() {
		consumeErrors <- conn.Consume(runCtx, uploadQueue, 1, func(d bus.Delivery) {
			handleDelivery(runCtx, m, logger, d)
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

		return fmt.Errorf("consuming upload events: %w", err)
	case err := <-healthErrors:
		return fmt.Errorf("health server: %w", err)
	}
}

func handleDelivery(ctx context.Context, m *matcher.Matcher, logger *slog.Logger, d bus.Delivery) {
	var event envelope.UploadEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		logger.Error("malformed upload event, dropping", slog.String("error", err.Error()))
		_ = d.Ack()

		return
	}

	err := m.HandleUploadEvent(ctx, event)
	if err == nil {
		_ = d.Ack()

		return
	}

	if ackable(err) {
		logger.Error("upload event rejected, dropping", slog.String("error", err.Error()))
		_ = d.Ack()

		return
	}

	logger.Error("upload event processing failed, requeueing", slog.String("error", err.Error()))
	_ = d.Nack(true)
}

// ackable reports whether err is a User or Data-integrity classified
// failure (spec §7): these are terminal for the message and it should be
// dropped rather than redelivered. Anything else is treated as Transient.
func ackable(err error) bool {
	return errors.Is(err, matcher.ErrSiteNotAllowed) ||
		errors.Is(err, matcher.ErrRecordAlreadyPublished) ||
		errors.Is(err, fileset.ErrMalformedBucket) ||
		errors.Is(err, fileset.ErrMalformedKey) ||
		errors.Is(err, fileset.ErrInvalidEnv) ||
		errors.Is(err, fileset.ErrBucketKeyMismatch) ||
		errors.Is(err, objectstore.ErrETagMismatch)
}

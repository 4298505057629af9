// Package main runs a project validator process: a bounded worker pool of
// validations for a single project, each running the project's workflow,
// creating the record, publishing artifacts, and reporting the outcome
// (spec §4.3, §5 "Scheduling model"). The concrete per-project behaviour is
// supplied through the internal/project plugin registry, selected by the
// ROZ_PROJECT environment variable.
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
	"strings"
	"syscall"

	"github.com/climb-tre/roz/internal/bus"
	"github.com/climb-tre/roz/internal/config"
	"github.com/climb-tre/roz/internal/envelope"
	"github.com/climb-tre/roz/internal/healthserver"
	"github.com/climb-tre/roz/internal/ingest"
	"github.com/climb-tre/roz/internal/objectstore"
	"github.com/climb-tre/roz/internal/project"
	"github.com/climb-tre/roz/internal/project/mpx"
	"github.com/climb-tre/roz/internal/project/pathsafe"
	"github.com/climb-tre/roz/internal/pvalidator"
	"github.com/climb-tre/roz/internal/recordapi"
	"github.com/climb-tre/roz/internal/workerpool"
)

const (
	version = "1.0.0-dev"
	name    = "validator"

	// defaultWorkers matches spec §5's default n_workers.
	defaultWorkers = 5

	// defaultMaxRetries is the hard cap on in-process attempts (the first
	// included) of a single validation; the attempt that reaches it nacks
	// the triggering delivery for broker-level redelivery (spec §9
	// "Callback-driven worker pool").
	defaultMaxRetries = 3
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
		logger.Error("project validator exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	logger.Info("starting project validator", slog.String("version", version))

	projectName, err := config.RequireEnv("ROZ_PROJECT")
	if err != nil {
		return err
	}

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

	registry, err := buildRegistry(projectName, objects)
	if err != nil {
		return err
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

	workers := config.GetEnvInt("ROZ_VALIDATOR_WORKERS", defaultWorkers)

	queue := fmt.Sprintf("validator.%s", projectName)
	routingKey := fmt.Sprintf("%s.#", projectName)

	if err := conn.DeclareQueue(ingest.ToValidateExchange, queue, routingKey); err != nil {
		return fmt.Errorf("declaring to-validate queue: %w", err)
	}

	if err := conn.DeclareQueue(pvalidator.ResultExchange, pvalidator.ResultExchange+".dispatch", "#"); err != nil {
		return fmt.Errorf("declaring result exchange: %w", err)
	}

	if err := conn.DeclareQueue(pvalidator.NewArtifactExchange, pvalidator.NewArtifactExchange+".dispatch", "#"); err != nil {
		return fmt.Errorf("declaring new-artifact exchange: %w", err)
	}

	v := pvalidator.NewValidator(registry, objects, records, conn)
	v.Logger = logger

	health := healthserver.New(config.GetEnvStr("ROZ_HEALTH_ADDR", ":8080"), logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	healthErrors := make(chan error, 1)
	go func() { healthErrors <- health.Start() }()

	pool := workerpool.New(workers, defaultMaxRetries, func(error) bool { return true })
	tasks := make(chan workerpool.Task)

	poolErrors := make(chan error, 1)
	go func() { poolErrors <- pool.Run(runCtx, tasks) }()

	consumeErrors := make(chan error, 1)

	go func() {
		consumeErrors <- conn.Consume(runCtx, queue, workers, func(d bus.Delivery) {
			dispatch(runCtx, v, logger, tasks, d)
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

		return fmt.Errorf("consuming validation payloads: %w", err)
	case err := <-poolErrors:
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return fmt.Errorf("worker pool stopped: %w", err)
	case err := <-healthErrors:
		return fmt.Errorf("health server: %w", err)
	}
}

// dispatch decodes one delivery and hands it to the worker pool. Sending on
// tasks blocks until a worker slot is free, which is exactly the dispatcher
// behaviour spec §5 calls for: the consumer loop refuses to pull its next
// delivery until capacity exists.
func dispatch(ctx context.Context, v *pvalidator.Validator, logger *slog.Logger, tasks chan<- workerpool.Task, d bus.Delivery) {
	var payload envelope.ValidationPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		logger.Error("malformed validation payload, dropping", slog.String("error", err.Error()))
		_ = d.Ack()

		return
	}

	task := func(ctx context.Context, attempt int) error {
		return processPayload(ctx, v, logger, payload, attempt, d)
	}

	select {
	case tasks <- task:
	case <-ctx.Done():
	}
}

func processPayload(
	ctx context.Context, v *pvalidator.Validator, logger *slog.Logger,
	payload envelope.ValidationPayload, attempt int, d bus.Delivery,
) error {
	result, err := v.HandleValidated(ctx, payload)
	if err != nil {
		if attempt >= defaultMaxRetries {
			logger.Error("validation failed after max retries, requeueing",
				slog.String("artifact_key", payload.ArtifactKey), slog.String("error", err.Error()))
			_ = d.Nack(true)
		}

		return err
	}

	if pubErr := v.PublishResult(ctx, result); pubErr != nil {
		return fmt.Errorf("publishing result: %w", pubErr)
	}

	if result.Succeeded {
		if pubErr := v.PublishNewArtifact(ctx, result.Payload); pubErr != nil {
			return fmt.Errorf("publishing new artifact notification: %w", pubErr)
		}
	}

	_ = d.Ack()

	return nil
}

func buildRegistry(projectName string, objects objectstore.Store) (*project.Registry, error) {
	switch projectName {
	case "pathsafe":
		platforms := config.GetEnvStrSlice("ROZ_PATHSAFE_PLATFORMS", []string{"ont"})
		command, err := config.RequireEnv("ROZ_WORKFLOW_COMMAND")
		if err != nil {
			return nil, err
		}

		args := strings.Fields(config.GetEnvStr("ROZ_WORKFLOW_ARGS", ""))
		assemblyBucket, err := config.RequireEnv("ROZ_ASSEMBLY_BUCKET")
		if err != nil {
			return nil, err
		}

		resultDir := config.GetEnvStr("ROZ_WORKFLOW_RESULT_DIR", "/var/lib/roz/workflow-results")

		validators := make([]project.Validator, 0, len(platforms))
		for _, platform := range platforms {
			validators = append(validators, pathsafe.NewValidator(platform, command, args, objects, assemblyBucket, resultDir))
		}

		return project.NewRegistry(validators...), nil
	default:
		platforms := config.GetEnvStrSlice("ROZ_MPX_PLATFORMS", []string{"illumina", "ont"})

		return project.NewRegistry(mpx.NewValidator(objects, platforms...)), nil
	}
}

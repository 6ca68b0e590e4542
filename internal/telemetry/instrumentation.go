package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attributes that feed metrics must come from a bounded set: operation
// names, statuses, categories and the client type. File names, URLs, task ids
// and claim tokens belong in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named after the operation.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, operationName, trace.WithAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(attribute.String("status", statusOf(err)))

	return err
}

// InstrumentDBOperation instruments metadata store operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentClientOperation instruments portal client operations.
func (t *Telemetry) InstrumentClientOperation(ctx context.Context, client, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "client_"+operation, "portal_client", fn)

	t.RecordClientOperation(client, operation, statusOf(err))

	return err
}

// InstrumentDownload instruments one file transfer from claim to outcome.
// outcome labels the terminal state ("verified", "failed", "canceled"); an
// empty outcome falls back to success or error.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn func(ctx context.Context) (outcome string, err error)) error {
	if t == nil {
		_, err := fn(ctx)

		return err
	}

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	start := time.Now()

	var outcome string

	err := t.InstrumentOperation(ctx, "download", "downloader", func(ctx context.Context) error {
		var err error
		outcome, err = fn(ctx)

		return err
	})

	if outcome == "" {
		outcome = statusOf(err)
	}

	t.RecordDownload(outcome, time.Since(start))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}

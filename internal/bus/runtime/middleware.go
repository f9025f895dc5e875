package runtime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chatwire/chatwire/internal/bus/envelope"
	"github.com/chatwire/chatwire/internal/bus/logging"
)

// TracingMiddleware wraps envelope processing in an OpenTelemetry span.
func TracingMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			tracer := otel.Tracer("chatwire-runtime-tracer")
			ctx, span := tracer.Start(ctx, "ProcessEnvelope",
				trace.WithSpanKind(trace.SpanKindInternal))
			defer span.End()

			span.SetAttributes(
				attribute.String("envelope.id", env.ID),
				attribute.String("envelope.platform", env.Platform),
				attribute.String("envelope.content_type", string(env.ContentType())),
			)
			resp, err := next(ctx, env)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			return resp, nil
		}
	}
}

// LoggingMiddleware logs every processed envelope with its outcome and
// duration.
func LoggingMiddleware(log logging.BusLogger) Middleware {
	if log == nil {
		log = logging.Nop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			start := time.Now()
			resp, err := next(ctx, env)
			fields := logging.LogFields{
				"message_id":   env.ID,
				"platform":     env.Platform,
				"content_type": string(env.ContentType()),
				"duration_ms":  time.Since(start).Milliseconds(),
			}
			if err != nil {
				log.Error("envelope processing failed", err, fields)
			} else {
				log.Debug("envelope processed", fields)
			}
			return resp, err
		}
	}
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ogozo/service-checkout/internal/config"
	"github.com/ogozo/service-checkout/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	headerKind    = "x-kind"
	headerAttempt = "x-attempt"
)

var tracer = otel.Tracer("service-checkout.broker")

// amqpHeaders reads string values out of an AMQP header table.
type amqpHeaders map[string]interface{}

func (c amqpHeaders) Get(key string) string {
	if val, ok := c[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// strings keeps the string-valued headers only.
func (c amqpHeaders) strings() map[string]string {
	out := make(map[string]string, len(c))
	for k, v := range c {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// startPublish opens a producer span and injects its context into
// msg.Headers, allocating the map when needed.
func startPublish(ctx context.Context, system attribute.KeyValue, destination string, msg *Message) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, destination+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			system,
			semconv.MessagingDestinationName(destination),
			semconv.MessagingMessageID(msg.ID),
		),
	)
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Headers))
	return ctx, span
}

// startConsume continues the producer's trace for one delivery.
func startConsume(ctx context.Context, system attribute.KeyValue, destination string, msg Message) (context.Context, trace.Span) {
	if msg.Headers != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	}
	return tracer.Start(ctx, destination+" receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			system,
			semconv.MessagingDestinationName(destination),
			semconv.MessagingMessageID(msg.ID),
		),
	)
}

// finishPublish records the outcome on span and normalizes deadline errors
// to ErrPublishTimeout.
func finishPublish(ctx context.Context, span trace.Span, started time.Time, err error) error {
	defer span.End()
	metrics.PublishDuration.Observe(time.Since(started).Seconds())
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrPublishTimeout, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "publish failed")
	return err
}

// Open connects the driver named by cfg.Driver. Topology is declared on the
// way, so Open is safe to run repeatedly under a bootstrap retry.
func Open(ctx context.Context, cfg config.Bus) (Bus, error) {
	switch cfg.Driver {
	case "amqp":
		return DialAMQP(cfg.RabbitMQURL, cfg.CheckoutExchange, cfg.CheckoutQueue, cfg.MaxDeliveries)
	case "sns":
		awsCfg, err := config.LoadAWS(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		return NewSNSSQSBus(
			NewSNSPublisher(newSNSClient(awsCfg, cfg.AWSEndpointURL), cfg.SNSTopicARN),
			NewSQSSubscriber(newSQSClient(awsCfg, cfg.AWSEndpointURL), cfg.SQSQueueURL),
		), nil
	case "kafka":
		return DialKafka(ctx, cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
	case "memory":
		return NewMemoryBus(cfg.MemoryLease, cfg.MaxDeliveries), nil
	default:
		return nil, fmt.Errorf("broker: unknown driver %q", cfg.Driver)
	}
}

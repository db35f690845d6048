package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ogozo/service-checkout/internal/logging"
	"github.com/segmentio/kafka-go"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus writes with acks from all in-sync replicas and commits offsets
// only when a delivery is settled. Kafka has no per-message requeue, so a
// requeue republishes with a bumped attempt header and a rejection goes to
// "<topic>.dlq"; both commit the original afterwards.
type KafkaBus struct {
	writer    kafkaWriter
	newReader func() kafkaReader
	topic     string
	dlqTopic  string
}

func DialKafka(ctx context.Context, brokers []string, topic, groupID string) (*KafkaBus, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kafka at %s: %w", brokers[0], err)
	}
	conn.Close()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaBus(writer, func() kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}, topic), nil
}

func NewKafkaBus(writer kafkaWriter, newReader func() kafkaReader, topic string) *KafkaBus {
	return &KafkaBus{writer: writer, newReader: newReader, topic: topic, dlqTopic: topic + ".dlq"}
}

func (b *KafkaBus) Publish(ctx context.Context, msg Message) error {
	started := time.Now()
	ctx, span := startPublish(ctx, semconv.MessagingSystemKafka, b.topic, &msg)
	err := b.write(ctx, b.topic, msg, 1)
	return finishPublish(ctx, span, started, err)
}

func (b *KafkaBus) write(ctx context.Context, topic string, msg Message, attempt int) error {
	headers := make([]kafka.Header, 0, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		if k == headerAttempt || k == headerKind || k == headerMessageID {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers,
		kafka.Header{Key: headerKind, Value: []byte(msg.Kind)},
		kafka.Header{Key: headerMessageID, Value: []byte(msg.ID)},
		kafka.Header{Key: headerAttempt, Value: []byte(strconv.Itoa(attempt))},
	)
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: headers,
		Time:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("kafka write to %s: %w", topic, err)
	}
	return nil
}

// Subscribe handles one message at a time so offsets commit in order.
func (b *KafkaBus) Subscribe(ctx context.Context, h Handler) error {
	r := b.newReader()
	defer r.Close()
	logging.Info(ctx, "listening for checkout notifications", zap.String("topic", b.topic))

	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		b.dispatch(ctx, r, km, h)
	}
}

func (b *KafkaBus) dispatch(ctx context.Context, r kafkaReader, km kafka.Message, h Handler) {
	msg := Message{
		Key:     string(km.Key),
		Body:    km.Value,
		Headers: make(map[string]string, len(km.Headers)),
	}
	for _, hd := range km.Headers {
		msg.Headers[hd.Key] = string(hd.Value)
	}
	msg.ID = msg.Headers[headerMessageID]
	msg.Kind = msg.Headers[headerKind]
	attempt, _ := strconv.Atoi(msg.Headers[headerAttempt])
	if attempt < 1 {
		attempt = 1
	}

	spanCtx, span := startConsume(ctx, semconv.MessagingSystemKafka, b.topic, msg)
	defer span.End()

	commit := func() error {
		sctx, cancel := settleContext(ctx)
		defer cancel()
		if err := r.CommitMessages(sctx, km); err != nil {
			return fmt.Errorf("kafka commit: %w", err)
		}
		return nil
	}
	d := NewDelivery(msg, attempt, commit, func(requeue bool) error {
		sctx, cancel := settleContext(ctx)
		defer cancel()
		topic, next := b.dlqTopic, attempt
		if requeue {
			topic, next = b.topic, attempt+1
		}
		if err := b.write(sctx, topic, msg, next); err != nil {
			return err
		}
		return commit()
	})
	h(spanCtx, d)
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}

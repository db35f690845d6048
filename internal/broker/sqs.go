package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/ogozo/service-checkout/internal/logging"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSSubscriber long-polls a queue. The visibility timeout is the lease:
// a message not deleted in time reappears, and the queue's redrive policy
// moves it to the dead-letter queue once its receive count runs out.
type SQSSubscriber struct {
	client      sqsAPI
	queueURL    string
	waitSeconds int32
	maxMessages int32
	errBackoff  time.Duration
}

func NewSQSSubscriber(client sqsAPI, queueURL string) *SQSSubscriber {
	return &SQSSubscriber{
		client:      client,
		queueURL:    queueURL,
		waitSeconds: 20,
		maxMessages: 10,
		errBackoff:  5 * time.Second,
	}
}

func (s *SQSSubscriber) Subscribe(ctx context.Context, h Handler) error {
	logging.Info(ctx, "SQS consumer started", zap.String("queue", s.queueURL))
	for {
		if ctx.Err() != nil {
			logging.Info(ctx, "SQS consumer shutting down")
			return nil
		}
		out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(s.queueURL),
			MaxNumberOfMessages:         s.maxMessages,
			WaitTimeSeconds:             s.waitSeconds,
			MessageAttributeNames:       []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logging.Error(ctx, "SQS receive error", err)
			select {
			case <-ctx.Done():
			case <-time.After(s.errBackoff):
			}
			continue
		}

		var batch sync.WaitGroup
		for _, m := range out.Messages {
			batch.Add(1)
			go func(m types.Message) {
				defer batch.Done()
				s.dispatch(ctx, m, h)
			}(m)
		}
		batch.Wait()
	}
}

func (s *SQSSubscriber) dispatch(ctx context.Context, m types.Message, h Handler) {
	msg := Message{
		ID:      aws.ToString(m.MessageId),
		Body:    []byte(aws.ToString(m.Body)),
		Headers: make(map[string]string, len(m.MessageAttributes)),
	}
	for k, v := range m.MessageAttributes {
		msg.Headers[k] = aws.ToString(v.StringValue)
	}
	unwrapSNS(&msg)
	if id := msg.Headers[headerMessageID]; id != "" {
		msg.ID = id
	}
	msg.Kind = msg.Headers[headerKind]

	attempt, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])

	spanCtx, span := startConsume(ctx, semconv.MessagingSystemAWSSqs, s.queueURL, msg)
	defer span.End()

	receipt := m.ReceiptHandle
	d := NewDelivery(msg, attempt,
		func() error {
			sctx, cancel := settleContext(ctx)
			defer cancel()
			_, err := s.client.DeleteMessage(sctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(s.queueURL),
				ReceiptHandle: receipt,
			})
			if err != nil {
				return fmt.Errorf("sqs delete: %w", err)
			}
			return nil
		},
		func(requeue bool) error {
			if !requeue {
				// Left invisible; the redrive policy dead-letters it.
				return nil
			}
			sctx, cancel := settleContext(ctx)
			defer cancel()
			_, err := s.client.ChangeMessageVisibility(sctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(s.queueURL),
				ReceiptHandle:     receipt,
				VisibilityTimeout: 0,
			})
			if err != nil {
				return fmt.Errorf("sqs release: %w", err)
			}
			return nil
		},
	)
	h(spanCtx, d)
}

// snsEnvelope is the wrapper SNS puts around messages delivered to SQS
// without raw message delivery.
type snsEnvelope struct {
	Type              string `json:"Type"`
	Message           string `json:"Message"`
	MessageAttributes map[string]struct {
		Type  string `json:"Type"`
		Value string `json:"Value"`
	} `json:"MessageAttributes"`
}

func unwrapSNS(msg *Message) {
	var env snsEnvelope
	if err := json.Unmarshal(msg.Body, &env); err != nil || env.Type != "Notification" {
		return
	}
	msg.Body = []byte(env.Message)
	for k, v := range env.MessageAttributes {
		msg.Headers[k] = v.Value
	}
}

// settleContext outlives shutdown of the consume loop long enough to
// settle a delivery that has already been processed.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

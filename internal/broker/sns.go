package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/ogozo/service-checkout/internal/logging"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

const headerMessageID = "x-message-id"

var snsSystem = semconv.MessagingSystemKey.String("aws_sns")

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func newSNSClient(cfg aws.Config, endpoint string) *sns.Client {
	return sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func newSQSClient(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// SNSPublisher publishes to a topic. SNS acknowledges synchronously, so a
// nil error from the API means the message is stored. FIFO topics get the
// message id as deduplication id and the key as message group.
type SNSPublisher struct {
	client   snsAPI
	topicARN string
	fifo     bool
}

func NewSNSPublisher(client snsAPI, topicARN string) *SNSPublisher {
	return &SNSPublisher{
		client:   client,
		topicARN: topicARN,
		fifo:     strings.HasSuffix(topicARN, ".fifo"),
	}
}

func (p *SNSPublisher) Publish(ctx context.Context, msg Message) error {
	started := time.Now()
	ctx, span := startPublish(ctx, snsSystem, p.topicARN, &msg)

	attrs := make(map[string]snstypes.MessageAttributeValue, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		attrs[k] = stringAttr(v)
	}
	attrs[headerKind] = stringAttr(msg.Kind)
	attrs[headerMessageID] = stringAttr(msg.ID)

	in := &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(msg.Body)),
		MessageAttributes: attrs,
	}
	if p.fifo {
		in.MessageDeduplicationId = aws.String(msg.ID)
		group := msg.Key
		if group == "" {
			group = msg.Kind
		}
		in.MessageGroupId = aws.String(group)
	}

	out, err := p.client.Publish(ctx, in)
	if err != nil {
		err = fmt.Errorf("sns publish to %s: %w", p.topicARN, err)
	} else {
		logging.Debug(ctx, "sns publish accepted", zap.String("topic", p.topicARN), zap.String("sns_message_id", aws.ToString(out.MessageId)))
	}
	return finishPublish(ctx, span, started, err)
}

func stringAttr(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

// SNSSQSBus publishes through SNS and consumes the SQS queue subscribed to
// the topic.
type SNSSQSBus struct {
	*SNSPublisher
	*SQSSubscriber
}

func NewSNSSQSBus(p *SNSPublisher, s *SQSSubscriber) *SNSSQSBus {
	return &SNSSQSBus{SNSPublisher: p, SQSSubscriber: s}
}

func (b *SNSSQSBus) Close() error { return nil }

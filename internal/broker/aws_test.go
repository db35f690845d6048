package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

func TestSNSPublisher_FIFOTopic(t *testing.T) {
	client := &fakeSNS{}
	p := NewSNSPublisher(client, "arn:aws:sns:us-east-1:000000000000:checkout.fifo")

	err := p.Publish(context.Background(), Message{ID: "corr-1", Kind: "checkout.requested", Key: "alice", Body: []byte(`{"a":1}`)})
	require.NoError(t, err)

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, `{"a":1}`, aws.ToString(in.Message))
	assert.Equal(t, "corr-1", aws.ToString(in.MessageDeduplicationId))
	assert.Equal(t, "alice", aws.ToString(in.MessageGroupId))
	assert.Equal(t, "checkout.requested", aws.ToString(in.MessageAttributes[headerKind].StringValue))
	assert.Equal(t, "corr-1", aws.ToString(in.MessageAttributes[headerMessageID].StringValue))
}

func TestSNSPublisher_StandardTopic(t *testing.T) {
	client := &fakeSNS{}
	p := NewSNSPublisher(client, "arn:aws:sns:us-east-1:000000000000:checkout")

	require.NoError(t, p.Publish(context.Background(), Message{ID: "corr-1", Kind: "k"}))
	assert.Nil(t, client.inputs[0].MessageDeduplicationId)
	assert.Nil(t, client.inputs[0].MessageGroupId)
}

type fakeSQS struct {
	mu       sync.Mutex
	batches  [][]types.Message
	deleted  []string
	released []string
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: b}, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, aws.ToString(in.ReceiptHandle))
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func snsWrapped(t *testing.T, body, kind, id string) string {
	t.Helper()
	env := map[string]any{
		"Type":    "Notification",
		"Message": body,
		"MessageAttributes": map[string]any{
			headerKind:      map[string]string{"Type": "String", "Value": kind},
			headerMessageID: map[string]string{"Type": "String", "Value": id},
		},
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return string(raw)
}

func TestSQSSubscriber_UnwrapsAndSettles(t *testing.T) {
	client := &fakeSQS{batches: [][]types.Message{{
		{
			MessageId:     aws.String("sqs-1"),
			ReceiptHandle: aws.String("r-1"),
			Body:          aws.String(snsWrapped(t, `{"ok":true}`, "checkout.requested", "corr-1")),
			Attributes:    map[string]string{"ApproximateReceiveCount": "2"},
		},
		{
			MessageId:     aws.String("sqs-2"),
			ReceiptHandle: aws.String("r-2"),
			Body:          aws.String(`{"raw":true}`),
			MessageAttributes: map[string]types.MessageAttributeValue{
				headerKind: {DataType: aws.String("String"), StringValue: aws.String("checkout.requested")},
			},
		},
	}}}
	s := NewSQSSubscriber(client, "http://localhost:4566/000000000000/orders")

	var mu sync.Mutex
	seen := map[string]*Delivery{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Subscribe(ctx, func(_ context.Context, d *Delivery) {
			mu.Lock()
			seen[d.ID] = d
			mu.Unlock()
			if d.ID == "corr-1" {
				_ = d.Ack()
			} else {
				_ = d.Nack(true)
			}
		})
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	first := seen["corr-1"]
	require.NotNil(t, first)
	assert.Equal(t, `{"ok":true}`, string(first.Body))
	assert.Equal(t, "checkout.requested", first.Kind)
	assert.Equal(t, 2, first.Attempt)

	raw := seen["sqs-2"]
	require.NotNil(t, raw)
	assert.Equal(t, `{"raw":true}`, string(raw.Body))
	assert.Equal(t, 1, raw.Attempt)

	assert.Equal(t, []string{"r-1"}, client.deleted)
	assert.Equal(t, []string{"r-2"}, client.released)
}

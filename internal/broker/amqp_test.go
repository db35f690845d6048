package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel stands in for *amqp.Channel in confirm mode: each accepted
// publish is numbered and, when confirms is set, confirmed with ack.
type fakeChannel struct {
	mu        sync.Mutex
	published []amqp.Publishing
	keys      []string
	confirms  chan amqp.Confirmation
	ack       bool
	block     chan struct{}
	err       error
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	tag := uint64(len(f.published))
	f.mu.Unlock()
	if f.confirms != nil {
		f.confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: f.ack}
	}
	return nil
}

// newConfirmingBus starts confirm tracking on a fresh bus. The returned
// func closes the confirm stream the way a dying channel does.
func newConfirmingBus(t *testing.T, fc *fakeChannel) (*AMQPBus, func()) {
	t.Helper()
	confirms := make(chan amqp.Confirmation, 8)
	fc.confirms = confirms
	b := newAMQPBus(fc, "checkout", "order.checkout")
	go b.trackConfirms(confirms)
	var once sync.Once
	closeConfirms := func() { once.Do(func() { close(confirms) }) }
	t.Cleanup(closeConfirms)
	return b, closeConfirms
}

func withTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestAMQPBus_PublishWaitsForConfirm(t *testing.T) {
	fc := &fakeChannel{ack: true}
	b, _ := newConfirmingBus(t, fc)

	err := b.Publish(withTimeout(t, time.Second), Message{
		ID:      "m-1",
		Kind:    "checkout.requested",
		Body:    []byte(`{}`),
		Headers: map[string]string{"x-custom": "v"},
	})

	require.NoError(t, err)
	require.Len(t, fc.published, 1)
	p := fc.published[0]
	assert.Equal(t, "checkout.requested", fc.keys[0])
	assert.Equal(t, "m-1", p.MessageId)
	assert.Equal(t, "checkout.requested", p.Type)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, "checkout.requested", p.Headers[headerKind])
	assert.Equal(t, "v", p.Headers["x-custom"])
	assert.Zero(t, b.pendingCount())
}

func TestAMQPBus_NackConfirmIsRejection(t *testing.T) {
	fc := &fakeChannel{ack: false}
	b, _ := newConfirmingBus(t, fc)

	err := b.Publish(withTimeout(t, time.Second), Message{ID: "m-1", Kind: "checkout.requested"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker rejected message")
	assert.NotErrorIs(t, err, ErrPublishTimeout)
	assert.Zero(t, b.pendingCount())
}

func TestAMQPBus_MissingConfirmTimesOut(t *testing.T) {
	fc := &fakeChannel{}
	b, _ := newConfirmingBus(t, fc)
	fc.confirms = nil

	err := b.Publish(withTimeout(t, 20*time.Millisecond), Message{ID: "m-1", Kind: "checkout.requested"})

	assert.ErrorIs(t, err, ErrPublishTimeout)
	assert.Zero(t, b.pendingCount(), "expired publish must drop its waiter")
}

func TestAMQPBus_BlockedWriteHonoursDeadline(t *testing.T) {
	fc := &fakeChannel{block: make(chan struct{})}
	b, _ := newConfirmingBus(t, fc)
	fc.confirms = nil
	t.Cleanup(func() { close(fc.block) })

	started := time.Now()
	err := b.Publish(withTimeout(t, 20*time.Millisecond), Message{ID: "m-1", Kind: "checkout.requested"})
	assert.ErrorIs(t, err, ErrPublishTimeout)

	// the first write still holds the channel; a second publisher waits
	// for it only as long as its own deadline
	err = b.Publish(withTimeout(t, 20*time.Millisecond), Message{ID: "m-2", Kind: "checkout.requested"})
	assert.ErrorIs(t, err, ErrPublishTimeout)
	assert.Less(t, time.Since(started), time.Second)
}

func TestAMQPBus_WriteErrorReleasesTag(t *testing.T) {
	fc := &fakeChannel{err: amqp.ErrClosed}
	b, _ := newConfirmingBus(t, fc)

	err := b.Publish(withTimeout(t, time.Second), Message{ID: "m-1", Kind: "checkout.requested"})

	assert.ErrorIs(t, err, amqp.ErrClosed)
	assert.Zero(t, b.nextTag)
	assert.Zero(t, b.pendingCount())
}

func TestAMQPBus_ClosedChannelFailsWaiters(t *testing.T) {
	fc := &fakeChannel{}
	b, closeConfirms := newConfirmingBus(t, fc)
	fc.confirms = nil

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Publish(withTimeout(t, 2*time.Second), Message{ID: "m-1", Kind: "checkout.requested"})
	}()
	require.Eventually(t, func() bool { return b.pendingCount() == 1 }, time.Second, time.Millisecond)

	closeConfirms()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNotReady)
	case <-time.After(time.Second):
		t.Fatal("publish still waiting after channel closed")
	}
	assert.ErrorIs(t, b.Publish(withTimeout(t, time.Second), Message{ID: "m-2"}), ErrNotReady)
}

func TestAMQPBus_ConnectionLossIsReported(t *testing.T) {
	b := newAMQPBus(&fakeChannel{}, "checkout", "order.checkout")
	closed := make(chan *amqp.Error, 1)
	go b.watchConnection(closed)

	closed <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}

	err := Watch(withTimeout(t, time.Second), b)
	require.ErrorIs(t, err, ErrConnectionLost)
	assert.Contains(t, err.Error(), "CONNECTION_FORCED")
	assert.ErrorIs(t, b.Publish(withTimeout(t, time.Second), Message{ID: "m-1"}), ErrNotReady)
}

func TestAMQPBus_GracefulCloseIsQuiet(t *testing.T) {
	b := newAMQPBus(&fakeChannel{}, "checkout", "order.checkout")
	closed := make(chan *amqp.Error, 1)
	go b.watchConnection(closed)

	require.NoError(t, b.Close())
	close(closed)

	assert.NoError(t, Watch(withTimeout(t, 20*time.Millisecond), b))
}

func TestWatch_BusWithoutConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, Watch(ctx, NewMemoryBus(time.Second, 0)))
}

func TestDeliveryCount(t *testing.T) {
	cases := map[string]struct {
		headers amqp.Table
		want    int
	}{
		"int64":   {amqp.Table{"x-delivery-count": int64(2)}, 2},
		"int32":   {amqp.Table{"x-delivery-count": int32(3)}, 3},
		"missing": {amqp.Table{}, 0},
		"nil":     {nil, 0},
		"other":   {amqp.Table{"x-delivery-count": "4"}, 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, deliveryCount(tc.headers))
		})
	}
}

type fakeAcker struct {
	acked    []uint64
	nacked   []uint64
	requeued []bool
}

func (f *fakeAcker) Ack(tag uint64, _ bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	f.requeued = append(f.requeued, requeue)
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	return errors.New("reject not used")
}

func TestAMQPBus_DispatchBuildsDelivery(t *testing.T) {
	b := newAMQPBus(&fakeChannel{}, "checkout", "order.checkout")
	acker := &fakeAcker{}

	var got *Delivery
	b.dispatch(context.Background(), amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  7,
		MessageId:    "m-1",
		Body:         []byte(`{}`),
		Headers: amqp.Table{
			headerKind:         "checkout.requested",
			"x-delivery-count": int64(1),
			"traceparent":      "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		},
	}, func(_ context.Context, d *Delivery) {
		got = d
		require.NoError(t, d.Ack())
	})

	require.NotNil(t, got)
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, "checkout.requested", got.Kind, "kind falls back to the header when Type is empty")
	assert.Equal(t, 2, got.Attempt)
	assert.NotContains(t, got.Headers, "x-delivery-count")
	assert.Contains(t, got.Headers, "traceparent")
	assert.Equal(t, []uint64{7}, acker.acked)
}

func TestAMQPBus_DispatchNackMapsRequeue(t *testing.T) {
	b := newAMQPBus(&fakeChannel{}, "checkout", "order.checkout")
	acker := &fakeAcker{}

	for i, requeue := range []bool{true, false} {
		requeue := requeue
		b.dispatch(context.Background(), amqp.Delivery{
			Acknowledger: acker,
			DeliveryTag:  uint64(i + 1),
			Type:         "checkout.requested",
		}, func(_ context.Context, d *Delivery) {
			assert.Equal(t, "checkout.requested", d.Kind)
			assert.Equal(t, 1, d.Attempt)
			require.NoError(t, d.Nack(requeue))
		})
	}

	assert.Equal(t, []uint64{1, 2}, acker.nacked)
	assert.Equal(t, []bool{true, false}, acker.requeued)
	assert.Empty(t, acker.acked)
}

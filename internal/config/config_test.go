package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCart_Defaults(t *testing.T) {
	cfg, err := LoadCart()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "cart-service", cfg.OtelServiceName)
	assert.Equal(t, 5*time.Second, cfg.PublishTimeout)
	assert.Equal(t, 5, cfg.BootstrapMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.BootstrapDelay)
	assert.Equal(t, "amqp", cfg.Bus.Driver)
	assert.Equal(t, "order.checkout", cfg.Bus.CheckoutQueue)
}

func TestLoadOrder_EnvOverrides(t *testing.T) {
	t.Setenv("BUS_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("ORDER_STORE", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/orders.db")
	t.Setenv("PERSIST_INITIAL_BACKOFF", "250ms")
	t.Setenv("CONSUMER_MAX_DELIVERIES", "3")

	cfg, err := LoadOrder()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Bus.KafkaBrokers)
	assert.Equal(t, "sqlite", cfg.OrderStore)
	assert.Equal(t, "/tmp/orders.db", cfg.SQLitePath)
	assert.Equal(t, 250*time.Millisecond, cfg.PersistInitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.PersistMaxBackoff)
	assert.Equal(t, 3, cfg.Bus.MaxDeliveries)
	assert.Equal(t, ":8081", cfg.HTTPPort)
}

func TestLoadOrder_MissingKeys(t *testing.T) {
	t.Setenv("BUS_DRIVER", "sns")
	t.Setenv("ORDER_STORE", "cassandra")

	_, err := LoadOrder()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SNS_TOPIC_ARN")
	assert.Contains(t, err.Error(), "SQS_QUEUE_URL")
	assert.Contains(t, err.Error(), "ORDER_STORE")
}

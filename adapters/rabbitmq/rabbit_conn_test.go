package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

func TestNewWithAMQPConn_Validation(t *testing.T) {
	_, _, err := NewWithAMQPConn(Config{})
	require.ErrorIs(t, err, berr.ErrTransportNotConfigured)

	_, _, err = NewWithAMQPConn(Config{URL: "amqp://localhost"})
	require.ErrorIs(t, err, berr.ErrTransportNotConfigured)
}

func TestSeenCount(t *testing.T) {
	assert.Equal(t, 0, seenCount(nil, false))
	assert.Equal(t, 1, seenCount(nil, true))
	assert.Equal(t, 3, seenCount(amqp.Table{deliveryCountHeader: int64(3)}, true))
	assert.Equal(t, 2, seenCount(amqp.Table{deliveryCountHeader: int32(2)}, false))
}
